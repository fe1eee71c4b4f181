package db

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrorClass groups driver errors the ledger and queue react to.
type ErrorClass string

const (
	ClassNone          ErrorClass = ""
	ClassDuplicateKey  ErrorClass = "duplicate_key"
	ClassSerialization ErrorClass = "serialization_failure"
	ClassDeadlock      ErrorClass = "deadlock"
	ClassLockTimeout   ErrorClass = "lock_timeout"
	ClassBusy          ErrorClass = "busy"
)

// Classify maps postgres, mysql and sqlite errors onto an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ClassDuplicateKey
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ClassDuplicateKey
		case "40001":
			return ClassSerialization
		case "40P01":
			return ClassDeadlock
		case "55P03":
			return ClassLockTimeout
		}
		return ClassNone
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062:
			return ClassDuplicateKey
		case 1213:
			return ClassDeadlock
		case 1205:
			return ClassLockTimeout
		}
		return ClassNone
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		return ClassDuplicateKey
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "sqlite_busy"):
		return ClassBusy
	}
	return ClassNone
}

func IsDuplicateKeyErr(err error) bool {
	return Classify(err) == ClassDuplicateKey
}
