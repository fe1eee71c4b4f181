package txn

import (
	"errors"
	"fmt"

	"github.com/fluxori/creditcore/pkg/db"
)

// ErrConflict signals an optimistic compare-and-set that matched no row.
var ErrConflict = errors.New("optimistic_conflict")

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("transaction exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the executor aborts without retrying even if it looks transient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether a failed attempt may succeed when re-run.
func IsTransient(err error) bool {
	return transientReason(err) != ""
}

func transientReason(err error) string {
	if err == nil {
		return ""
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return ""
	}
	if errors.Is(err, ErrConflict) {
		return "conflict"
	}

	switch class := db.Classify(err); class {
	case db.ClassSerialization, db.ClassDeadlock, db.ClassLockTimeout, db.ClassBusy:
		return string(class)
	}
	return ""
}

func unwrapPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}
