package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Producer    ProducerConfig
	Maintenance MaintenanceConfig
}

// TelemetryConfig drives logging, tracing and metric export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelEndpoint  string
	OtelProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled        bool
	SubmitOrgRate  float64
	SubmitOrgBurst int
	LockTTLSeconds int
}

type ProducerConfig struct {
	Mode          string
	BaseURL       string
	CallbackToken string
	Timeout       time.Duration
}

type MaintenanceConfig struct {
	Enabled               bool
	SweepInterval         time.Duration
	RefreshInterval       time.Duration
	RefreshBatchSize      int
	ExpireInterval        time.Duration
	ReservationStaleAfter time.Duration
	HealthInterval        time.Duration
	DispatchInterval      time.Duration
	OrphanResultGrace     time.Duration
}

const (
	ProducerModeMemory = "memory"
	ProducerModeHTTP   = "http"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "creditcore"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtelEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditcore"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "creditcore.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			SubmitOrgRate:  getenvFloat("RATE_LIMIT_SUBMIT_ORG_RATE", 2),
			SubmitOrgBurst: getenvInt("RATE_LIMIT_SUBMIT_ORG_BURST", 10),
			LockTTLSeconds: getenvInt("RATE_LIMIT_LOCK_TTL_SECONDS", 120),
		},
		Producer: ProducerConfig{
			Mode:          strings.ToLower(getenv("PRODUCER_MODE", ProducerModeMemory)),
			BaseURL:       strings.TrimSpace(getenv("PRODUCER_BASE_URL", "")),
			CallbackToken: strings.TrimSpace(getenv("PRODUCER_CALLBACK_TOKEN", "")),
			Timeout:       getenvDuration("PRODUCER_TIMEOUT", 10*time.Second),
		},
		Maintenance: MaintenanceConfig{
			Enabled:               getenvBool("MAINTENANCE_ENABLED", true),
			SweepInterval:         getenvDuration("MAINTENANCE_SWEEP_INTERVAL", time.Hour),
			RefreshInterval:       getenvDuration("MAINTENANCE_REFRESH_INTERVAL", 6*time.Hour),
			RefreshBatchSize:      getenvInt("MAINTENANCE_REFRESH_BATCH_SIZE", 100),
			ExpireInterval:        getenvDuration("MAINTENANCE_EXPIRE_INTERVAL", 10*time.Minute),
			ReservationStaleAfter: getenvDuration("MAINTENANCE_RESERVATION_STALE_AFTER", 2*time.Hour),
			HealthInterval:        getenvDuration("MAINTENANCE_HEALTH_INTERVAL", 30*time.Second),
			DispatchInterval:      getenvDuration("MAINTENANCE_DISPATCH_INTERVAL", 5*time.Second),
			OrphanResultGrace:     getenvDuration("MAINTENANCE_ORPHAN_RESULT_GRACE", 24*time.Hour),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
