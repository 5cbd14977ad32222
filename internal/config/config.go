package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	ServiceName string
	Env         string
	MetricsAddr string

	Ledger      Ledger
	Catalog     Catalog
	Kafka       Kafka
	Reservation Reservation
	Payment     Payment
	SMTP        SMTP
}

type Ledger struct {
	Backend     string // memory, postgres, dynamodb
	DatabaseURL string
	DynamoTable string
}

type Catalog struct {
	Backend       string // memory, redis, postgres
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type Kafka struct {
	Brokers       []string
	LedgerTopic   string
	CommandsTopic string
	GroupID       string
}

type Reservation struct {
	TTL             time.Duration
	PendingOrderTTL time.Duration
	SweepInterval   time.Duration
	MaxCASAttempts  int
}

type Payment struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	SuccessRate    float64
}

type SMTP struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	OperatorEmail string
}

// Load reads the configuration from the environment. Values that are present
// but malformed, and settings required by the chosen backends, abort startup.
func Load(log *zap.Logger) *Config {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "farmlink-orders"),
		Env:         getEnv("ENV", "production"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		Ledger: Ledger{
			Backend:     getEnv("LEDGER_BACKEND", "memory"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			DynamoTable: getEnv("DYNAMODB_LEDGER_TABLE", "farmlink-ledger"),
		},
		Catalog: Catalog{
			Backend:       getEnv("CATALOG_BACKEND", "memory"),
			DatabaseURL:   getEnv("CATALOG_DATABASE_URL", getEnv("DATABASE_URL", "")),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getInt("REDIS_DB", 0, log),
		},
		Kafka: Kafka{
			Brokers:       splitAndTrim(os.Getenv("KAFKA_BROKERS")),
			LedgerTopic:   getEnv("KAFKA_LEDGER_TOPIC", "ledger-entries"),
			CommandsTopic: getEnv("KAFKA_COMMANDS_TOPIC", "order-commands"),
			GroupID:       getEnv("KAFKA_GROUP_ID", "farmlink-engine"),
		},
		Reservation: Reservation{
			TTL:             getDuration("RESERVATION_TTL", 15*time.Minute, log),
			PendingOrderTTL: getDuration("PENDING_ORDER_TTL", time.Hour, log),
			SweepInterval:   getDuration("SWEEP_INTERVAL", 30*time.Second, log),
			MaxCASAttempts:  getInt("MAX_CAS_ATTEMPTS", 5, log),
		},
		Payment: Payment{
			MaxAttempts:    getInt("PAYMENT_MAX_ATTEMPTS", 5, log),
			InitialBackoff: getDuration("PAYMENT_INITIAL_BACKOFF", 200*time.Millisecond, log),
			MaxBackoff:     getDuration("PAYMENT_MAX_BACKOFF", 5*time.Second, log),
			CallTimeout:    getDuration("PAYMENT_CALL_TIMEOUT", 10*time.Second, log),
			SuccessRate:    getFloat("PAYMENT_SIMULATED_SUCCESS_RATE", 0.9, log),
		},
		SMTP: SMTP{
			Host:          getEnv("SMTP_HOST", "localhost"),
			Port:          getInt("SMTP_PORT", 1025, log),
			Username:      getEnv("SMTP_USERNAME", ""),
			Password:      getEnv("SMTP_PASSWORD", ""),
			From:          getEnv("SMTP_FROM", "noreply@farmlink.local"),
			OperatorEmail: getEnv("OPERATOR_EMAIL", "ops@farmlink.local"),
		},
	}

	if cfg.Ledger.Backend == "postgres" {
		require("DATABASE_URL", cfg.Ledger.DatabaseURL, log)
	}
	if cfg.Catalog.Backend == "postgres" {
		require("CATALOG_DATABASE_URL", cfg.Catalog.DatabaseURL, log)
	}
	if cfg.Reservation.MaxCASAttempts < 1 {
		invalid("MAX_CAS_ATTEMPTS", strconv.Itoa(cfg.Reservation.MaxCASAttempts), log)
	}
	if cfg.Payment.MaxAttempts < 1 {
		invalid("PAYMENT_MAX_ATTEMPTS", strconv.Itoa(cfg.Payment.MaxAttempts), log)
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int, log *zap.Logger) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		invalid(key, raw, log)
	}
	return n
}

func getFloat(key string, def float64, log *zap.Logger) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		invalid(key, raw, log)
	}
	return f
}

func getDuration(key string, def time.Duration, log *zap.Logger) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		invalid(key, raw, log)
	}
	return d
}

func require(key, value string, log *zap.Logger) {
	if value != "" {
		return
	}
	log.Error("required environment variable is not set", zap.String("key", key))
	panic("missing required environment variable: " + key)
}

func invalid(key, value string, log *zap.Logger) {
	log.Error("invalid environment variable", zap.String("key", key), zap.String("value", value))
	panic("invalid environment variable: " + key)
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if pt := strings.TrimSpace(p); pt != "" {
			parts = append(parts, pt)
		}
	}
	return parts
}
