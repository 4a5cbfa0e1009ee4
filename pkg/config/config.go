// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Clearing      ClearingConfig
	Reconciliation ReconciliationConfig
	HSM           HSMConfig
	Kafka         KafkaConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// ClearingConfig governs window scheduling, checkpointing and the atomic
// operation / netting timing budgets. CheckpointHeightInterval is a block
// count, not a duration: checkpoint emission gates on height % interval,
// not wall-clock time, so a checkpoint is due exactly every N finalized
// blocks regardless of how long they took to fill.
type ClearingConfig struct {
	WindowDuration           time.Duration
	GracePeriod              time.Duration
	CheckpointHeightInterval int64
	NetworkID                string
	ProtocolVersion          string
	BFTValidatorCount        int
	AtomicOpDeadline         time.Duration
	ReplayTTL                time.Duration
	NonceSkewTolerance       time.Duration
	Tier2PollInterval        time.Duration
	BankAPIEndpoint          string
	BankAPITimeout           time.Duration
}

// ReconciliationConfig carries the funding reconciler's threshold policy.
// The tiers are absolute-amount bands; SuspendRelative additionally pulls
// a gap into the Suspend tier when it is large relative to the ledger
// balance, but a gap inside ToleranceAbsolute is always OK. A Critical
// breach (beyond SuspendAbsolute) trips the circuit breaker directly on
// that single observation; there is no separate breach-count threshold to
// configure. BankAPIMinInterval throttles per-account balance polls.
type ReconciliationConfig struct {
	ToleranceAbsolute    decimal.Decimal
	WarnAbsolute         decimal.Decimal
	SuspendAbsolute      decimal.Decimal
	SuspendRelative      decimal.Decimal
	CircuitBreakerWindow time.Duration
	BankAPIMinInterval   time.Duration
}

// HSMConfig locates the HSM endpoint used to sign checkpoint blocks. The
// handle built from this config is passed explicitly to callers; nothing
// reads it from a package-level global.
type HSMConfig struct {
	Provider string // "pkcs11", "mock"
	Endpoint string
	KeyLabel string
	PIN      string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Clearing: ClearingConfig{
			WindowDuration:           getDurationEnv("CLEARING_WINDOW_DURATION", 4*time.Hour),
			GracePeriod:              getDurationEnv("CLEARING_GRACE_PERIOD", 15*time.Minute),
			CheckpointHeightInterval: getInt64Env("CLEARING_CHECKPOINT_HEIGHT_INTERVAL", 100),
			NetworkID:                getEnv("CLEARING_NETWORK_ID", "settlerail-mainnet"),
			ProtocolVersion:          getEnv("CLEARING_PROTOCOL_VERSION", "1"),
			BFTValidatorCount:        getIntEnv("CLEARING_BFT_VALIDATOR_COUNT", 7),
			AtomicOpDeadline:         getDurationEnv("CLEARING_ATOMIC_OP_DEADLINE", 5*time.Minute),
			ReplayTTL:                getDurationEnv("CLEARING_REPLAY_TTL", 24*time.Hour),
			NonceSkewTolerance:       getDurationEnv("CLEARING_NONCE_SKEW_TOLERANCE", 5*time.Minute),
			Tier2PollInterval:        getDurationEnv("CLEARING_TIER2_POLL_INTERVAL", time.Minute),
			BankAPIEndpoint:          getEnv("CLEARING_BANK_API_ENDPOINT", ""),
			BankAPITimeout:           getDurationEnv("CLEARING_BANK_API_TIMEOUT", 20*time.Second),
		},
		Reconciliation: ReconciliationConfig{
			ToleranceAbsolute:    getDecimalEnv("RECON_TOLERANCE_ABSOLUTE", "1.00"),
			WarnAbsolute:         getDecimalEnv("RECON_WARN_ABSOLUTE", "100.00"),
			SuspendAbsolute:      getDecimalEnv("RECON_SUSPEND_ABSOLUTE", "1000.00"),
			SuspendRelative:      getDecimalEnv("RECON_SUSPEND_RELATIVE", "0.01"),
			CircuitBreakerWindow: getDurationEnv("RECON_CIRCUIT_BREAKER_WINDOW", 10*time.Minute),
			BankAPIMinInterval:   getDurationEnv("RECON_BANK_API_MIN_INTERVAL", 30*time.Second),
		},
		HSM: HSMConfig{
			Provider: getEnv("HSM_PROVIDER", "mock"),
			Endpoint: getEnv("HSM_ENDPOINT", ""),
			KeyLabel: getEnv("HSM_KEY_LABEL", "clearing-checkpoint"),
			PIN:      getEnv("HSM_PIN", ""),
		},
		Kafka: KafkaConfig{
			Brokers: strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   getEnv("KAFKA_TOPIC", "clearing.events"),
			GroupID: getEnv("KAFKA_GROUP_ID", "clearing-gateway"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if dec, err := decimal.NewFromString(value); err == nil {
			return dec
		}
	}
	return decimal.RequireFromString(defaultValue)
}
