// Package config loads pharmachain settings from an optional .env file and
// the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pharmachain/internal/archive"
)

// Config is the resolved runtime configuration.
type Config struct {
	StorageDriver string
	SQLitePath    string
	PostgresDSN   string

	Archive archive.Config

	KafkaBrokers  []string
	KafkaTopic    string
	KafkaUsername string
	KafkaPassword string
	KafkaTLS      bool

	RedisAddr string
	LockTTL   time.Duration

	JWTSecret  string
	TokenTTL   time.Duration
	PolicyFile string

	LogLevel  string
	LogFormat string

	// Metrics selects the operation metrics recorder: expvar or prometheus.
	Metrics   string
	// TraceFile, when set, receives one JSON line per operation span.
	TraceFile string
}

// Load reads files (default ".env") with godotenv without overriding variables
// already set, then resolves the configuration from the environment. Missing
// env files are ignored.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv resolves the configuration from PHARMACHAIN_* variables.
func FromEnv() (Config, error) {
	cfg := Config{
		StorageDriver: getEnv("PHARMACHAIN_STORAGE_DRIVER", "sqlite"),
		SQLitePath:    getEnv("PHARMACHAIN_SQLITE_PATH", "./pharmachain.db"),
		PostgresDSN:   os.Getenv("PHARMACHAIN_POSTGRES_DSN"),
		Archive:       archive.ConfigFromEnv(),
		KafkaBrokers:  splitList(os.Getenv("PHARMACHAIN_KAFKA_BROKERS")),
		KafkaTopic:    getEnv("PHARMACHAIN_KAFKA_TOPIC", "pharmachain.events"),
		KafkaUsername: os.Getenv("PHARMACHAIN_KAFKA_USERNAME"),
		KafkaPassword: os.Getenv("PHARMACHAIN_KAFKA_PASSWORD"),
		RedisAddr:     os.Getenv("PHARMACHAIN_REDIS_ADDR"),
		JWTSecret:     os.Getenv("PHARMACHAIN_JWT_SECRET"),
		PolicyFile:    os.Getenv("PHARMACHAIN_POLICY_FILE"),
		LogLevel:      getEnv("PHARMACHAIN_LOG_LEVEL", "info"),
		LogFormat:     getEnv("PHARMACHAIN_LOG_FORMAT", "json"),
		Metrics:       getEnv("PHARMACHAIN_METRICS", "expvar"),
		TraceFile:     os.Getenv("PHARMACHAIN_TRACE_FILE"),
	}
	var err error
	if cfg.KafkaTLS, err = parseBool("PHARMACHAIN_KAFKA_TLS"); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = parseDuration("PHARMACHAIN_LOCK_TTL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = parseDuration("PHARMACHAIN_TOKEN_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("PHARMACHAIN_LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	switch cfg.Metrics {
	case "expvar", "prometheus":
	default:
		return Config{}, fmt.Errorf("PHARMACHAIN_METRICS must be expvar or prometheus, got %q", cfg.Metrics)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(key string) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
