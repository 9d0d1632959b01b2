// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds every environment-driven setting of the server.
type Config struct {
	Port string

	StoreBackend  string // "memory" or "redis"
	RedisAddr     string
	RedisDB       int
	RedisPassword string

	RoomTTL           time.Duration
	ReconnectTokenTTL time.Duration
	ReconnectGrace    time.Duration
	SweepInterval     time.Duration

	RoyaleMaxCapacity     int
	RoyaleDefaultCapacity int
	CountdownSeconds      int

	TokenSigningKeyPath string
	ResultsQueue        string

	LogLevel logrus.Level
}

// Load reads the environment. Unparseable values fall back to defaults and are
// reported through logger.
func Load(logger logrus.FieldLogger) Config {
	e := envReader{logger: logger}
	cfg := Config{
		Port:                  e.str("PORT", "8080"),
		StoreBackend:          e.str("STORE_BACKEND", "memory"),
		RedisAddr:             e.str("REDIS_ADDR", "localhost:6379"),
		RedisDB:               e.int("REDIS_DB", 0),
		RedisPassword:         e.str("REDIS_PASSWORD", ""),
		RoomTTL:               e.duration("ROOM_TTL", 30*time.Minute),
		ReconnectTokenTTL:     e.duration("RECONNECT_TOKEN_TTL", 30*time.Minute),
		ReconnectGrace:        e.duration("RECONNECT_GRACE", 30*time.Second),
		SweepInterval:         e.duration("SWEEP_INTERVAL", time.Minute),
		RoyaleMaxCapacity:     e.int("ROYALE_MAX_CAPACITY", 16),
		RoyaleDefaultCapacity: e.int("ROYALE_DEFAULT_CAPACITY", 8),
		CountdownSeconds:      e.int("COUNTDOWN_SECONDS", 3),
		TokenSigningKeyPath:   e.str("TOKEN_SIGNING_KEY_PATH", ""),
		ResultsQueue:          os.Getenv("RESULTS_QUEUE"),
		LogLevel:              logrus.InfoLevel,
	}
	if _, set := os.LookupEnv("RESULTS_QUEUE"); !set {
		cfg.ResultsQueue = "blockfall_results"
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			logger.Warnf("config: invalid LOG_LEVEL %q, using info", lvl)
		} else {
			cfg.LogLevel = parsed
		}
	}

	if cfg.RoyaleMaxCapacity < 2 {
		logger.Warnf("config: ROYALE_MAX_CAPACITY %d below 2, using 16", cfg.RoyaleMaxCapacity)
		cfg.RoyaleMaxCapacity = 16
	}
	if cfg.RoyaleDefaultCapacity < 2 || cfg.RoyaleDefaultCapacity > cfg.RoyaleMaxCapacity {
		logger.Warnf("config: ROYALE_DEFAULT_CAPACITY %d out of range, clamping", cfg.RoyaleDefaultCapacity)
		cfg.RoyaleDefaultCapacity = min(max(cfg.RoyaleDefaultCapacity, 2), cfg.RoyaleMaxCapacity)
	}
	return cfg
}

// HistorianConfig holds the settings of the results historian.
type HistorianConfig struct {
	RedisAddr     string
	RedisDB       int
	RedisPassword string
	ResultsQueue  string

	// DatabaseURL is DATABASE_URL, or assembled from the POSTGRES_* and PG_* variables.
	DatabaseURL string

	BatchSize     int
	FlushInterval time.Duration

	LogLevel logrus.Level
}

// LoadHistorian reads the historian's environment.
func LoadHistorian(logger logrus.FieldLogger) HistorianConfig {
	e := envReader{logger: logger}
	cfg := HistorianConfig{
		RedisAddr:     e.str("REDIS_ADDR", "localhost:6379"),
		RedisDB:       e.int("REDIS_DB", 0),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		ResultsQueue:  e.str("RESULTS_QUEUE", "blockfall_results"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		BatchSize:     e.int("HISTORIAN_BATCH_SIZE", 20),
		FlushInterval: time.Duration(e.int("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
		LogLevel:      logrus.InfoLevel,
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			e.str("POSTGRES_USER", "postgres"),
			os.Getenv("POSTGRES_PASSWORD"),
			e.str("PG_HOST", "localhost"),
			e.str("PG_PORT", "5432"),
			e.str("PG_DATABASE", "blockfall"),
		)
	}
	if cfg.BatchSize < 1 {
		logger.Warnf("config: HISTORIAN_BATCH_SIZE %d below 1, using 20", cfg.BatchSize)
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			cfg.LogLevel = parsed
		}
	}
	return cfg
}

type envReader struct {
	logger logrus.FieldLogger
}

// str reads an environment variable or returns a default value.
func (e envReader) str(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// int parses an environment variable as integer, else a default value.
func (e envReader) int(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		e.logger.Warnf("config: invalid %s=%q, using %d", key, s, def)
		return def
	}
	return v
}

// duration accepts Go duration strings ("30m") or plain seconds.
func (e envReader) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	e.logger.Warnf("config: invalid %s=%q, using %s", key, s, def)
	return def
}
