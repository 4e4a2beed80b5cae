package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type (
	// Config holds configuration settings for the engine
	Config struct {
		// API Server
		APIHost  string
		APIPort  int
		LogLevel string

		// Session store (Redis)
		Sessions RedisConfig

		// Definition store (SQLite)
		DefinitionPath string

		// Archiving
		ArchiveBucketURL string
		ArchivePrefix    string

		// Expiry sweep
		SweepSchedule string

		// Outbound collaborators
		MailEndpoint   string
		NotifyEndpoint string
		ClientTimeout  time.Duration

		// Engine
		DefinitionCacheSize int
		SubstitutionCache   int
		LoopCeiling         int
		ScriptTimeout       time.Duration
		SessionDuration     time.Duration
		IncrementalVars     bool
		ShutdownTimeout     time.Duration
	}

	// RedisConfig describes one Redis connection
	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}
)

const (
	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "waypost"
	DefaultRedisDB       = 0

	DefaultDefinitionPath = "waypost.db"

	DefaultDefinitionCacheSize = 4096
	DefaultSubstitutionCache   = 10240
	DefaultLoopCeiling         = 256
	DefaultScriptTimeout       = 5 * time.Second
	DefaultSessionDuration     = 24 * time.Hour
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultClientTimeout       = 15 * time.Second
	DefaultSweepSchedule       = "@every 5m"

	MaxDefinitionCacheSize = 1_000_000
	MaxSubstitutionCache   = 10_000_000
	MaxLoopCeiling         = 10_000
	MaxSessionHours        = 24 * 365
)

var (
	ErrInvalidAPIPort       = errors.New("invalid API port")
	ErrInvalidLoopCeiling   = errors.New("loop ceiling must be positive")
	ErrInvalidScriptTimeout = errors.New("script timeout must be positive")
	ErrInvalidDuration      = errors.New("session duration must be positive")
	ErrMissingDefinitions   = errors.New("definition path is required")
)

// NewDefaultConfig creates a configuration with sensible defaults for all
// engine settings and stores
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:  DefaultAPIHost,
		APIPort:  DefaultAPIPort,
		LogLevel: "info",
		Sessions: RedisConfig{
			Addr:   DefaultRedisEndpoint,
			DB:     DefaultRedisDB,
			Prefix: DefaultRedisPrefix,
		},
		DefinitionPath:      DefaultDefinitionPath,
		SweepSchedule:       DefaultSweepSchedule,
		DefinitionCacheSize: DefaultDefinitionCacheSize,
		SubstitutionCache:   DefaultSubstitutionCache,
		LoopCeiling:         DefaultLoopCeiling,
		ScriptTimeout:       DefaultScriptTimeout,
		SessionDuration:     DefaultSessionDuration,
		ShutdownTimeout:     DefaultShutdownTimeout,
		ClientTimeout:       DefaultClientTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed
func (c *Config) LoadFromEnv() error {
	if host := os.Getenv("API_HOST"); host != "" {
		c.APIHost = host
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if path := os.Getenv("DEFINITION_PATH"); path != "" {
		c.DefinitionPath = path
	}
	if url := os.Getenv("ARCHIVE_BUCKET_URL"); url != "" {
		c.ArchiveBucketURL = url
	}
	if prefix := os.Getenv("ARCHIVE_PREFIX"); prefix != "" {
		c.ArchivePrefix = prefix
	}
	if sched := os.Getenv("SWEEP_SCHEDULE"); sched != "" {
		c.SweepSchedule = sched
	}
	if endpoint := os.Getenv("MAIL_ENDPOINT"); endpoint != "" {
		c.MailEndpoint = endpoint
	}
	if endpoint := os.Getenv("NOTIFY_ENDPOINT"); endpoint != "" {
		c.NotifyEndpoint = endpoint
	}
	if inc := os.Getenv("INCREMENTAL_VARS"); inc != "" {
		c.IncrementalVars = inc == "true" || inc == "1"
	}
	loadRedisFromEnv(&c.Sessions, "SESSION")

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"DEFINITION_CACHE_SIZE", &c.DefinitionCacheSize,
		0, MaxDefinitionCacheSize,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"SUBSTITUTION_CACHE_SIZE", &c.SubstitutionCache,
		0, MaxSubstitutionCache,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"LOOP_CEILING", &c.LoopCeiling, 0, MaxLoopCeiling,
	); err != nil {
		return err
	}

	var scriptMillis int64
	if err := loadEnvInt(
		"SCRIPT_TIMEOUT_MS", &scriptMillis, 0, int64(time.Hour/time.Millisecond),
	); err != nil {
		return err
	}
	if scriptMillis > 0 {
		c.ScriptTimeout = time.Duration(scriptMillis) * time.Millisecond
	}

	var durationHours int64
	if err := loadEnvInt(
		"SESSION_DURATION_HOURS", &durationHours, 0, int64(MaxSessionHours),
	); err != nil {
		return err
	}
	if durationHours > 0 {
		c.SessionDuration = time.Duration(durationHours) * time.Hour
	}

	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.DefinitionPath == "" {
		return ErrMissingDefinitions
	}
	if c.LoopCeiling <= 0 {
		return ErrInvalidLoopCeiling
	}
	if c.ScriptTimeout <= 0 {
		return ErrInvalidScriptTimeout
	}
	if c.SessionDuration <= 0 {
		return ErrInvalidDuration
	}
	return nil
}

func loadRedisFromEnv(r *RedisConfig, prefix string) {
	if addr := os.Getenv(prefix + "_REDIS_ADDR"); addr != "" {
		r.Addr = addr
	}
	if password := os.Getenv(prefix + "_REDIS_PASSWORD"); password != "" {
		r.Password = password
	}
	if dbStr := os.Getenv(prefix + "_REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			r.DB = db
		}
	}
	if p := os.Getenv(prefix + "_REDIS_PREFIX"); p != "" {
		r.Prefix = p
	}
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max). Returns an error if
// the value cannot be parsed or falls outside the valid range
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}
