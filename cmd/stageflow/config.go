package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/stageflow/runtime/workflow"
	"goa.design/stageflow/runtime/workflow/progress"
)

const (
	backendRedis  = "redis"
	backendMongo  = "mongo"
	backendMemory = "memory"
)

// config is the service configuration. Values come from the optional YAML
// file first; environment variables override them.
type config struct {
	Addr            string        `yaml:"addr"`
	StoreBackend    string        `yaml:"storeBackend"`
	RedisURL        string        `yaml:"redisURL"`
	RedisPassword   string        `yaml:"redisPassword"`
	MongoURI        string        `yaml:"mongoURI"`
	MongoDatabase   string        `yaml:"mongoDatabase"`
	SessionTTL      time.Duration `yaml:"sessionTTL"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	StreamTimeout   time.Duration `yaml:"streamTimeout"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	StreamRate      float64       `yaml:"streamRate"`
	StreamBurst     int           `yaml:"streamBurst"`
	PulseMirror     bool          `yaml:"pulseMirror"`
}

func defaultConfig() config {
	return config{
		Addr:            ":8080",
		StoreBackend:    backendRedis,
		RedisURL:        "localhost:6379",
		MongoURI:        "mongodb://localhost:27017",
		MongoDatabase:   "stageflow",
		SessionTTL:      workflow.DefaultTTL,
		PollInterval:    progress.DefaultInterval,
		StreamTimeout:   progress.DefaultTimeout,
		CleanupInterval: 10 * time.Minute,
		StreamRate:      50,
		StreamBurst:     100,
	}
}

// loadConfig reads path, if not empty, then applies environment overrides.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Addr = envOr("STAGEFLOW_ADDR", cfg.Addr)
	cfg.StoreBackend = envOr("STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.MongoURI = envOr("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = envOr("MONGO_DATABASE", cfg.MongoDatabase)
	cfg.SessionTTL = envDurationOr("SESSION_TTL", cfg.SessionTTL)
	cfg.PollInterval = envDurationOr("POLL_INTERVAL", cfg.PollInterval)
	cfg.StreamTimeout = envDurationOr("STREAM_TIMEOUT", cfg.StreamTimeout)
	cfg.CleanupInterval = envDurationOr("CLEANUP_INTERVAL", cfg.CleanupInterval)
	cfg.StreamRate = envFloatOr("STREAM_RATE", cfg.StreamRate)
	cfg.StreamBurst = envIntOr("STREAM_BURST", cfg.StreamBurst)
	cfg.PulseMirror = envBoolOr("PULSE_MIRROR", cfg.PulseMirror)
	return cfg, cfg.validate()
}

func (c config) validate() error {
	var errs []error
	switch c.StoreBackend {
	case backendRedis, backendMemory:
	case backendMongo:
		if c.MongoDatabase == "" {
			errs = append(errs, errors.New("mongo database is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q (valid: redis, mongo, memory)", c.StoreBackend))
	}
	if c.PulseMirror && c.StoreBackend != backendRedis {
		errs = append(errs, errors.New("pulse mirror requires the redis backend"))
	}
	for name, d := range map[string]time.Duration{
		"session TTL":      c.SessionTTL,
		"poll interval":    c.PollInterval,
		"stream timeout":   c.StreamTimeout,
		"cleanup interval": c.CleanupInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.StreamRate <= 0 || c.StreamBurst <= 0 {
		errs = append(errs, errors.New("stream rate and burst must be positive"))
	}
	return errors.Join(errs...)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
