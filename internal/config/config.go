// Package config assembles service settings from defaults, an optional YAML
// file, a .env file, and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Addr               string        `yaml:"addr"`
	LogLevel           string        `yaml:"log_level"`
	InferenceEndpoint  string        `yaml:"inference_endpoint"`
	InferenceTimeout   time.Duration `yaml:"inference_timeout"`
	RedisAddr          string        `yaml:"redis_addr"`
	DatabaseDSN        string        `yaml:"database_dsn"`
	SessionSecret      string        `yaml:"session_secret"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	ImageTTL           time.Duration `yaml:"image_ttl"`
	DisplayDelay       time.Duration `yaml:"display_delay"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
	ModelVersion       string        `yaml:"model_version"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:               ":8080",
		LogLevel:           "info",
		InferenceEndpoint:  "http://inference:5000/predict_rd",
		InferenceTimeout:   60 * time.Second,
		SessionSecret:      "dev-secret",
		SessionIdleTimeout: time.Hour,
		ImageTTL:           2 * time.Hour,
		DisplayDelay:       500 * time.Millisecond,
		ProgressInterval:   300 * time.Millisecond,
		ModelVersion:       "v2.4.1",
		ShutdownTimeout:    15 * time.Second,
	}
}

// Load reads .env (if present), then the YAML file named by FIBROSCAN_CONFIG
// (if set), then environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("FIBROSCAN_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if cfg, err = Parse(data, cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse overlays YAML data on base.
func Parse(data []byte, base Config) (Config, error) {
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr is required")
	case c.InferenceEndpoint == "":
		return errors.New("inference_endpoint is required")
	case c.SessionSecret == "":
		return errors.New("session_secret is required")
	case c.InferenceTimeout <= 0:
		return errors.New("inference_timeout must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.InferenceEndpoint = getEnv("INFERENCE_ENDPOINT", cfg.InferenceEndpoint)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.SessionSecret = getEnv("SESSION_SECRET", cfg.SessionSecret)
	cfg.ModelVersion = getEnv("MODEL_VERSION", cfg.ModelVersion)

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"INFERENCE_TIMEOUT", &cfg.InferenceTimeout},
		{"SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
		{"IMAGE_TTL", &cfg.ImageTTL},
		{"DISPLAY_DELAY", &cfg.DisplayDelay},
		{"PROGRESS_INTERVAL", &cfg.ProgressInterval},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		value := os.Getenv(d.key)
		if value == "" {
			continue
		}
		parsed, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = parsed
	}
	return nil
}

// parseDuration accepts Go durations ("300ms") or plain seconds ("30").
func parseDuration(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
