// Package config reads runtime settings from the environment. A .env file in
// the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr        string
	DatabaseURL     string
	JWTSecret       string
	LogLevel        string
	ShutdownTimeout time.Duration
	BadgeRulesFile  string

	Database DatabaseConfig
	Notifier NotifierConfig
}

type DatabaseConfig struct {
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NotifierConfig drives the watch command.
type NotifierConfig struct {
	APIBaseURL   string
	APIToken     string
	PollInterval time.Duration
	PollSkew     time.Duration
}

// Load reads the environment. Malformed durations are reported rather than
// replaced by their defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	shutdownTimeout, err := getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	pollInterval, err := getEnvDuration("POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	pollSkew, err := getEnvDuration("POLL_SKEW", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPAddr:        getEnvString("HTTP_ADDR", ":8080"),
		DatabaseURL:     getEnvString("DATABASE_URL", ""),
		JWTSecret:       getEnvString("JWT_SECRET", ""),
		LogLevel:        getEnvString("LOG_LEVEL", "info"),
		ShutdownTimeout: shutdownTimeout,
		BadgeRulesFile:  getEnvString("TRUST_BADGE_RULES_FILE", ""),
		Database: DatabaseConfig{
			MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 10)),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
		},
		Notifier: NotifierConfig{
			APIBaseURL:   getEnvString("API_BASE_URL", "http://localhost:8080"),
			APIToken:     getEnvString("API_TOKEN", ""),
			PollInterval: pollInterval,
			PollSkew:     pollSkew,
		},
	}, nil
}

// RequireServer checks the settings serve and migrate cannot run without.
func (c *Config) RequireServer() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("config: invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
