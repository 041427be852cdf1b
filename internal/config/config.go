// Package config provides configuration loading for the relay server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the relay server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings
	JWTSecret        string
	JWTTTL           time.Duration
	LegacyAPIKeys    []string
	AllowedUsernames []string

	// Storage settings
	DatabasePath string

	// Producer liveness settings
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from the environment, honouring a .env file in
// the working directory when present.
func Load() (*Config, error) {
	// Missing .env is fine; real environment variables win either way.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWTTTL:           getEnvDuration("JWT_TTL", 30*24*time.Hour),
		LegacyAPIKeys:    getEnvStringSlice("API_KEYS", nil),
		AllowedUsernames: getEnvStringSlice("ALLOWED_USERNAMES", nil),

		DatabasePath: getEnv("DATABASE_PATH", "ccluster.db"),

		HeartbeatTimeout: getEnvDuration("HEARTBEAT_TIMEOUT", 90*time.Second),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 15*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if cfg.HeartbeatTimeout <= cfg.SweepInterval {
		return nil, fmt.Errorf("HEARTBEAT_TIMEOUT must exceed SWEEP_INTERVAL")
	}

	return cfg, nil
}

// RegistrationOpen reports whether any usernames are allowed to register.
func (c *Config) RegistrationOpen() bool {
	return len(c.AllowedUsernames) > 0
}

// UsernameAllowed reports whether username is on the registration allow-list.
func (c *Config) UsernameAllowed(username string) bool {
	for _, u := range c.AllowedUsernames {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	return false
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
