// Package config loads settings for the example programs from the
// environment, after reading an optional .env file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	Host     string
	Port     uint16
	LogLevel slog.Level
}

// Load reads MSGNET_HOST, MSGNET_PORT and MSGNET_LOG_LEVEL.
// A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:     getEnv("MSGNET_HOST", "127.0.0.1"),
		Port:     8080,
		LogLevel: slog.LevelInfo,
	}

	if v := os.Getenv("MSGNET_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid MSGNET_PORT %q", v)
		}
		cfg.Port = uint16(port)
	}

	if v := os.Getenv("MSGNET_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			return nil, errors.Wrapf(err, "invalid MSGNET_LOG_LEVEL %q", v)
		}
	}

	return cfg, nil
}

// Logger returns a JSON logger on stderr at the configured level.
func (c *Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: c.LogLevel,
	}))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
