// Package config loads runtime configuration from the environment plus an
// optional YAML file for the default lobby settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/storyfold/storyfold/internal/models"
)

// DB holds Postgres connection settings.
type DB struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Config is the full server configuration.
type Config struct {
	DB       DB
	NATSURL  string
	Port     string
	LogLevel string

	InactiveAfter   time.Duration
	DisconnectGrace time.Duration

	DefaultSettings models.LobbySettings
}

// settingsFile mirrors the defaults.yaml layout.
type settingsFile struct {
	MaxPlayers       int    `yaml:"max_players"`
	RoundDurationSec int    `yaml:"round_duration_sec"`
	TimerMode        string `yaml:"timer_mode"`
	TextCap          int    `yaml:"text_cap"`
	DrawingCap       int    `yaml:"drawing_cap"`
}

// Load reads the environment (with defaults) and, when SETTINGS_FILE points
// at a readable YAML file, the default lobby settings from it.
func Load() (Config, error) {
	cfg := Config{
		DB: DB{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Database: getEnv("DB_NAME", "storyfold"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		NATSURL:         getEnv("NATS_URL", nats.DefaultURL),
		Port:            getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		InactiveAfter:   getEnvAsDuration("INACTIVE_AFTER", 5*time.Minute),
		DisconnectGrace: getEnvAsDuration("DISCONNECT_GRACE", 10*time.Second),
		DefaultSettings: models.LobbySettings{
			MaxPlayers:       0,
			RoundDurationSec: 120,
			TimerMode:        models.TimerModeNormal,
			TextCap:          1000,
			DrawingCap:       50000,
		},
	}

	path := getEnv("SETTINGS_FILE", "defaults.yaml")
	if data, err := os.ReadFile(path); err == nil {
		var sf settingsFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.DefaultSettings = models.LobbySettings{
			MaxPlayers:       sf.MaxPlayers,
			RoundDurationSec: sf.RoundDurationSec,
			TimerMode:        models.TimerMode(sf.TimerMode),
			TextCap:          sf.TextCap,
			DrawingCap:       sf.DrawingCap,
		}
	}
	return cfg, nil
}

// DSN returns the Postgres connection URL.
func (d DB) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
