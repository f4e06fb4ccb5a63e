package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Kite          Kite          `mapstructure:"kite"`
	Database      Database      `mapstructure:"database"`
	Redis         Redis         `mapstructure:"redis"`
	Security      Security      `mapstructure:"security"`
	Polling       Polling       `mapstructure:"polling"`
	StatusRefresh StatusRefresh `mapstructure:"status_refresh"`
	Logger        Logger        `mapstructure:"logger"`
	Server        Server        `mapstructure:"server"`
	Worker        Worker        `mapstructure:"worker"`
}

// Kite holds the configuration for the Kite Connect API.
type Kite struct {
	ApiKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Exchange       string        `mapstructure:"exchange"`
	Product        string        `mapstructure:"product"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Redis holds the pub/sub connection settings.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Security holds the key used to seal stored broker access tokens.
type Security struct {
	CredentialKey string `mapstructure:"credential_key"`
}

// Polling holds the configuration for the leader trade polling scheduler.
type Polling struct {
	Interval       time.Duration `mapstructure:"interval"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// StatusRefresh configures the open trade status refresher.
type StatusRefresh struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the user facing API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Worker holds the configuration for the background worker's status server.
type Worker struct {
	StatusPort int `mapstructure:"status_port"`
}

var defaults = map[string]any{
	"kite.api_key":              "",
	"kite.base_url":             "https://api.kite.trade",
	"kite.exchange":             "NSE",
	"kite.product":              "CNC",
	"kite.rate_limit":           10, // requests per second
	"kite.rate_limit_burst":     5,
	"kite.timeout":              "10s",
	"kite.max_retries":          3,
	"database.dsn":              "mirror.db",
	"redis.addr":                "localhost:6379",
	"redis.password":            "",
	"redis.db":                  0,
	"security.credential_key":   "",
	"polling.interval":          "30s",
	"polling.job_timeout":       "20s",
	"polling.max_attempts":      3,
	"polling.retry_delay":       "5s",
	"polling.max_concurrency":   8,
	"status_refresh.interval":   "1m",
	"status_refresh.batch_size": 100,
	"status_refresh.max_age":    "24h",
	"logger.level":              "info",
	"logger.format":             "json",
	"server.port":               8000,
	"worker.status_port":        8081,
}

// LoadConfig reads configuration from file or environment variables.
// A .env file next to the config directory is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	if err = godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Every key needs a default so that env-only overrides are picked up by Unmarshal.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}
	return config, nil
}
