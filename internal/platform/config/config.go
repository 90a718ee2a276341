// Package config builds the viper instance every service reads its settings from.
// Keys are lower_snake and map 1:1 onto upper-case environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/example/streamgate/internal/platform/fetch"
)

type HTTPConfig struct {
	Addr string
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	LogFile     string
	HTTP        HTTPConfig
}

// New returns a viper instance bound to the environment. A local .env file is loaded
// first when present, and CONFIG_FILE (yaml, toml or json) is read when set.
func New() (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("http_addr", ":8080")

	if file := strings.TrimSpace(os.Getenv("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load extracts the settings shared by every service.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: strings.TrimSpace(v.GetString("service_name")),
		LogLevel:    strings.TrimSpace(v.GetString("log_level")),
		LogFile:     strings.TrimSpace(v.GetString("log_file")),
		HTTP: HTTPConfig{
			Addr: strings.TrimSpace(v.GetString("http_addr")),
		},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// Duration reads key as a Go duration, accepting bare integers as seconds.
func Duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if n := v.GetInt(key); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

// PositiveInt reads key as an int, falling back to def for missing or non-positive values.
func PositiveInt(v *viper.Viper, key string, def int) int {
	if strings.TrimSpace(v.GetString(key)) == "" {
		return def
	}
	n := v.GetInt(key)
	if n <= 0 {
		return def
	}
	return n
}

// Upstream reads the UPSTREAM_* keys shared by every service that talks to origins.
func Upstream(v *viper.Viper) fetch.Config {
	return fetch.Config{
		UserAgent:      strings.TrimSpace(v.GetString("upstream_user_agent")),
		Timeout:        Duration(v, "upstream_timeout", fetch.DefaultTimeout),
		MaxAttempts:    PositiveInt(v, "upstream_max_attempts", fetch.DefaultMaxAttempts),
		RetryBaseDelay: Duration(v, "upstream_retry_base_delay", fetch.DefaultRetryBaseDelay),
		HostRPS:        v.GetFloat64("upstream_host_rps"),
		TLSFingerprint: v.GetBool("upstream_tls_fingerprint"),
	}
}
