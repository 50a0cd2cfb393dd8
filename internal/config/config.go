// Package config resolves runtime configuration: an optional YAML file
// establishes the base and environment variables override it, so container
// deployments can run from env alone.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Workers  WorkersConfig  `yaml:"workers"`
}

type ServerConfig struct {
	Port        string   `yaml:"port"`
	Env         string   `yaml:"env"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogLevel    string   `yaml:"log_level"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type JWTConfig struct {
	Secret             string        `yaml:"secret"`
	Algorithm          string        `yaml:"algorithm"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

type WebhooksConfig struct {
	Secret string `yaml:"secret"`
	// ProviderURLs maps country code to the banking provider callback
	// endpoint for outbound notifications.
	ProviderURLs map[string]string `yaml:"provider_urls"`
}

type WorkersConfig struct {
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	RetentionDays    int           `yaml:"retention_days"`
	RiskPollInterval time.Duration `yaml:"risk_poll_interval"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load builds the effective config: defaults, then the YAML file at path
// when it exists, then environment variables on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
		if err == nil {
			merge(cfg, fileCfg)
		}
	}

	applyEnv(cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Env:         "development",
			CORSOrigins: []string{"*"},
			LogLevel:    "info",
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		JWT: JWTConfig{
			Algorithm:          "HS256",
			AccessTokenExpiry:  30 * time.Minute,
			RefreshTokenExpiry: 7 * 24 * time.Hour,
		},
		Webhooks: WebhooksConfig{ProviderURLs: map[string]string{}},
		Workers: WorkersConfig{
			LockTimeout:      5 * time.Minute,
			RetentionDays:    30,
			RiskPollInterval: time.Second,
		},
	}
}

func merge(dst, src *Config) {
	if src.Server.Port != "" {
		dst.Server.Port = src.Server.Port
	}
	if src.Server.Env != "" {
		dst.Server.Env = src.Server.Env
	}
	if len(src.Server.CORSOrigins) > 0 {
		dst.Server.CORSOrigins = src.Server.CORSOrigins
	}
	if src.Server.LogLevel != "" {
		dst.Server.LogLevel = src.Server.LogLevel
	}
	if src.Database.URL != "" {
		dst.Database.URL = src.Database.URL
	}
	if src.Redis.URL != "" {
		dst.Redis.URL = src.Redis.URL
	}
	if src.JWT.Secret != "" {
		dst.JWT.Secret = src.JWT.Secret
	}
	if src.JWT.Algorithm != "" {
		dst.JWT.Algorithm = src.JWT.Algorithm
	}
	if src.JWT.AccessTokenExpiry != 0 {
		dst.JWT.AccessTokenExpiry = src.JWT.AccessTokenExpiry
	}
	if src.JWT.RefreshTokenExpiry != 0 {
		dst.JWT.RefreshTokenExpiry = src.JWT.RefreshTokenExpiry
	}
	if src.Webhooks.Secret != "" {
		dst.Webhooks.Secret = src.Webhooks.Secret
	}
	for cc, url := range src.Webhooks.ProviderURLs {
		dst.Webhooks.ProviderURLs[cc] = url
	}
	if src.Workers.LockTimeout != 0 {
		dst.Workers.LockTimeout = src.Workers.LockTimeout
	}
	if src.Workers.RetentionDays != 0 {
		dst.Workers.RetentionDays = src.Workers.RetentionDays
	}
	if src.Workers.RiskPollInterval != 0 {
		dst.Workers.RiskPollInterval = src.Workers.RiskPollInterval
	}
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Env, "APP_ENV")
	setStr(&cfg.Server.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.JWT.Secret, "JWT_SECRET")
	setStr(&cfg.JWT.Algorithm, "JWT_ALGORITHM")
	setStr(&cfg.Webhooks.Secret, "WEBHOOK_SECRET")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.Server.CORSOrigins = parts
	}
	if v := os.Getenv("JWT_ACCESS_TOKEN_EXPIRE_MINUTES"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil {
			cfg.JWT.AccessTokenExpiry = time.Duration(mins) * time.Minute
		}
	}
	if v := os.Getenv("JWT_REFRESH_TOKEN_EXPIRE_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.JWT.RefreshTokenExpiry = time.Duration(days) * 24 * time.Hour
		}
	}
	if v := os.Getenv("JOB_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Workers.RetentionDays = days
		}
	}

	// Per-country provider endpoints, e.g. BANKING_PROVIDER_ES_URL.
	for _, cc := range []string{"ES", "MX", "CO", "BR"} {
		if v := os.Getenv("BANKING_PROVIDER_" + cc + "_URL"); v != "" {
			cfg.Webhooks.ProviderURLs[cc] = v
		}
	}
}
