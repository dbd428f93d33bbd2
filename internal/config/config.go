// Package config loads the adpilot configuration: a YAML file with
// environment variable overrides, plus the static experiment catalog that
// defines every A/B test at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fourpillars/adpilot/internal/adserve"
	"github.com/fourpillars/adpilot/internal/experiment"
)

// Config is the full service configuration.
type Config struct {
	Port   int    `yaml:"port" env:"ADPILOT_PORT"`
	DBPath string `yaml:"db_path" env:"ADPILOT_DB_PATH"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" env:"ADPILOT_LOG_LEVEL"`

	// RedisAddr switches session persistence from the embedded kv table to
	// Redis when set.
	RedisAddr     string `yaml:"redis_addr" env:"ADPILOT_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"ADPILOT_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"ADPILOT_REDIS_DB"`

	// AdClientID is the ad network publisher id injected into tag loads.
	AdClientID string `yaml:"ad_client_id" env:"ADPILOT_AD_CLIENT_ID"`

	// SajuAPIBase is the external calculation service.
	SajuAPIBase string `yaml:"saju_api_base" env:"ADPILOT_SAJU_API_BASE"`

	// CookieName and CookieDays shape the experiment-assignment cookie.
	CookieName string `yaml:"cookie_name" env:"ADPILOT_COOKIE_NAME"`
	CookieDays int    `yaml:"cookie_days" env:"ADPILOT_COOKIE_DAYS"`

	// ExportToken protects the export endpoint; generated when empty.
	ExportToken string `yaml:"export_token" env:"ADPILOT_EXPORT_TOKEN"`

	Ads adserve.Config `yaml:"ads"`

	// Experiments is the static catalog; experiments are never created by
	// end users at runtime.
	Experiments []*experiment.Experiment `yaml:"experiments"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Port:        8080,
		DBPath:      "./adpilot.db",
		LogLevel:    "info",
		AdClientID:  "ca-pub-0000000000000000",
		SajuAPIBase: "https://saju-app.vercel.app",
		CookieName:  "ab_experiments",
		CookieDays:  30,
		Ads:         adserve.DefaultConfig(),
	}
}

// Load reads path (optional), then layers .env and environment overrides.
// A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	// .env files are best-effort; only real read errors matter.
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	for _, exp := range cfg.Experiments {
		if err := exp.Validate(); err != nil {
			return nil, fmt.Errorf("invalid experiment catalog: %w", err)
		}
	}

	return cfg, nil
}

// AssignmentTTL converts CookieDays to a duration.
func (c *Config) AssignmentTTL() time.Duration {
	days := c.CookieDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ADPILOT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("ADPILOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ADPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ADPILOT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("ADPILOT_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("ADPILOT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("ADPILOT_AD_CLIENT_ID"); v != "" {
		cfg.AdClientID = v
	}
	if v := os.Getenv("ADPILOT_SAJU_API_BASE"); v != "" {
		cfg.SajuAPIBase = v
	}
	if v := os.Getenv("ADPILOT_COOKIE_NAME"); v != "" {
		cfg.CookieName = v
	}
	if v := os.Getenv("ADPILOT_COOKIE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CookieDays = n
		}
	}
	if v := os.Getenv("ADPILOT_EXPORT_TOKEN"); v != "" {
		cfg.ExportToken = v
	}
}
