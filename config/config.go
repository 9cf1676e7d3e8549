// Package config loads Sentinel's runtime configuration from compiled-in
// defaults, an optional TOML file, and SENTINEL_* environment variables,
// in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ProtectionLevel is the global graduated-response posture.
type ProtectionLevel string

const (
	Monitor     ProtectionLevel = "monitor"
	JSChallenge ProtectionLevel = "js_challenge"
	RateLimit   ProtectionLevel = "rate_limit"
	Block       ProtectionLevel = "block"
	Blackhole   ProtectionLevel = "blackhole"
)

// Config is the application-wide, explicitly-passed settings object.
// Nothing in this codebase reads configuration through a package-level
// global; every component that needs it receives a *Config (or the
// specific fields it needs) at construction time.
type Config struct {
	AppName  string `toml:"app_name"`
	Debug    bool   `toml:"debug"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	LogLevel string `toml:"log_level"`

	TargetURL     string        `toml:"target_url"`
	ProxyTimeout  time.Duration `toml:"-"`
	ProxyTimeoutS float64       `toml:"proxy_timeout"`

	RedisURL    string `toml:"redis_url"`
	DatabaseURL string `toml:"database_url"`

	ProtectionLevel ProtectionLevel `toml:"protection_level"`
	UnderAttackMode bool            `toml:"under_attack_mode"`

	RateLimitPerIP     int64 `toml:"rate_limit_per_ip"`
	RateLimitPerSubnet int64 `toml:"rate_limit_per_subnet"`
	RateLimitGlobal    int64 `toml:"rate_limit_global"`

	BaselineLearningHours int     `toml:"baseline_learning_hours"`
	AnomalyThreshold      float64 `toml:"anomaly_threshold"`

	GeoIPDBPath string `toml:"geoip_db_path"`

	TelegramBotToken string `toml:"telegram_bot_token"`
	TelegramChatID   string `toml:"telegram_chat_id"`
	WebhookURL       string `toml:"webhook_url"`

	RulesDir string `toml:"rules_dir"`

	DashboardEnabled  bool   `toml:"dashboard_enabled"`
	DashboardUsername string `toml:"dashboard_username"`
	DashboardPassword string `toml:"dashboard_password"`
	JWTSecret         string `toml:"jwt_secret"`
}

// Default returns the compiled-in defaults, matching the original
// application's out-of-the-box settings.
func Default() *Config {
	return &Config{
		AppName:               "Sentinel DDoS",
		Debug:                 false,
		Host:                  "0.0.0.0",
		Port:                  8000,
		LogLevel:              "info",
		TargetURL:             "http://localhost:3000",
		ProxyTimeout:          30 * time.Second,
		RedisURL:              "redis://localhost:6379/0",
		DatabaseURL:           "sentinel.db",
		ProtectionLevel:       Monitor,
		UnderAttackMode:       false,
		RateLimitPerIP:        100,
		RateLimitPerSubnet:    1000,
		RateLimitGlobal:       10000,
		BaselineLearningHours: 24,
		AnomalyThreshold:      0.75,
		RulesDir:              "rules/",
		DashboardEnabled:      true,
		DashboardUsername:     "admin",
		DashboardPassword:     "sentinel",
		JWTSecret:             "change-me-in-production",
	}
}

// Load builds a Config from Default(), then an optional TOML file at path
// (skipped silently if it doesn't exist; a malformed file is an error),
// then SENTINEL_* environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			if cfg.ProxyTimeoutS > 0 {
				cfg.ProxyTimeout = time.Duration(cfg.ProxyTimeoutS * float64(time.Second))
			}
		}
	}

	applyEnv(cfg)

	if !validLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("config: log_level must be one of debug/info/warning/error/critical, got %q", cfg.LogLevel)
	}
	return cfg, nil
}

func validLogLevel(v string) bool {
	switch v {
	case "debug", "info", "warning", "error", "critical":
		return true
	}
	return false
}

func applyEnv(cfg *Config) {
	str(&cfg.AppName, "SENTINEL_APP_NAME")
	boolv(&cfg.Debug, "SENTINEL_DEBUG")
	str(&cfg.Host, "SENTINEL_HOST")
	intv(&cfg.Port, "SENTINEL_PORT")
	str(&cfg.LogLevel, "SENTINEL_LOG_LEVEL")

	str(&cfg.TargetURL, "SENTINEL_TARGET_URL")
	durationSeconds(&cfg.ProxyTimeout, "SENTINEL_PROXY_TIMEOUT")

	str(&cfg.RedisURL, "SENTINEL_REDIS_URL")
	str(&cfg.DatabaseURL, "SENTINEL_DATABASE_URL")

	if v, ok := os.LookupEnv("SENTINEL_PROTECTION_LEVEL"); ok {
		cfg.ProtectionLevel = ProtectionLevel(v)
	}
	boolv(&cfg.UnderAttackMode, "SENTINEL_UNDER_ATTACK_MODE")

	int64v(&cfg.RateLimitPerIP, "SENTINEL_RATE_LIMIT_PER_IP")
	int64v(&cfg.RateLimitPerSubnet, "SENTINEL_RATE_LIMIT_PER_SUBNET")
	int64v(&cfg.RateLimitGlobal, "SENTINEL_RATE_LIMIT_GLOBAL")

	intv(&cfg.BaselineLearningHours, "SENTINEL_BASELINE_LEARNING_HOURS")
	floatv(&cfg.AnomalyThreshold, "SENTINEL_ANOMALY_THRESHOLD")

	str(&cfg.GeoIPDBPath, "SENTINEL_GEOIP_DB_PATH")

	str(&cfg.TelegramBotToken, "SENTINEL_TELEGRAM_BOT_TOKEN")
	str(&cfg.TelegramChatID, "SENTINEL_TELEGRAM_CHAT_ID")
	str(&cfg.WebhookURL, "SENTINEL_WEBHOOK_URL")

	str(&cfg.RulesDir, "SENTINEL_RULES_DIR")

	boolv(&cfg.DashboardEnabled, "SENTINEL_DASHBOARD_ENABLED")
	str(&cfg.DashboardUsername, "SENTINEL_DASHBOARD_USERNAME")
	str(&cfg.DashboardPassword, "SENTINEL_DASHBOARD_PASSWORD")
	str(&cfg.JWTSecret, "SENTINEL_JWT_SECRET")
}

func str(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func boolv(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intv(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64v(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func floatv(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func durationSeconds(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
