// Package config loads control-plane configuration: a typed struct with
// defaults, overridden by a config file and then environment variables —
// the same precedence the appliance daemon uses for its own YAML+env
// config, generalized onto viper so the three control-plane binaries share
// one loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds control-plane service configuration.
type Config struct {
	// Relational store
	DatabaseURL string `mapstructure:"database_url"`

	// Object store (opaque key/value contract; see spec.md §2 "B")
	ObjectStoreEndpoint string `mapstructure:"object_store_endpoint"`
	ObjectStoreBucket   string `mapstructure:"object_store_bucket"`

	// Compliance-score cache
	RedisAddr string `mapstructure:"redis_addr"`

	// Crypto service: control-plane Ed25519 signing key
	SigningKeyPath string `mapstructure:"signing_key_path"`

	// HTTP
	HTTPAddr string `mapstructure:"http_addr"`

	// Order defaults
	DefaultOrderTTL time.Duration `mapstructure:"default_order_ttl"`

	// OpenTimestamps
	OTSEnabled       bool          `mapstructure:"ots_enabled"`
	OTSCalendarURLs  []string      `mapstructure:"ots_calendar_urls"`
	OTSSubmitMinAge  time.Duration `mapstructure:"ots_submit_min_age"`

	// Operator alerting
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`

	// Rollout safety defaults
	DefaultFailureThresholdPercent int `mapstructure:"default_failure_threshold_percent"`

	// Background cadences
	OrderExpirySweepInterval     time.Duration `mapstructure:"order_expiry_sweep_interval"`
	TelemetryArchivalInterval    time.Duration `mapstructure:"telemetry_archival_interval"`
	PlatformPatternScanInterval  time.Duration `mapstructure:"platform_pattern_scan_interval"`
	RolloutAdvanceInterval       time.Duration `mapstructure:"rollout_advance_interval"`
	OTSWorkerInterval            time.Duration `mapstructure:"ots_worker_interval"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns a Config with sane defaults, mirroring the appliance
// daemon's DefaultConfig shape.
func Default() Config {
	return Config{
		DatabaseURL:                    "postgres://controlplane@localhost:5432/controlplane?sslmode=disable",
		ObjectStoreEndpoint:            "",
		ObjectStoreBucket:              "evidence",
		RedisAddr:                      "localhost:6379",
		SigningKeyPath:                 "/var/lib/controlplane/keys/signing.key",
		HTTPAddr:                       ":8080",
		DefaultOrderTTL:                1 * time.Hour,
		OTSEnabled:                     false,
		OTSCalendarURLs:                []string{"https://alice.btc.calendar.opentimestamps.org", "https://bob.btc.calendar.opentimestamps.org"},
		OTSSubmitMinAge:                1 * time.Hour,
		SlackWebhookURL:                "",
		DefaultFailureThresholdPercent: 10,
		OrderExpirySweepInterval:       1 * time.Minute,
		TelemetryArchivalInterval:      24 * time.Hour,
		PlatformPatternScanInterval:    15 * time.Minute,
		RolloutAdvanceInterval:         5 * time.Minute,
		OTSWorkerInterval:              10 * time.Minute,
		LogLevel:                       "info",
	}
}

// Load reads configuration from an optional file at path, then environment
// variables prefixed CONTROLPLANE_ (e.g. CONTROLPLANE_DATABASE_URL), layered
// over the defaults. path may be empty to skip file loading.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("database_url", def.DatabaseURL)
	v.SetDefault("object_store_endpoint", def.ObjectStoreEndpoint)
	v.SetDefault("object_store_bucket", def.ObjectStoreBucket)
	v.SetDefault("redis_addr", def.RedisAddr)
	v.SetDefault("signing_key_path", def.SigningKeyPath)
	v.SetDefault("http_addr", def.HTTPAddr)
	v.SetDefault("default_order_ttl", def.DefaultOrderTTL)
	v.SetDefault("ots_enabled", def.OTSEnabled)
	v.SetDefault("ots_calendar_urls", def.OTSCalendarURLs)
	v.SetDefault("ots_submit_min_age", def.OTSSubmitMinAge)
	v.SetDefault("slack_webhook_url", def.SlackWebhookURL)
	v.SetDefault("default_failure_threshold_percent", def.DefaultFailureThresholdPercent)
	v.SetDefault("order_expiry_sweep_interval", def.OrderExpirySweepInterval)
	v.SetDefault("telemetry_archival_interval", def.TelemetryArchivalInterval)
	v.SetDefault("platform_pattern_scan_interval", def.PlatformPatternScanInterval)
	v.SetDefault("rollout_advance_interval", def.RolloutAdvanceInterval)
	v.SetDefault("ots_worker_interval", def.OTSWorkerInterval)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix("controlplane")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}

	return &cfg, nil
}
