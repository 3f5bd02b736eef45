// Package config holds all configuration types and loading logic for rasel.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a rasel server instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderConfig  `yaml:"provider"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	Workers   WorkerConfig    `yaml:"workers"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Campaign  CampaignConfig  `yaml:"campaign"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds identity and network settings for this instance.
type ServerConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// ProviderConfig holds the WhatsApp Cloud API connection settings.
type ProviderConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIVersion    string `yaml:"api_version"`
	PhoneNumberID string `yaml:"phone_number_id"`
	BusinessID    string `yaml:"business_id"`
	AccessToken   string `yaml:"access_token"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	// DefaultCountryCode is applied when normalizing local phone numbers.
	DefaultCountryCode string `yaml:"default_country_code"`
}

// RateLimitConfig controls the outbound provider rate limiter.
type RateLimitConfig struct {
	// GlobalPerSecond is the token bucket refill rate shared by every category.
	GlobalPerSecond float64 `yaml:"global_per_second"`
	GlobalBurst     int     `yaml:"global_burst"`
	// Per-category sliding-window caps, requests per window.
	MessagingPerMinute     int `yaml:"messaging_per_minute"`
	MediaUploadPerMinute   int `yaml:"media_upload_per_minute"`
	TemplateSyncPerHour    int `yaml:"template_sync_per_hour"`
	WebhookPerMinute       int `yaml:"webhook_per_minute"`
	AcquireTimeoutMs       int `yaml:"acquire_timeout_ms"`
	BackoffMaxSeconds      int `yaml:"backoff_max_seconds"`
	BackoffMultiplierX1000 int `yaml:"backoff_multiplier_x1000"`
}

// QueueConfig sets limits that apply to the in-process send queue.
type QueueConfig struct {
	MaxDepth   int `yaml:"max_depth"`
	MaxRetries int `yaml:"max_retries"`
	// RetryScanIntervalMs is how often the retry scheduler scans the store.
	RetryScanIntervalMs int `yaml:"retry_scan_interval_ms"`
	RetryScanBatchSize  int `yaml:"retry_scan_batch_size"`
}

// WorkerConfig controls the send worker pool.
type WorkerConfig struct {
	Count       int `yaml:"count"`
	IdleSleepMs int `yaml:"idle_sleep_ms"`
	// DepthWarnThreshold flips the health check to "warning" when the
	// queue backlog exceeds it.
	DepthWarnThreshold int `yaml:"depth_warn_threshold"`
}

// WebhookConfig controls inbound provider callback handling.
type WebhookConfig struct {
	// AppSecret signs callback bodies (X-Hub-Signature-256).
	AppSecret   string `yaml:"app_secret"`
	VerifyToken string `yaml:"verify_token"`
	// DedupWindow is how long processed event IDs are remembered.
	DedupWindowMs int `yaml:"dedup_window_ms"`
	DedupMaxSize  int `yaml:"dedup_max_size"`
}

// CampaignConfig bounds bulk-send execution.
type CampaignConfig struct {
	MaxPerMinute    int `yaml:"max_per_minute"`
	DefaultBatch    int `yaml:"default_batch"`
	BatchIntervalMs int `yaml:"batch_interval_ms"`
}

// AuthConfig controls API key authentication on the HTTP surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Provider: ProviderConfig{
			BaseURL:            "https://graph.facebook.com",
			APIVersion:         "v18.0",
			TimeoutMs:          30_000,
			DefaultCountryCode: "966",
		},
		RateLimit: RateLimitConfig{
			GlobalPerSecond:        20,
			GlobalBurst:            40,
			MessagingPerMinute:     600,
			MediaUploadPerMinute:   60,
			TemplateSyncPerHour:    30,
			WebhookPerMinute:       1_200,
			AcquireTimeoutMs:       10_000,
			BackoffMaxSeconds:      300,
			BackoffMultiplierX1000: 1_500,
		},
		Queue: QueueConfig{
			MaxDepth:            100_000,
			MaxRetries:          3,
			RetryScanIntervalMs: 60_000,
			RetryScanBatchSize:  100,
		},
		Workers: WorkerConfig{
			Count:              3,
			IdleSleepMs:        1_000,
			DepthWarnThreshold: 5_000,
		},
		Webhook: WebhookConfig{
			DedupWindowMs: 900_000,
			DedupMaxSize:  10_000,
		},
		Campaign: CampaignConfig{
			MaxPerMinute:    80,
			DefaultBatch:    10,
			BatchIntervalMs: 10_000,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run rasel with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	RASEL_ACCESS_TOKEN    — sets provider.access_token
//	RASEL_APP_SECRET      — sets webhook.app_secret
//	RASEL_VERIFY_TOKEN    — sets webhook.verify_token
//	RASEL_API_KEY         — sets auth.api_key and enables auth
//	RASEL_DATA_DIR        — sets server.data_dir
//	RASEL_PORT            — sets server.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RASEL_ACCESS_TOKEN"); v != "" {
		cfg.Provider.AccessToken = v
	}
	if v := os.Getenv("RASEL_APP_SECRET"); v != "" {
		cfg.Webhook.AppSecret = v
	}
	if v := os.Getenv("RASEL_VERIFY_TOKEN"); v != "" {
		cfg.Webhook.VerifyToken = v
	}
	if v := os.Getenv("RASEL_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("RASEL_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("RASEL_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must not be empty")
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url must not be empty")
	}
	if c.Provider.TimeoutMs < 1 {
		return errors.New("provider.timeout_ms must be at least 1")
	}
	if c.RateLimit.GlobalPerSecond <= 0 {
		return errors.New("rate_limit.global_per_second must be positive")
	}
	if c.RateLimit.GlobalBurst < 1 {
		return errors.New("rate_limit.global_burst must be at least 1")
	}
	if c.RateLimit.BackoffMultiplierX1000 < 1_000 {
		return errors.New("rate_limit.backoff_multiplier_x1000 must be at least 1000")
	}
	if c.Queue.MaxDepth < 1 {
		return errors.New("queue.max_depth must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must be >= 0")
	}
	if c.Queue.RetryScanBatchSize < 1 {
		return errors.New("queue.retry_scan_batch_size must be at least 1")
	}
	if c.Workers.Count < 1 {
		return errors.New("workers.count must be at least 1")
	}
	if c.Webhook.DedupMaxSize < 1 {
		return errors.New("webhook.dedup_max_size must be at least 1")
	}
	if c.Campaign.MaxPerMinute < 1 || c.Campaign.MaxPerMinute > 80 {
		return errors.New("campaign.max_per_minute must be between 1 and 80")
	}
	if c.Campaign.DefaultBatch < 1 {
		return errors.New("campaign.default_batch must be at least 1")
	}
	return nil
}
