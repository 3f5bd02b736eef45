package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/saharalabs/rasel/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Provider.BaseURL != "https://graph.facebook.com" {
		t.Errorf("unexpected default base_url %s", cfg.Provider.BaseURL)
	}
	if cfg.Provider.DefaultCountryCode != "966" {
		t.Errorf("expected default country 966, got %s", cfg.Provider.DefaultCountryCode)
	}
	if cfg.RateLimit.MessagingPerMinute != 600 {
		t.Errorf("expected 600 messaging/min, got %d", cfg.RateLimit.MessagingPerMinute)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("expected 3 max retries, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Campaign.MaxPerMinute != 80 {
		t.Errorf("expected campaign cap 80/min, got %d", cfg.Campaign.MaxPerMinute)
	}
	if cfg.Auth.Enabled {
		t.Error("auth must be disabled by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("/tmp/rasel_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
server:
  port: 9999
  host: "127.0.0.1"
  data_dir: "/tmp/rasel_test"
provider:
  phone_number_id: "12345"
  default_country_code: "971"
queue:
  max_retries: 5
campaign:
  max_per_minute: 40
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Provider.DefaultCountryCode != "971" {
		t.Errorf("expected country 971, got %s", cfg.Provider.DefaultCountryCode)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Campaign.MaxPerMinute != 40 {
		t.Errorf("expected campaign cap 40, got %d", cfg.Campaign.MaxPerMinute)
	}
	// Unset fields keep their defaults.
	if cfg.RateLimit.GlobalPerSecond != 20 {
		t.Errorf("expected default global rate 20 (unchanged), got %v", cfg.RateLimit.GlobalPerSecond)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "server: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RASEL_ACCESS_TOKEN", "env-token")
	t.Setenv("RASEL_API_KEY", "env-key")
	t.Setenv("RASEL_PORT", "7070")

	cfg, err := config.Load("/tmp/rasel_nonexistent_config_12345.yaml")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Provider.AccessToken != "env-token" {
		t.Errorf("access token not applied from env")
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "env-key" {
		t.Errorf("RASEL_API_KEY should set the key and enable auth")
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070 from env, got %d", cfg.Server.Port)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 0")
	}

	cfg.Server.Port = 99999
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 99999")
	}
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Server.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty data_dir")
	}
}

func TestValidate_CampaignCap(t *testing.T) {
	cfg := config.Default()
	cfg.Campaign.MaxPerMinute = 81 // provider safety ceiling is 80
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for campaign cap above 80")
	}
	cfg.Campaign.MaxPerMinute = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for campaign cap 0")
	}
}

func TestValidate_NegativeMaxRetries(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.MaxRetries = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for negative max_retries")
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
