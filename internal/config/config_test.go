package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultHasRequiredDatabaseURL(t *testing.T) {
	d := Default()
	if d.DatabaseURL == "" {
		t.Fatal("expected Default() to set a non-empty database_url")
	}
}

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != Default().HTTPAddr {
		t.Fatalf("got %q, want %q", cfg.HTTPAddr, Default().HTTPAddr)
	}
	if cfg.OrderExpirySweepInterval != 1*time.Minute {
		t.Fatalf("got %v, want 1m", cfg.OrderExpirySweepInterval)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	os.Setenv("CONTROLPLANE_HTTP_ADDR", ":9999")
	defer os.Unsetenv("CONTROLPLANE_HTTP_ADDR")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("got %q, want %q", cfg.HTTPAddr, ":9999")
	}
}

func TestLoadRejectsEmptyDatabaseURL(t *testing.T) {
	os.Setenv("CONTROLPLANE_DATABASE_URL", "")
	defer os.Unsetenv("CONTROLPLANE_DATABASE_URL")

	if _, err := Load(""); err == nil {
		t.Fatal("expected an empty database_url to be rejected")
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
