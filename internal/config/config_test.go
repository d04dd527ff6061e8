package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("expected default store timeout 5s, got %s", cfg.StoreTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("STORE_TIMEOUT", "2s")
	t.Setenv("NOTIFY_QUEUE_SIZE", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("expected port 9999, got %s", cfg.Port)
	}
	if cfg.StoreTimeout != 2*time.Second {
		t.Errorf("expected store timeout 2s, got %s", cfg.StoreTimeout)
	}
	if cfg.NotifyQueueSize != 50 {
		t.Errorf("expected queue size 50, got %d", cfg.NotifyQueueSize)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("STORE_TIMEOUT", "not-a-duration")
	t.Setenv("NOTIFY_QUEUE_SIZE", "zero")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("expected fallback 5s, got %s", cfg.StoreTimeout)
	}
	if cfg.NotifyQueueSize != 1000 {
		t.Errorf("expected fallback 1000, got %d", cfg.NotifyQueueSize)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Port: "", StoreTimeout: time.Second, CancelTokenTTL: time.Minute, NotifyQueueSize: 10}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty port")
	}
}

func TestIsDevelopment(t *testing.T) {
	dev := &Config{FrontendURL: "http://localhost:5173"}
	if !dev.IsDevelopment() {
		t.Error("localhost frontend should be development")
	}
	prod := &Config{FrontendURL: "https://app.example.com"}
	if prod.IsDevelopment() {
		t.Error("public frontend should not be development")
	}
}
