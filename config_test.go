package tracemachine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config valid, got %v", err)
	}
	if cfg.HealthyTimeout != 500*time.Millisecond || cfg.UnhealthyTimeout != 60*time.Second {
		t.Errorf("Unexpected default timeouts %v / %v", cfg.HealthyTimeout, cfg.UnhealthyTimeout)
	}
	if cfg.MaxSpans != 2000 {
		t.Errorf("Expected 2000 max spans, got %d", cfg.MaxSpans)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracemachine.yaml")
	data := []byte("healthy_timeout: 250ms\nmax_spans: 10\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HealthyTimeout != 250*time.Millisecond {
		t.Errorf("Expected 250ms healthy timeout, got %v", cfg.HealthyTimeout)
	}
	if cfg.MaxSpans != 10 {
		t.Errorf("Expected 10 max spans, got %d", cfg.MaxSpans)
	}
	if cfg.UnhealthyTimeout != DefaultUnhealthyTimeout {
		t.Errorf("Expected unset fields to keep defaults, got %v", cfg.UnhealthyTimeout)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TRACEMACHINE_UNHEALTHY_TIMEOUT", "2m")
	t.Setenv("TRACEMACHINE_QUEUE_SIZE", "64")
	t.Setenv("TRACEMACHINE_ID_POOL_SIZE", "32")
	t.Setenv("TRACEMACHINE_MAX_SPANS", "not-a-number")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.UnhealthyTimeout != 2*time.Minute {
		t.Errorf("Expected 2m unhealthy timeout, got %v", cfg.UnhealthyTimeout)
	}
	if cfg.QueueSize != 64 {
		t.Errorf("Expected queue size 64, got %d", cfg.QueueSize)
	}
	if cfg.IDPoolSize != 32 {
		t.Errorf("Expected id pool size 32, got %d", cfg.IDPoolSize)
	}
	if cfg.MaxSpans != DefaultMaxSpans {
		t.Errorf("Expected unparseable override ignored, got %d", cfg.MaxSpans)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("TRACEMACHINE_HEALTHY_TIMEOUT", "-1s")

	if _, err := LoadConfig(""); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("max_spans: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected parse error")
	}
}
