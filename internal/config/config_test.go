package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Health.Interval != 5*time.Second {
		t.Errorf("Expected health interval 5s, got %v", cfg.Health.Interval)
	}
	if cfg.Health.CheckTimeout != 200*time.Millisecond {
		t.Errorf("Expected check timeout 200ms, got %v", cfg.Health.CheckTimeout)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("Expected failure threshold 3, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.ResetTimeout != 30*time.Second {
		t.Errorf("Expected reset timeout 30s, got %v", cfg.CircuitBreaker.ResetTimeout)
	}
	if cfg.Resources.WindowSize != 60 || cfg.Resources.SampleInterval != 30*time.Second {
		t.Errorf("Expected 60 samples at 30s, got %d at %v", cfg.Resources.WindowSize, cfg.Resources.SampleInterval)
	}
	if cfg.Scaling.HighThreshold != 80 || cfg.Scaling.LowThreshold != 65 || cfg.Scaling.EmergencyThreshold != 95 {
		t.Errorf("Unexpected thresholds: %+v", cfg.Scaling)
	}
	if cfg.Scaling.Horizon != 5*time.Minute {
		t.Errorf("Expected horizon 5m, got %v", cfg.Scaling.Horizon)
	}
	if cfg.Scaling.SmoothingWeight != 0.7 {
		t.Errorf("Expected smoothing weight 0.7, got %v", cfg.Scaling.SmoothingWeight)
	}
	if cfg.Router.Deadline != 30*time.Second {
		t.Errorf("Expected router deadline 30s, got %v", cfg.Router.Deadline)
	}
	if cfg.DeadLetter.InitialDelay != time.Second || cfg.DeadLetter.MaxDelay != 30*time.Second {
		t.Errorf("Unexpected backoff: %+v", cfg.DeadLetter)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchyard.yaml")

	content := `
global:
  log_level: DEBUG
health:
  interval: 2s
  check_timeout: 100ms
scaling:
  high_threshold: 85
adapters:
  degradation_order: [digest, sms]
  essential: [chat]
  settings:
    sms:
      endpoint: https://sms.example
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %s, want DEBUG", cfg.Global.LogLevel)
	}
	if cfg.Health.Interval != 2*time.Second {
		t.Errorf("Interval = %v, want 2s", cfg.Health.Interval)
	}
	if cfg.Health.CheckTimeout != 100*time.Millisecond {
		t.Errorf("CheckTimeout = %v, want 100ms", cfg.Health.CheckTimeout)
	}
	if cfg.Scaling.HighThreshold != 85 {
		t.Errorf("HighThreshold = %v, want 85", cfg.Scaling.HighThreshold)
	}
	// untouched fields keep their defaults
	if cfg.Scaling.LowThreshold != 65 {
		t.Errorf("LowThreshold = %v, want 65", cfg.Scaling.LowThreshold)
	}
	if got := cfg.Adapters.Settings["sms"]["endpoint"]; got != "https://sms.example" {
		t.Errorf("sms endpoint = %q", got)
	}
	if len(cfg.Adapters.DegradationOrder) != 2 || cfg.Adapters.DegradationOrder[0] != "digest" {
		t.Errorf("DegradationOrder = %v", cfg.Adapters.DegradationOrder)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SWITCHYARD_LOG_LEVEL", "warn")
	t.Setenv("SWITCHYARD_HEALTH_INTERVAL", "7s")
	t.Setenv("SWITCHYARD_DLQ_MAX_ATTEMPTS", "0")
	t.Setenv("SWITCHYARD_API_ADDRESS", ":9090")
	t.Setenv("SWITCHYARD_ARCHIVE_BUCKET", "dlq-archive")
	t.Setenv("SWITCHYARD_SCALING_ENABLED", "false")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("LogLevel = %s, want WARN", cfg.Global.LogLevel)
	}
	if cfg.Health.Interval != 7*time.Second {
		t.Errorf("Interval = %v, want 7s", cfg.Health.Interval)
	}
	if cfg.DeadLetter.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want 0", cfg.DeadLetter.MaxAttempts)
	}
	if !cfg.API.Enabled || cfg.API.Address != ":9090" {
		t.Errorf("API = %+v", cfg.API)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Bucket != "dlq-archive" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
	if cfg.Scaling.Enabled {
		t.Error("Scaling should be disabled")
	}
}

func TestLoadFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("SWITCHYARD_HEALTH_INTERVAL", "soon")

	if err := NewDefault().LoadFromEnv(); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Configuration)
		wantField string
	}{
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }, "global.log_level"},
		{"zero threshold", func(c *Configuration) { c.CircuitBreaker.FailureThreshold = 0 }, "circuit_breaker.failure_threshold"},
		{"zero interval", func(c *Configuration) { c.Health.Interval = 0 }, "health.interval"},
		{"inverted thresholds", func(c *Configuration) { c.Scaling.LowThreshold = 90 }, "scaling"},
		{"timeout longer than interval", func(c *Configuration) { c.Health.CheckTimeout = 10 * time.Second }, "health.check_timeout"},
		{"archive without bucket", func(c *Configuration) { c.Archive.Enabled = true }, "archive.bucket"},
		{"essential in degradation order", func(c *Configuration) {
			c.Adapters.Essential = []string{"chat"}
			c.Adapters.DegradationOrder = []string{"chat"}
		}, "adapters.degradation_order"},
		{"duplicate in degradation order", func(c *Configuration) {
			c.Adapters.DegradationOrder = []string{"sms", "sms"}
		}, "adapters.degradation_order"},
		{"initial delay above max", func(c *Configuration) { c.DeadLetter.InitialDelay = time.Minute }, "dead_letter.initial_delay"},
		{"unknown shed metric", func(c *Configuration) { c.Scaling.ShedMetrics = []string{"cpu", "gpu"} }, "scaling.shed_metrics[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}

			var verrs *ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected *ValidationErrors, got %T", err)
			}

			found := false
			for _, e := range verrs.Errors {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("no error for field %q in %v", tt.wantField, err)
			}
		})
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.yaml")

	cfg := NewDefault()
	cfg.Adapters.DegradationOrder = []string{"digest"}
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "degradation_order") {
		t.Errorf("saved file missing degradation_order:\n%s", data)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Health.Interval != cfg.Health.Interval {
		t.Errorf("Interval = %v, want %v", loaded.Health.Interval, cfg.Health.Interval)
	}
}
