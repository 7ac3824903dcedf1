package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	if cfg.AIHourlyCap != 100 {
		t.Errorf("expected hourly cap 100, got %d", cfg.AIHourlyCap)
	}
	if cfg.AIMinSources != 2 {
		t.Errorf("expected min sources 2, got %d", cfg.AIMinSources)
	}
	if cfg.AIDecisionCacheTTL != time.Hour {
		t.Errorf("expected cache ttl 1h, got %v", cfg.AIDecisionCacheTTL)
	}
	if cfg.AIEnabled {
		t.Error("expected AI to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AI_ENABLED", "true")
	t.Setenv("AI_HOURLY_CAP", "7")
	t.Setenv("AI_CONFIDENCE_THRESHOLD", "0.55")
	t.Setenv("SENTINEL_CHECK_INTERVAL", "30s")
	t.Setenv("VALIDATOR_REQUIRE_MULTI_SOURCE", "1")

	cfg := config.Load()

	if !cfg.AIEnabled {
		t.Error("expected AI enabled")
	}
	if cfg.AIHourlyCap != 7 {
		t.Errorf("expected cap 7, got %d", cfg.AIHourlyCap)
	}
	if cfg.AIConfidenceThreshold != 0.55 {
		t.Errorf("expected threshold 0.55, got %v", cfg.AIConfidenceThreshold)
	}
	if cfg.SentinelCheckInterval != 30*time.Second {
		t.Errorf("expected 30s interval, got %v", cfg.SentinelCheckInterval)
	}
	if !cfg.RequireMultiSource {
		t.Error("expected multi-source requirement")
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("AI_HOURLY_CAP", "lots")
	t.Setenv("SENTINEL_REQUEST_TIMEOUT", "soon")

	cfg := config.Load()

	if cfg.AIHourlyCap != 100 {
		t.Errorf("expected fallback cap 100, got %d", cfg.AIHourlyCap)
	}
	if cfg.SentinelRequestTimeout != 10*time.Second {
		t.Errorf("expected fallback timeout 10s, got %v", cfg.SentinelRequestTimeout)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"negative cap":        func(c *config.Config) { c.AIHourlyCap = -1 },
		"threshold above one": func(c *config.Config) { c.AIConfidenceThreshold = 1.5 },
		"zero min sources":    func(c *config.Config) { c.AIMinSources = 0 },
		"zero interval":       func(c *config.Config) { c.SentinelCheckInterval = 0 },
		"zero timeout":        func(c *config.Config) { c.SentinelRequestTimeout = 0 },
		"bad port":            func(c *config.Config) { c.Port = 70000 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Load()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAIConfigured(t *testing.T) {
	cfg := config.Load()
	cfg.AIAPIKey = "  "
	if cfg.AIConfigured() {
		t.Error("blank key must count as unconfigured")
	}
	cfg.AIAPIKey = "key"
	if !cfg.AIConfigured() {
		t.Error("expected configured")
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nexport AI_MODEL=\"glm-4-plus\"\nLOG_LEVEL=debug\nAI_BASE_URL=\nUPSTREAM_BASE_URL=http://race.local # dev box\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("AI_BASE_URL", "")
	// Registered for cleanup, then removed so the file can set them.
	t.Setenv("AI_MODEL", "")
	t.Setenv("UPSTREAM_BASE_URL", "")
	os.Unsetenv("AI_MODEL")
	os.Unsetenv("UPSTREAM_BASE_URL")

	if err := config.LoadDotEnv(path); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got := os.Getenv("LOG_LEVEL"); got != "warn" {
		t.Errorf("existing env must win, got %q", got)
	}
	if got, ok := os.LookupEnv("AI_BASE_URL"); !ok || got != "" {
		t.Errorf("explicitly empty env must win, got %q", got)
	}
	if got := os.Getenv("AI_MODEL"); got != "glm-4-plus" {
		t.Errorf("expected unquoted value from .env, got %q", got)
	}
	if got := os.Getenv("UPSTREAM_BASE_URL"); got != "http://race.local" {
		t.Errorf("expected trailing comment stripped, got %q", got)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	if err := config.LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
