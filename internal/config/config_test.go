package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cropio/usagegate/internal/errors"
	"github.com/cropio/usagegate/internal/models"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("version: \"1\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.HTTPPort != 8420 {
		t.Errorf("default port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Cleanup.RetentionDays != 90 {
		t.Errorf("default retention = %d", cfg.Cleanup.RetentionDays)
	}
	if cfg.Notifications.WarningRemaining != 2 {
		t.Errorf("default warning_remaining = %d", cfg.Notifications.WarningRemaining)
	}
	if len(cfg.Tiers) != 4 {
		t.Errorf("default tiers = %d", len(cfg.Tiers))
	}
	if len(cfg.Conversions) != 5 {
		t.Errorf("default conversion routes = %d", len(cfg.Conversions))
	}
	if cfg.RateLimit.IdleKeyTTL != time.Hour {
		t.Errorf("default idle key TTL = %s", cfg.RateLimit.IdleKeyTTL)
	}
}

func TestParseTiersOverride(t *testing.T) {
	yaml := `
tiers:
  - tier: free
    daily_conversions: 5
    max_file_size_bytes: 1048576
    storage_limit_bytes: 10485760
    concurrent_uploads: 1
  - tier: premium
    daily_conversions: -1
    max_file_size_bytes: -1
    storage_limit_bytes: -1
    concurrent_uploads: 4
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Tiers) != 2 {
		t.Fatalf("tiers = %d", len(cfg.Tiers))
	}
	if cfg.Tiers[0].DailyConversions != 5 {
		t.Errorf("free daily_conversions = %d", cfg.Tiers[0].DailyConversions)
	}
	if !models.IsUnlimited(cfg.Tiers[1].DailyConversions) {
		t.Error("premium should be unlimited")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad port":      "server:\n  http_port: 99999\n",
		"no free tier":  "tiers:\n  - tier: premium\n    daily_conversions: 10\n",
		"bad rule":      "rate_limit:\n  rules:\n    - route: /convert/image\n      window: 1m\n      limit: 0\n",
		"bad category":  "conversions:\n  - route: /convert/x\n    tool: x\n    category: audio\n",
		"bad exemption": "enforcement:\n  exempt_tiers: [enterprise]\n",
		"auth no keys":  "api:\n  auth:\n    enabled: true\n",
		"not yaml":      "{{{",
	}
	for name, yaml := range cases {
		if _, err := Parse([]byte(yaml)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestRuleFor(t *testing.T) {
	cfg := RateLimitConfig{Rules: []RateLimitRule{
		{Route: "/convert/image", Window: time.Minute, Limit: 10},
	}}

	rule, ok := cfg.RuleFor("/convert/image")
	if !ok || rule.Limit != 10 {
		t.Fatalf("RuleFor = %+v, %v", rule, ok)
	}
	if _, ok := cfg.RuleFor("/convert/video"); ok {
		t.Error("unexpected rule for unconfigured route")
	}
}

func TestEnforcementIsExempt(t *testing.T) {
	cfg := EnforcementConfig{ExemptTiers: []models.Tier{models.TierStaff, models.TierAdmin}}
	if !cfg.IsExempt(models.TierAdmin) {
		t.Error("admin should be exempt")
	}
	if cfg.IsExempt(models.TierFree) {
		t.Error("free should not be exempt")
	}
}

func TestLoaderLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("port = %d", cfg.Server.HTTPPort)
	}

	var reloaded *Config
	loader.SetOnChange(func(c *Config) { reloaded = c })

	if err := os.WriteFile(path, []byte("server:\n  http_port: 9001\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reloaded == nil || reloaded.Server.HTTPPort != 9001 {
		t.Errorf("onChange not called with new config: %+v", reloaded)
	}
}

func TestLoaderMissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loader.Load()
	if _, ok := err.(*errors.ErrConfigNotFound); !ok {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("USAGEGATE_TEST_PORT", "9100")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: ${USAGEGATE_TEST_PORT}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9100 {
		t.Errorf("port = %d", cfg.Server.HTTPPort)
	}
}
