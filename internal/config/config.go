package config

import (
	"fmt"
	"time"

	"github.com/cropio/usagegate/internal/models"
)

// Config represents the complete application configuration.
type Config struct {
	Version       string              `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	API           APIConfig           `yaml:"api"`
	Tiers         []models.TierPolicy `yaml:"tiers,omitempty"`
	Conversions   []ConversionRoute   `yaml:"conversions,omitempty"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Enforcement   EnforcementConfig   `yaml:"enforcement"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ConversionRoute mounts one gated conversion endpoint. Requests passing
// the gate are forwarded to the upstream conversion backend.
type ConversionRoute struct {
	Route         string              `yaml:"route"`
	Tool          string              `yaml:"tool"`
	Category      models.ToolCategory `yaml:"category"`
	CheckFileSize bool                `yaml:"check_file_size"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	DBPath          string        `yaml:"db_path"`
	UpgradeURL      string        `yaml:"upgrade_url"`
	// UpstreamURL is the conversion backend that gated requests are
	// proxied to. Conversion routes are not mounted when it is empty.
	UpstreamURL string `yaml:"upstream_url"`
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig contains authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// RateLimitConfig contains sliding-window rate limiting configuration.
type RateLimitConfig struct {
	Rules         []RateLimitRule `yaml:"rules"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`
	IdleKeyTTL    time.Duration   `yaml:"idle_key_ttl"`
}

// RateLimitRule binds a route to a sliding window and request limit.
type RateLimitRule struct {
	Route  string        `yaml:"route"`
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

// RuleFor returns the rate limit rule for a route, if one is configured.
func (c *RateLimitConfig) RuleFor(route string) (RateLimitRule, bool) {
	for _, r := range c.Rules {
		if r.Route == route {
			return r, true
		}
	}
	return RateLimitRule{}, false
}

// EnforcementConfig controls which tiers are exempt from file-size and
// storage checks. Daily quota enforcement is never exempted here; staff
// and admin express that through an unlimited policy instead.
type EnforcementConfig struct {
	ExemptTiers []models.Tier `yaml:"exempt_tiers"`
}

// IsExempt reports whether a tier skips size and storage checks.
func (c *EnforcementConfig) IsExempt(tier models.Tier) bool {
	for _, t := range c.ExemptTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// CleanupConfig contains retention cleanup configuration.
type CleanupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RetentionDays int           `yaml:"retention_days"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// NotificationsConfig contains usage-limit notification configuration.
type NotificationsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	TelegramToken    string `yaml:"telegram_token"`
	TelegramChatID   int64  `yaml:"telegram_chat_id"`
	WarningRemaining int64  `yaml:"warning_remaining"`
}

const (
	mb = int64(1) << 20
	gb = int64(1) << 30
)

// DefaultTierPolicies returns the built-in policy table. It is used when
// the config file does not override the tiers section.
func DefaultTierPolicies() []models.TierPolicy {
	return []models.TierPolicy{
		{
			Tier:              models.TierFree,
			DailyConversions:  20,
			MaxFileSizeBytes:  50 * mb,
			StorageLimitBytes: 200 * mb,
			ConcurrentUploads: 2,
			Features:          []string{"image", "pdf", "document"},
		},
		{
			Tier:              models.TierPremium,
			DailyConversions:  1000,
			MaxFileSizeBytes:  500 * mb,
			StorageLimitBytes: 10 * gb,
			ConcurrentUploads: 10,
			Features:          []string{models.FeatureAll},
		},
		{
			Tier:              models.TierStaff,
			DailyConversions:  models.Unlimited,
			MaxFileSizeBytes:  500 * mb,
			StorageLimitBytes: models.Unlimited,
			ConcurrentUploads: 20,
			Features:          []string{models.FeatureAll},
		},
		{
			Tier:              models.TierAdmin,
			DailyConversions:  models.Unlimited,
			MaxFileSizeBytes:  models.Unlimited,
			StorageLimitBytes: models.Unlimited,
			ConcurrentUploads: models.Unlimited,
			Features:          []string{models.FeatureAll},
		},
	}
}

// DefaultConversionRoutes returns the built-in conversion endpoints, one
// per tool category.
func DefaultConversionRoutes() []ConversionRoute {
	return []ConversionRoute{
		{Route: "/convert/image", Tool: "image-convert", Category: models.CategoryImage, CheckFileSize: true},
		{Route: "/convert/pdf", Tool: "pdf-convert", Category: models.CategoryPDF, CheckFileSize: true},
		{Route: "/convert/document", Tool: "document-convert", Category: models.CategoryDocument, CheckFileSize: true},
		{Route: "/convert/video", Tool: "video-convert", Category: models.CategoryVideo, CheckFileSize: true},
		{Route: "/convert/web", Tool: "web-capture", Category: models.CategoryWeb, CheckFileSize: false},
	}
}

// applyDefaults fills in zero-valued fields before validation.
func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8420
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "json"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "./data/usagegate.db"
	}
	if c.Server.UpgradeURL == "" {
		c.Server.UpgradeURL = "/pricing"
	}
	if c.API.Auth.HeaderName == "" {
		c.API.Auth.HeaderName = "X-API-Key"
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTierPolicies()
	}
	if len(c.Conversions) == 0 {
		c.Conversions = DefaultConversionRoutes()
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = 5 * time.Minute
	}
	if c.RateLimit.IdleKeyTTL == 0 {
		c.RateLimit.IdleKeyTTL = time.Hour
	}
	if c.Cleanup.RetentionDays == 0 {
		c.Cleanup.RetentionDays = 90
	}
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = time.Hour
	}
	if c.Cleanup.BatchSize == 0 {
		c.Cleanup.BatchSize = 1000
	}
	if c.Notifications.WarningRemaining == 0 {
		c.Notifications.WarningRemaining = 2
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	if err := models.ValidatePolicySet(c.Tiers); err != nil {
		return err
	}
	for _, cr := range c.Conversions {
		if cr.Route == "" {
			return fmt.Errorf("conversions: route must not be empty")
		}
		if cr.Tool == "" {
			return fmt.Errorf("conversions %s: tool must not be empty", cr.Route)
		}
		if !cr.Category.IsValid() {
			return fmt.Errorf("conversions %s: unknown category %q", cr.Route, cr.Category)
		}
	}
	for _, r := range c.RateLimit.Rules {
		if r.Route == "" {
			return fmt.Errorf("rate_limit rule with empty route")
		}
		if r.Window <= 0 {
			return fmt.Errorf("rate_limit rule %s: window must be positive", r.Route)
		}
		if r.Limit <= 0 {
			return fmt.Errorf("rate_limit rule %s: limit must be positive", r.Route)
		}
	}
	for _, t := range c.Enforcement.ExemptTiers {
		if !t.IsValid() {
			return fmt.Errorf("enforcement.exempt_tiers: unknown tier %q", t)
		}
	}
	if c.Cleanup.RetentionDays < 0 {
		return fmt.Errorf("cleanup.retention_days must be non-negative")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return fmt.Errorf("api.auth enabled but no api_keys configured")
	}
	return nil
}
