package models

import (
	"fmt"
	"strings"
)

// Tier represents a subscription level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierStaff   Tier = "staff"
	TierAdmin   Tier = "admin"
)

// AllTiers lists every recognized tier.
var AllTiers = []Tier{TierFree, TierPremium, TierStaff, TierAdmin}

// ParseTier normalizes a tier string. Unknown values resolve to Free,
// matching the product behavior for expired or malformed subscriptions.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPremium:
		return TierPremium
	case TierStaff:
		return TierStaff
	case TierAdmin:
		return TierAdmin
	default:
		return TierFree
	}
}

// IsValid reports whether the tier is one of the recognized values.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierPremium, TierStaff, TierAdmin:
		return true
	}
	return false
}

// Unlimited is the sentinel for limits that are not enforced for a tier.
const Unlimited int64 = -1

// FeatureAll is the sentinel feature set granting access to every tool.
const FeatureAll = "all"

// TierPolicy defines the limits attached to a subscription tier.
// Policies are immutable once loaded; reconfiguration swaps the whole table.
type TierPolicy struct {
	Tier              Tier     `yaml:"tier" json:"tier"`
	DailyConversions  int64    `yaml:"daily_conversions" json:"daily_conversions"`
	MaxFileSizeBytes  int64    `yaml:"max_file_size_bytes" json:"max_file_size_bytes"`
	StorageLimitBytes int64    `yaml:"storage_limit_bytes" json:"storage_limit_bytes"`
	ConcurrentUploads int64    `yaml:"concurrent_uploads" json:"concurrent_uploads"`
	Features          []string `yaml:"features" json:"features"`
}

// AllowsFeature reports whether the policy grants access to a named tool.
func (p *TierPolicy) AllowsFeature(name string) bool {
	for _, f := range p.Features {
		if f == FeatureAll || f == name {
			return true
		}
	}
	return false
}

// IsUnlimited reports whether a limit value means "not enforced".
func IsUnlimited(limit int64) bool {
	return limit < 0
}

// Validate checks a single policy for internal consistency.
func (p *TierPolicy) Validate() error {
	if !p.Tier.IsValid() {
		return fmt.Errorf("unknown tier %q", p.Tier)
	}
	if p.DailyConversions < Unlimited {
		return fmt.Errorf("tier %s: daily_conversions must be >= -1", p.Tier)
	}
	if p.MaxFileSizeBytes < Unlimited {
		return fmt.Errorf("tier %s: max_file_size_bytes must be >= -1", p.Tier)
	}
	if p.StorageLimitBytes < Unlimited {
		return fmt.Errorf("tier %s: storage_limit_bytes must be >= -1", p.Tier)
	}
	if p.ConcurrentUploads < Unlimited {
		return fmt.Errorf("tier %s: concurrent_uploads must be >= -1", p.Tier)
	}
	return nil
}

// ValidatePolicySet checks a full policy table: exactly one policy per tier
// and no paid tier with limits below the Free tier.
func ValidatePolicySet(policies []TierPolicy) error {
	seen := make(map[Tier]bool, len(policies))
	var free *TierPolicy
	for i := range policies {
		p := &policies[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Tier] {
			return fmt.Errorf("duplicate policy for tier %s", p.Tier)
		}
		seen[p.Tier] = true
		if p.Tier == TierFree {
			free = p
		}
	}
	if free == nil {
		return fmt.Errorf("policy table must include the free tier")
	}
	for i := range policies {
		p := &policies[i]
		if p.Tier == TierFree {
			continue
		}
		if limitBelow(p.DailyConversions, free.DailyConversions) {
			return fmt.Errorf("tier %s: daily_conversions below free tier", p.Tier)
		}
		if limitBelow(p.MaxFileSizeBytes, free.MaxFileSizeBytes) {
			return fmt.Errorf("tier %s: max_file_size_bytes below free tier", p.Tier)
		}
		if limitBelow(p.StorageLimitBytes, free.StorageLimitBytes) {
			return fmt.Errorf("tier %s: storage_limit_bytes below free tier", p.Tier)
		}
	}
	return nil
}

// limitBelow compares two limit values treating Unlimited as infinity.
func limitBelow(a, b int64) bool {
	if IsUnlimited(a) {
		return false
	}
	if IsUnlimited(b) {
		return true
	}
	return a < b
}
