package policy

import (
	"sync/atomic"

	"github.com/cropio/usagegate/internal/models"
)

// Table is the tier policy table. Lookups never fail: an unrecognized tier
// resolves to the Free policy, matching how expired or unknown subscriptions
// are treated. Reload swaps the whole table atomically so concurrent readers
// always see a consistent set.
type Table struct {
	policies atomic.Pointer[map[models.Tier]models.TierPolicy]
}

// NewTable builds a policy table. The policy set must already be validated
// (models.ValidatePolicySet); NewTable returns an error otherwise.
func NewTable(policies []models.TierPolicy) (*Table, error) {
	if err := models.ValidatePolicySet(policies); err != nil {
		return nil, err
	}
	t := &Table{}
	t.store(policies)
	return t, nil
}

func (t *Table) store(policies []models.TierPolicy) {
	m := make(map[models.Tier]models.TierPolicy, len(policies))
	for _, p := range policies {
		m[p.Tier] = p
	}
	t.policies.Store(&m)
}

// Get returns the policy for a tier, falling back to the Free policy for
// unrecognized tiers.
func (t *Table) Get(tier models.Tier) models.TierPolicy {
	m := *t.policies.Load()
	if p, ok := m[tier]; ok {
		return p
	}
	return m[models.TierFree]
}

// Reload validates and atomically swaps in a new policy set. On error the
// previous table stays in effect.
func (t *Table) Reload(policies []models.TierPolicy) error {
	if err := models.ValidatePolicySet(policies); err != nil {
		return err
	}
	t.store(policies)
	return nil
}

// Policies returns a copy of the current policy set.
func (t *Table) Policies() []models.TierPolicy {
	m := *t.policies.Load()
	out := make([]models.TierPolicy, 0, len(m))
	for _, tier := range models.AllTiers {
		if p, ok := m[tier]; ok {
			out = append(out, p)
		}
	}
	return out
}
