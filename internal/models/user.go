package models

import "time"

// User is the slice of the account entity the gate needs. The full user
// model, authentication, and session handling live in the surrounding
// application; the gate only consumes this view.
type User struct {
	ID              string    `json:"id"`
	Tier            Tier      `json:"tier"`
	SubscriptionEnd time.Time `json:"subscription_end,omitempty"`
	Authenticated   bool      `json:"authenticated"`
}

// Anonymous is the unauthenticated caller. Anonymous usage is deliberately
// not quota-limited; short-window rate limiting still applies by client IP.
var Anonymous = &User{Tier: TierFree}

// EffectiveTier returns the tier that limits should be evaluated against.
// An expired paid subscription degrades to Free.
func (u *User) EffectiveTier(now time.Time) Tier {
	if u == nil || !u.Authenticated {
		return TierFree
	}
	if u.Tier == TierPremium && !u.SubscriptionEnd.IsZero() && now.After(u.SubscriptionEnd) {
		return TierFree
	}
	if !u.Tier.IsValid() {
		return TierFree
	}
	return u.Tier
}

// IsAnonymous reports whether the user is an unauthenticated caller.
func (u *User) IsAnonymous() bool {
	return u == nil || !u.Authenticated || u.ID == ""
}
