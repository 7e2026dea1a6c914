package gate

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cropio/usagegate/internal/metrics"
	"github.com/cropio/usagegate/internal/models"
	"github.com/cropio/usagegate/internal/policy"
)

// UploadLimiter bounds how many uploads a user runs at once. Slots are
// taken with a CAS loop so concurrent requests never overshoot the limit,
// and released when the request finishes regardless of outcome.
type UploadLimiter struct {
	policies *policy.Table
	metrics  *metrics.Metrics

	mu       sync.Mutex
	counters map[string]*int64
}

// NewUploadLimiter creates an UploadLimiter over a policy table.
func NewUploadLimiter(policies *policy.Table, m *metrics.Metrics) *UploadLimiter {
	return &UploadLimiter{
		policies: policies,
		metrics:  m,
		counters: make(map[string]*int64),
	}
}

func (ul *UploadLimiter) counter(userID string) *int64 {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	ctr, ok := ul.counters[userID]
	if !ok {
		ctr = new(int64)
		ul.counters[userID] = ctr
	}
	return ctr
}

// Acquire takes an upload slot for the user. Returns false when the user's
// tier limit is already saturated.
func (ul *UploadLimiter) Acquire(user *models.User, tier models.Tier) bool {
	limit := ul.policies.Get(tier).ConcurrentUploads
	if models.IsUnlimited(limit) {
		return true
	}

	ctr := ul.counter(user.ID)
	for {
		current := atomic.LoadInt64(ctr)
		if current >= limit {
			return false
		}
		if atomic.CompareAndSwapInt64(ctr, current, current+1) {
			if ul.metrics != nil {
				ul.metrics.SetConcurrentUploads(user.ID, current+1)
			}
			return true
		}
	}
}

// Release returns an upload slot. Safe to call once per successful Acquire.
func (ul *UploadLimiter) Release(user *models.User, tier models.Tier) {
	limit := ul.policies.Get(tier).ConcurrentUploads
	if models.IsUnlimited(limit) {
		return
	}

	ctr := ul.counter(user.ID)
	for {
		current := atomic.LoadInt64(ctr)
		if current <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(ctr, current, current-1) {
			if ul.metrics != nil {
				ul.metrics.SetConcurrentUploads(user.ID, current-1)
			}
			return
		}
	}
}

// Current returns the user's active upload count, used by tests.
func (ul *UploadLimiter) Current(userID string) int64 {
	return atomic.LoadInt64(ul.counter(userID))
}

// ConcurrentUploads limits simultaneous uploads per user according to the
// tier policy. Anonymous callers are not slot-limited here; the per-IP
// rate limiter covers them.
func (g *Gate) ConcurrentUploads() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.uploads == nil {
			c.Next()
			return
		}

		user := g.resolveUser(c)
		if user.IsAnonymous() {
			c.Next()
			return
		}

		tier := user.EffectiveTier(time.Now())
		if !g.uploads.Acquire(user, tier) {
			g.recordDecision(c.FullPath(), "concurrency")
			g.reject(c, http.StatusTooManyRequests, gin.H{
				"error": "too many concurrent uploads",
			}, "You have too many uploads in progress. Wait for one to finish.")
			return
		}
		defer g.uploads.Release(user, tier)

		c.Next()
	}
}
