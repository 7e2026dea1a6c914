package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cropio/usagegate/internal/models"
)

// Identity headers set by the fronting application or reverse proxy after
// it has authenticated the session. The gate itself never sees passwords
// or session cookies.
const (
	UserIDHeader          = "X-User-ID"
	UserTierHeader        = "X-User-Tier"
	SubscriptionEndHeader = "X-Subscription-End"
)

// HeaderUserResolver builds the caller identity from trusted upstream
// headers. A missing user ID means the caller is anonymous. Unknown tier
// values degrade to Free rather than erroring; an unparseable
// subscription end is ignored and the tier treated as active.
func HeaderUserResolver(c *gin.Context) *models.User {
	id := c.GetHeader(UserIDHeader)
	if id == "" {
		return nil
	}

	user := &models.User{
		ID:            id,
		Tier:          models.ParseTier(c.GetHeader(UserTierHeader)),
		Authenticated: true,
	}
	if raw := c.GetHeader(SubscriptionEndHeader); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			user.SubscriptionEnd = t
		}
	}
	return user
}
