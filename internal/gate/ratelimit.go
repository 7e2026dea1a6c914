package gate

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cropio/usagegate/internal/errors"
)

// RateLimit rejects callers exceeding limit requests per window on a route.
// Keys are per-user when the caller is authenticated and per-client-IP
// otherwise, so one hot anonymous IP cannot starve signed-in users.
//
// The check fails open: if the window store panics or is absent, the
// request proceeds. Rate limiting protects capacity; it must never become
// the outage itself.
func (g *Gate) RateLimit(route string, window time.Duration, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := g.checkWindow(c, route, window, limit)
		if err == nil {
			c.Next()
			return
		}

		if g.metrics != nil {
			g.metrics.RecordRateLimitHit(route)
		}
		g.logger.WarnWithContext(c.Request.Context(), "rate limit exceeded",
			"error", err.Error(),
			"window_seconds", window.Seconds(),
		)
		g.reject(c, http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"limit":       limit,
			"retry_after": int(window.Seconds()),
		}, "Too many requests. Please wait a moment and try again.")
	}
}

// checkWindow returns *errors.ErrRateLimitExceeded when the caller's window
// is saturated, nil otherwise. Panics inside the check allow the request.
func (g *Gate) checkWindow(c *gin.Context, route string, window time.Duration, limit int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("rate limit check panicked, allowing request",
				"route", route,
				"panic", r,
			)
			err = nil
		}
	}()

	if g.windows == nil {
		return nil
	}

	user := g.resolveUser(c)
	key := route + ":" + c.ClientIP()
	if !user.IsAnonymous() {
		key = route + ":" + user.ID
	}
	if g.windows.RecordAndCheck(key, window, limit) {
		return nil
	}
	return &errors.ErrRateLimitExceeded{Key: key, Limit: limit}
}
