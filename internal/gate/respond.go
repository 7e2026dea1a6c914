package gate

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// flashCookie carries the rejection message across the redirect for
// browser form posts. The host application renders and clears it.
const flashCookie = "usagegate_flash"

// flashMaxAge bounds how long a stale flash message survives.
const flashMaxAge = 300

// wantsJSON reports whether the client expects a JSON error body rather
// than a redirect. API paths, XHR, and JSON-accepting clients all get JSON;
// plain browser form posts get a redirect with a flash message.
func wantsJSON(c *gin.Context) bool {
	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		return true
	}
	if c.GetHeader("X-Requested-With") == "XMLHttpRequest" {
		return true
	}
	if strings.Contains(c.GetHeader("Accept"), "application/json") {
		return true
	}
	if strings.Contains(c.GetHeader("Content-Type"), "application/json") {
		return true
	}
	return false
}

// redirectTarget picks where a rejected browser request is sent back to.
func redirectTarget(c *gin.Context) string {
	ref := c.Request.Referer()
	if ref == "" {
		return "/"
	}
	u, err := url.Parse(ref)
	if err != nil || u.Path == "" {
		return "/"
	}
	// Same-origin paths only. An absolute referer from elsewhere must not
	// turn the gate into an open redirect.
	return u.Path
}

// reject aborts the request with the given status. JSON clients get the
// structured payload; browsers get a flash cookie and a redirect back to
// the referring page.
func (g *Gate) reject(c *gin.Context, status int, payload gin.H, flash string) {
	if wantsJSON(c) {
		c.AbortWithStatusJSON(status, payload)
		return
	}
	c.SetCookie(flashCookie, url.QueryEscape(flash), flashMaxAge, "/", "", false, false)
	c.Redirect(http.StatusSeeOther, redirectTarget(c))
	c.Abort()
}
