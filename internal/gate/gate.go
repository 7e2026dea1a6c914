package gate

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cropio/usagegate/internal/errors"
	"github.com/cropio/usagegate/internal/ledger"
	"github.com/cropio/usagegate/internal/logging"
	"github.com/cropio/usagegate/internal/metrics"
	"github.com/cropio/usagegate/internal/models"
	"github.com/cropio/usagegate/internal/ratewindow"
)

// Context keys under which the gate stashes request metadata for the usage
// recorder, and under which handlers can report conversion results.
const (
	ctxUser       = "usagegate.user"
	ctxTool       = "usagegate.tool"
	ctxInputBytes = "usagegate.input_bytes"
	// CtxOutputBytes may be set by the wrapped handler when it knows the
	// real size of the produced file.
	CtxOutputBytes = "usagegate.output_bytes"
	// CtxSourceFormat / CtxTargetFormat may be set by the wrapped handler
	// for richer usage history.
	CtxSourceFormat = "usagegate.source_format"
	CtxTargetFormat = "usagegate.target_format"
)

// fileField is the multipart form field conversions upload into.
const fileField = "file"

// UserResolver extracts the calling user from a request. Returning nil
// means the caller is anonymous. The resolver is supplied by the host
// application; sessions and authentication are not the gate's concern.
type UserResolver func(c *gin.Context) *models.User

// Gate wraps conversion handlers with quota, file-size, storage, and
// rate-limit checks, all evaluated before the expensive conversion work
// begins. The gate owns no global state: the window store and ledger are
// injected at construction.
type Gate struct {
	ledger     *ledger.Ledger
	windows    *ratewindow.Store
	uploads    *UploadLimiter
	metrics    *metrics.Metrics
	logger     *logging.Logger
	resolver   UserResolver
	upgradeURL string
}

// Option configures a Gate.
type Option func(*Gate)

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithUpgradeURL sets the URL included in quota rejection payloads.
func WithUpgradeURL(url string) Option {
	return func(g *Gate) {
		g.upgradeURL = url
	}
}

// WithUploadLimiter sets the concurrent upload limiter.
func WithUploadLimiter(ul *UploadLimiter) Option {
	return func(g *Gate) {
		g.uploads = ul
	}
}

// New creates a Gate.
func New(l *ledger.Ledger, windows *ratewindow.Store, resolver UserResolver, opts ...Option) *Gate {
	g := &Gate{
		ledger:     l,
		windows:    windows,
		logger:     logging.NewLogger(),
		resolver:   resolver,
		upgradeURL: "/pricing",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// resolveUser returns the calling user, caching it on the context so the
// post-hook sees the same identity the gate admitted.
func (g *Gate) resolveUser(c *gin.Context) *models.User {
	if v, ok := c.Get(ctxUser); ok {
		if u, ok := v.(*models.User); ok {
			return u
		}
	}
	var user *models.User
	if g.resolver != nil {
		user = g.resolver(c)
	}
	if user == nil {
		user = models.Anonymous
	}
	c.Set(ctxUser, user)
	return user
}

// requestFileSize returns the size of the uploaded file, if any. Parsing
// the multipart form consumes the request body, and the conversion handler
// downstream must receive the same bytes the client sent, so the body is
// buffered here and restored after the parse.
func requestFileSize(c *gin.Context) (int64, bool) {
	if c.Request.MultipartForm == nil {
		if !strings.HasPrefix(c.ContentType(), "multipart/form-data") {
			return 0, false
		}
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return 0, false
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		fh, err := c.FormFile(fileField)
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		c.Request.ContentLength = int64(len(raw))
		if err != nil || fh == nil {
			return 0, false
		}
		return fh.Size, true
	}
	fh, err := c.FormFile(fileField)
	if err != nil || fh == nil {
		return 0, false
	}
	return fh.Size, true
}

// QuotaRequired wraps a conversion handler with the pre-checks: daily
// quota, then (when a file is present and checkFileSize is set) per-file
// size, then cumulative storage. The first failing check short-circuits
// with the matching status; on pass, tool metadata is stashed for the
// usage recorder.
func (g *Gate) QuotaRequired(tool string, category models.ToolCategory, checkFileSize bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := g.resolveUser(c)

		if err := g.ledger.EnsureQuota(user); err != nil {
			if quotaErr, ok := err.(*errors.ErrQuotaExceeded); ok {
				g.recordDecision(tool, "quota")
				g.reject(c, http.StatusTooManyRequests, gin.H{
					"error":       "daily conversion limit reached",
					"limit":       quotaErr.Limit,
					"used":        quotaErr.Used,
					"upgrade_url": g.upgradeURL,
				}, "You have reached your daily conversion limit. Upgrade for more.")
				return
			}
		}

		size, hasFile := requestFileSize(c)
		if hasFile && checkFileSize {
			if err := g.ledger.CheckFileSize(user, size); err != nil {
				if sizeErr, ok := err.(*errors.ErrFileSizeExceeded); ok {
					g.recordDecision(tool, "file_size")
					g.reject(c, http.StatusRequestEntityTooLarge, gin.H{
						"error":        "file too large",
						"limit_mb":     sizeErr.LimitMB,
						"file_size_mb": sizeErr.FileSizeMB,
					}, "That file is too large for your plan.")
					return
				}
			}
		}

		if hasFile {
			if err := g.ledger.CheckStorage(user, size); err != nil {
				if storageErr, ok := err.(*errors.ErrStorageExceeded); ok {
					g.recordDecision(tool, "storage")
					g.reject(c, http.StatusInsufficientStorage, gin.H{
						"error":            "storage limit exceeded",
						"storage_limit_mb": storageErr.StorageLimitMB,
					}, "Your storage is full. Delete old files or upgrade.")
					return
				}
			}
		}

		g.recordDecision(tool, "passed")
		c.Set(ctxTool, tool)
		c.Set(ctxInputBytes, size)
		c.Next()
	}
}

func (g *Gate) recordDecision(tool, outcome string) {
	if g.metrics != nil {
		g.metrics.RecordGateDecision(tool, outcome)
	}
}
