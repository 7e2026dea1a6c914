package gate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cropio/usagegate/internal/ledger"
	"github.com/cropio/usagegate/internal/models"
)

// successBodyLimit caps how much of a JSON response body the recorder
// buffers when looking for a success flag.
const successBodyLimit = 64 << 10

// bodyCapture tees the response body so the recorder can inspect small
// JSON replies after the handler has run. Bytes past the limit pass
// through uncaptured.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(b []byte) (int, error) {
	if w.buf.Len() < successBodyLimit {
		remain := successBodyLimit - w.buf.Len()
		if remain > len(b) {
			remain = len(b)
		}
		w.buf.Write(b[:remain])
	}
	return w.ResponseWriter.Write(b)
}

// TrackConversion records conversion outcomes after the handler runs.
// Only POST requests are considered. A 200 response that carried an
// uploaded file, or whose JSON body reports success, records a completed
// conversion; any non-200 POST records a failure with the status code.
//
// The recorder must never change the response the handler produced, so
// every failure path inside it is swallowed and logged.
func (g *Gate) TrackConversion(tool string, category models.ToolCategory) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		capture := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Next()

		g.recordOutcome(c, capture, tool, category)
	}
}

func (g *Gate) recordOutcome(c *gin.Context, capture *bodyCapture, tool string, category models.ToolCategory) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("usage tracking panicked",
				"tool", tool,
				"panic", fmt.Sprint(r),
			)
			g.recordTracking("error")
		}
	}()

	user := g.resolveUser(c)
	if user.IsAnonymous() {
		g.recordTracking("skipped")
		return
	}

	conv := ledger.Conversion{
		Tool:         tool,
		Category:     category,
		SourceFormat: c.GetString(CtxSourceFormat),
		TargetFormat: c.GetString(CtxTargetFormat),
		InputBytes:   c.GetInt64(ctxInputBytes),
	}
	if conv.InputBytes == 0 {
		if size, ok := requestFileSize(c); ok {
			conv.InputBytes = size
		}
	}

	status := c.Writer.Status()
	if status != http.StatusOK {
		if err := g.ledger.RecordFailure(user, conv, fmt.Sprintf("HTTP %d", status)); err != nil {
			g.recordTracking("error")
			return
		}
		g.recordTracking("recorded_failure")
		return
	}

	_, hasFile := requestFileSize(c)
	if !hasFile && !jsonReportsSuccess(c, capture) {
		g.recordTracking("skipped")
		return
	}

	conv.OutputBytes = outputBytes(c, capture)
	if err := g.ledger.RecordSuccess(user, conv); err != nil {
		g.recordTracking("error")
		return
	}
	g.recordTracking("recorded")
}

// jsonReportsSuccess reports whether a JSON response body declared the
// conversion successful.
func jsonReportsSuccess(c *gin.Context, capture *bodyCapture) bool {
	if !strings.Contains(c.Writer.Header().Get("Content-Type"), "application/json") {
		return false
	}
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(capture.buf.Bytes(), &body); err != nil {
		return false
	}
	return body.Success
}

// outputBytes picks the best available output size: the handler's own
// report first, then the bytes actually written in the response. Zero
// means unknown and lets the ledger fall back to its estimate.
func outputBytes(c *gin.Context, capture *bodyCapture) int64 {
	if v := c.GetInt64(CtxOutputBytes); v > 0 {
		return v
	}
	if !strings.Contains(c.Writer.Header().Get("Content-Type"), "application/json") {
		if size := c.Writer.Size(); size > 0 {
			return int64(size)
		}
	}
	return 0
}

func (g *Gate) recordTracking(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordTrackingOutcome(outcome)
	}
}
