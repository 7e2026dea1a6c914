package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropio/usagegate/internal/api"
	"github.com/cropio/usagegate/internal/cleanup"
	"github.com/cropio/usagegate/internal/config"
	"github.com/cropio/usagegate/internal/gate"
	"github.com/cropio/usagegate/internal/ledger"
	"github.com/cropio/usagegate/internal/logging"
	"github.com/cropio/usagegate/internal/metrics"
	"github.com/cropio/usagegate/internal/models"
	"github.com/cropio/usagegate/internal/policy"
	"github.com/cropio/usagegate/internal/ratewindow"
	"github.com/cropio/usagegate/internal/store"
)

const mb = int64(1) << 20

// setupGateServer builds a full server over a real SQLite store with a
// tight free tier so limits are quick to hit.
func setupGateServer(t *testing.T) (*gin.Engine, *store.SQLiteStore, func()) {
	gin.SetMode(gin.TestMode)

	dbPath := filepath.Join(t.TempDir(), "gate_test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err, "Failed to create SQLite store")

	cfg := config.Default()
	cfg.Tiers = []models.TierPolicy{
		{Tier: models.TierFree, DailyConversions: 3, MaxFileSizeBytes: 1 * mb, StorageLimitBytes: 5 * mb, ConcurrentUploads: 2, Features: []string{"image", "pdf"}},
		{Tier: models.TierPremium, DailyConversions: 100, MaxFileSizeBytes: 50 * mb, StorageLimitBytes: models.Unlimited, ConcurrentUploads: 10, Features: []string{models.FeatureAll}},
	}
	cfg.RateLimit.Rules = []config.RateLimitRule{
		{Route: "/convert/pdf", Window: time.Minute, Limit: 2},
	}

	table, err := policy.NewTable(cfg.Tiers)
	require.NoError(t, err)

	logger := logging.NewLogger(logging.WithOutput(&bytes.Buffer{}))
	m := metrics.NewMetrics("testintegration")
	ldg := ledger.New(s, table, ledger.WithLogger(logger), ledger.WithMetrics(m))
	windows := ratewindow.NewStore()
	g := gate.New(ldg, windows, api.HeaderUserResolver,
		gate.WithLogger(logger),
		gate.WithMetrics(m),
		gate.WithUploadLimiter(gate.NewUploadLimiter(table, m)),
	)
	cleaner := cleanup.NewManager(s, 90*24*time.Hour, time.Hour, cleanup.WithLogger(logger))

	srv := api.NewServer(cfg, s, table, ldg, g, windows, cleaner, m, logger)
	for _, route := range cfg.Conversions {
		srv.RegisterConversion(route.Route, route.Tool, route.Category, route.CheckFileSize, func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"success": true})
		})
	}

	teardown := func() {
		_ = s.Close()
	}
	return srv.Router(), s, teardown
}

func uploadRequest(t *testing.T, path, userID string, fileSize int) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "input.bin")
	require.NoError(t, err)
	part.Write(bytes.Repeat([]byte("x"), fileSize))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req
}

func TestFullFlow_QuotaLifecycle(t *testing.T) {
	router, s, teardown := setupGateServer(t)
	defer teardown()

	// Three conversions fit in the free quota.
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, uploadRequest(t, "/convert/image", "u1", 1024))
		require.Equal(t, http.StatusOK, w.Code, "conversion %d", i+1)
	}

	// The fourth is rejected with the structured quota payload.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "/convert/image", "u1", 1024))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, float64(3), payload["limit"])
	assert.Equal(t, float64(3), payload["used"])
	assert.Equal(t, "/pricing", payload["upgrade_url"])

	// The ledger recorded exactly the three admitted conversions.
	today := models.DayKey(time.Now().UTC())
	entry, ok := s.EntryFor("u1", today)
	require.True(t, ok)
	assert.EqualValues(t, 3, entry.Conversions)
	assert.EqualValues(t, 3, entry.ImageCount)

	// The quota endpoint agrees.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/quota/u1?tier=free", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status models.QuotaStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Allowed)
	assert.EqualValues(t, 3, status.Used)
}

func TestFullFlow_FileSizeByTier(t *testing.T) {
	router, _, teardown := setupGateServer(t)
	defer teardown()

	// Oversized upload: 413 with MB values.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "/convert/image", "u2", int(2*mb)))
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, float64(1), payload["limit_mb"])
	assert.Equal(t, float64(2), payload["file_size_mb"])

	// Premium bypasses the free file cap.
	w = httptest.NewRecorder()
	req := uploadRequest(t, "/convert/image", "p1", int(2*mb))
	req.Header.Set("X-User-Tier", "premium")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestFullFlow_RateLimitPerRoute(t *testing.T) {
	router, _, teardown := setupGateServer(t)
	defer teardown()

	// /convert/pdf is limited to 2 per minute; /convert/image is not.
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, uploadRequest(t, "/convert/pdf", "u3", 1024))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "/convert/pdf", "u3", 1024))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "/convert/image", "u3", 1024))
	require.Equal(t, http.StatusOK, w.Code, "other routes are unaffected")
}

func TestFullFlow_UsageReportAndCleanup(t *testing.T) {
	router, s, teardown := setupGateServer(t)
	defer teardown()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "/convert/image", "u4", 1024))
	require.Equal(t, http.StatusOK, w.Code)

	// Seed an old conversion beyond the retention window.
	old := time.Now().UTC().AddDate(0, 0, -120)
	rec := models.NewUsageRecord("u4", "pdf-merge", models.CategoryPDF)
	rec.Status = models.StatusCompleted
	rec.Timestamp = old
	require.NoError(t, s.RecordConversion("u4", models.DayKey(old), models.CategoryPDF, 100, rec))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/usage/u4/report?days=7", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var report ledger.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.EqualValues(t, 1, report.TotalConversions, "old usage is outside the 7-day window")

	// Manual cleanup removes the old rows and reports counts.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/admin/cleanup", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var purged map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &purged))
	assert.EqualValues(t, 1, purged["ledger_entries_deleted"])
	assert.EqualValues(t, 1, purged["usage_records_deleted"])
}

func TestFullFlow_FailedConversionKeepsQuota(t *testing.T) {
	router, s, teardown := setupFailingServer(t)
	defer teardown()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "/convert/image", "u5", 1024))
	require.Equal(t, http.StatusBadGateway, w.Code)

	records, err := s.RecordsSince("u5", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusFailed, records[0].Status)
	assert.Equal(t, "HTTP 502", records[0].ErrorMessage)

	// Failures never consume quota.
	entry, ok := s.EntryFor("u5", models.DayKey(time.Now().UTC()))
	if ok {
		assert.EqualValues(t, 0, entry.Conversions)
	}
}

func TestFullFlow_UploadForwardedToUpstream(t *testing.T) {
	var received int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, fh, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Close()
		received = fh.Size
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	}))
	defer upstream.Close()

	router, s, teardown := setupProxyServer(t, upstream.URL)
	defer teardown()

	w := httptest.NewRecorder()
	// httptest.ResponseRecorder does not implement http.CloseNotifier; give the
	// request a cancelable context so ReverseProxy skips the CloseNotify path.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.ServeHTTP(w, uploadRequest(t, "/convert/image", "u6", 2048).WithContext(ctx))
	require.Equal(t, http.StatusOK, w.Code, "gate checks must not drain the proxied body: %s", w.Body.String())
	assert.EqualValues(t, 2048, received, "upstream must see the uploaded file")

	records, err := s.RecordsSince("u6", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusCompleted, records[0].Status)
}

// setupProxyServer mounts a conversion route whose handler reverse-proxies
// to a real upstream, the same shape the serve command wires.
func setupProxyServer(t *testing.T, upstreamURL string) (*gin.Engine, *store.SQLiteStore, func()) {
	gin.SetMode(gin.TestMode)

	dbPath := filepath.Join(t.TempDir(), "proxy_test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	cfg := config.Default()
	table, err := policy.NewTable(cfg.Tiers)
	require.NoError(t, err)

	logger := logging.NewLogger(logging.WithOutput(&bytes.Buffer{}))
	m := metrics.NewMetrics("testproxy")
	ldg := ledger.New(s, table, ledger.WithLogger(logger))
	windows := ratewindow.NewStore()
	g := gate.New(ldg, windows, api.HeaderUserResolver,
		gate.WithLogger(logger),
		gate.WithUploadLimiter(gate.NewUploadLimiter(table, m)),
	)
	cleaner := cleanup.NewManager(s, 90*24*time.Hour, time.Hour, cleanup.WithLogger(logger))

	target, err := url.Parse(upstreamURL)
	require.NoError(t, err)
	proxy := httputil.NewSingleHostReverseProxy(target)

	srv := api.NewServer(cfg, s, table, ldg, g, windows, cleaner, m, logger)
	srv.RegisterConversion("/convert/image", "image-convert", models.CategoryImage, true, func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	})

	return srv.Router(), s, func() { _ = s.Close() }
}

// setupFailingServer wires a conversion route whose handler always fails,
// standing in for an unreachable conversion backend.
func setupFailingServer(t *testing.T) (*gin.Engine, *store.SQLiteStore, func()) {
	gin.SetMode(gin.TestMode)
	dbPath := filepath.Join(t.TempDir(), "fail_test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	cfg := config.Default()
	table, err := policy.NewTable(cfg.Tiers)
	require.NoError(t, err)

	logger := logging.NewLogger(logging.WithOutput(&bytes.Buffer{}))
	m := metrics.NewMetrics("testfailing")
	ldg := ledger.New(s, table, ledger.WithLogger(logger))
	windows := ratewindow.NewStore()
	g := gate.New(ldg, windows, api.HeaderUserResolver, gate.WithLogger(logger))
	cleaner := cleanup.NewManager(s, 90*24*time.Hour, time.Hour, cleanup.WithLogger(logger))

	srv := api.NewServer(cfg, s, table, ldg, g, windows, cleaner, m, logger)
	srv.RegisterConversion("/convert/image", "image-convert", models.CategoryImage, true, func(c *gin.Context) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "backend unavailable"})
	})

	return srv.Router(), s, func() { _ = s.Close() }
}
