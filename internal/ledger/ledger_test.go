package ledger

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/cropio/usagegate/internal/errors"
	"github.com/cropio/usagegate/internal/logging"
	"github.com/cropio/usagegate/internal/models"
	"github.com/cropio/usagegate/internal/notify"
	"github.com/cropio/usagegate/internal/policy"
	"github.com/cropio/usagegate/internal/store"
)

const testMB = int64(1) << 20

func testPolicies() []models.TierPolicy {
	return []models.TierPolicy{
		{Tier: models.TierFree, DailyConversions: 20, MaxFileSizeBytes: 50 * testMB, StorageLimitBytes: 200 * testMB, ConcurrentUploads: 2},
		{Tier: models.TierPremium, DailyConversions: 1000, MaxFileSizeBytes: 500 * testMB, StorageLimitBytes: models.Unlimited, ConcurrentUploads: 10},
		{Tier: models.TierStaff, DailyConversions: models.Unlimited, MaxFileSizeBytes: models.Unlimited, StorageLimitBytes: models.Unlimited, ConcurrentUploads: models.Unlimited},
	}
}

func quietLogger() *logging.Logger {
	return logging.NewLogger(logging.WithOutput(&bytes.Buffer{}))
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *store.MemoryStore) {
	t.Helper()
	table, err := policy.NewTable(testPolicies())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	mem := store.NewMemoryStore()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(mem, table, opts...), mem
}

func freeUser(id string) *models.User {
	return &models.User{ID: id, Tier: models.TierFree, Authenticated: true}
}

func TestCheckQuotaAtBoundary(t *testing.T) {
	l, _ := newTestLedger(t)
	user := freeUser("u1")

	for i := 0; i < 20; i++ {
		status := l.CheckQuota(user)
		if !status.Allowed {
			t.Fatalf("conversion %d should be allowed", i+1)
		}
		if err := l.RecordSuccess(user, Conversion{Tool: "image-convert", Category: models.CategoryImage, InputBytes: 100}); err != nil {
			t.Fatalf("RecordSuccess: %v", err)
		}
	}

	status := l.CheckQuota(user)
	if status.Allowed {
		t.Fatal("21st conversion should be blocked")
	}
	if status.Limit != 20 || status.Used != 20 || status.Remaining != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestEnsureQuotaReturnsTypedError(t *testing.T) {
	l, _ := newTestLedger(t)
	user := freeUser("u1")

	if err := l.EnsureQuota(user); err != nil {
		t.Fatalf("fresh user: %v", err)
	}

	for i := 0; i < 20; i++ {
		if err := l.RecordSuccess(user, Conversion{Tool: "image-convert", Category: models.CategoryImage, InputBytes: 100}); err != nil {
			t.Fatalf("RecordSuccess: %v", err)
		}
	}

	err := l.EnsureQuota(user)
	quotaErr, ok := err.(*errors.ErrQuotaExceeded)
	if !ok {
		t.Fatalf("err = %T (%v), want *errors.ErrQuotaExceeded", err, err)
	}
	if quotaErr.UserID != "u1" || quotaErr.Limit != 20 || quotaErr.Used != 20 {
		t.Errorf("err = %+v", quotaErr)
	}
}

func TestCheckQuotaAnonymousAndUnlimited(t *testing.T) {
	l, _ := newTestLedger(t)

	status := l.CheckQuota(models.Anonymous)
	if !status.Allowed || !status.Unlimited {
		t.Errorf("anonymous status = %+v", status)
	}

	staff := &models.User{ID: "s1", Tier: models.TierStaff, Authenticated: true}
	status = l.CheckQuota(staff)
	if !status.Allowed || !status.Unlimited {
		t.Errorf("staff status = %+v", status)
	}
}

func TestExpiredPremiumChecksAsFree(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLedger(t, WithClock(func() time.Time { return now }))

	expired := &models.User{
		ID:              "u1",
		Tier:            models.TierPremium,
		Authenticated:   true,
		SubscriptionEnd: now.Add(-time.Hour),
	}
	status := l.CheckQuota(expired)
	if status.Limit != 20 {
		t.Errorf("expired premium limit = %d, want free tier 20", status.Limit)
	}
}

// failingStore simulates a broken backend for the fail-open paths.
type failingStore struct {
	*store.MemoryStore
}

func (s *failingStore) GetOrCreateEntry(userID, date string) (*models.LedgerEntry, error) {
	return nil, fmt.Errorf("database locked")
}

func (s *failingStore) StorageUsed(userID string) (int64, error) {
	return 0, fmt.Errorf("database locked")
}

func TestChecksFailOpenOnStoreError(t *testing.T) {
	table, err := policy.NewTable(testPolicies())
	if err != nil {
		t.Fatal(err)
	}
	broken := &failingStore{MemoryStore: store.NewMemoryStore()}
	l := New(broken, table, WithLogger(quietLogger()))
	user := freeUser("u1")

	if status := l.CheckQuota(user); !status.Allowed {
		t.Error("quota check must fail open on store error")
	}
	if err := l.CheckStorage(user, testMB); err != nil {
		t.Errorf("storage check must fail open on store error, got %v", err)
	}
}

func TestCheckFileSize(t *testing.T) {
	l, _ := newTestLedger(t)
	user := freeUser("u1")

	if err := l.CheckFileSize(user, 50*testMB); err != nil {
		t.Errorf("file at the limit should pass: %v", err)
	}

	err := l.CheckFileSize(user, 60*testMB)
	sizeErr, ok := err.(*errors.ErrFileSizeExceeded)
	if !ok {
		t.Fatalf("expected ErrFileSizeExceeded, got %v", err)
	}
	if sizeErr.LimitMB != 50 || sizeErr.FileSizeMB != 60 {
		t.Errorf("limits = %v MB / %v MB", sizeErr.LimitMB, sizeErr.FileSizeMB)
	}

	staff := &models.User{ID: "s1", Tier: models.TierStaff, Authenticated: true}
	if err := l.CheckFileSize(staff, 10000*testMB); err != nil {
		t.Errorf("unlimited tier should pass: %v", err)
	}
}

func TestCheckFileSizeExemption(t *testing.T) {
	l, _ := newTestLedger(t, WithExemption(func(tier models.Tier) bool {
		return tier == models.TierPremium
	}))

	premium := &models.User{ID: "p1", Tier: models.TierPremium, Authenticated: true}
	if err := l.CheckFileSize(premium, 5000*testMB); err != nil {
		t.Errorf("exempt tier should skip the check: %v", err)
	}
}

func TestCheckFileSizeRoundsToTwoDecimals(t *testing.T) {
	l, _ := newTestLedger(t)

	// 52.5 MB + 1 byte rounds to 52.5, not a long fraction.
	err := l.CheckFileSize(freeUser("u1"), 52*testMB+testMB/2+1)
	sizeErr, ok := err.(*errors.ErrFileSizeExceeded)
	if !ok {
		t.Fatalf("expected ErrFileSizeExceeded, got %v", err)
	}
	if sizeErr.FileSizeMB != 52.5 {
		t.Errorf("FileSizeMB = %v, want 52.5", sizeErr.FileSizeMB)
	}
}

func TestCheckStorage(t *testing.T) {
	l, mem := newTestLedger(t)
	user := freeUser("u1")

	// Seed 190 MB of stored conversions.
	rec := models.NewUsageRecord(user.ID, "image-convert", models.CategoryImage)
	rec.Status = models.StatusCompleted
	if err := mem.RecordConversion(user.ID, "2026-02-28", models.CategoryImage, 190*testMB, rec); err != nil {
		t.Fatal(err)
	}

	if err := l.CheckStorage(user, 5*testMB); err != nil {
		t.Errorf("190+5 MB within 200 MB cap should pass: %v", err)
	}

	err := l.CheckStorage(user, 15*testMB)
	storageErr, ok := err.(*errors.ErrStorageExceeded)
	if !ok {
		t.Fatalf("expected ErrStorageExceeded, got %v", err)
	}
	if storageErr.StorageLimitMB != 200 {
		t.Errorf("StorageLimitMB = %v", storageErr.StorageLimitMB)
	}

	if err := l.CheckStorage(models.Anonymous, 1000*testMB); err != nil {
		t.Errorf("anonymous storage check should pass: %v", err)
	}
}

func TestRecordSuccessChargesLargerSide(t *testing.T) {
	l, mem := newTestLedger(t)
	user := freeUser("u1")

	// Output unknown: the 80% estimate is below input, so input is charged.
	l.RecordSuccess(user, Conversion{Tool: "a", Category: models.CategoryImage, InputBytes: 1000})
	// Output measured larger than input: output is charged.
	l.RecordSuccess(user, Conversion{Tool: "b", Category: models.CategoryPDF, InputBytes: 1000, OutputBytes: 2500})

	records := mem.Records()
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].Bytes != 1000 {
		t.Errorf("estimated charge = %d, want 1000", records[0].Bytes)
	}
	if records[1].Bytes != 2500 {
		t.Errorf("measured charge = %d, want 2500", records[1].Bytes)
	}

	used, _ := mem.StorageUsed(user.ID)
	if used != 3500 {
		t.Errorf("storage used = %d, want 3500", used)
	}
}

func TestRecordFailureDoesNotConsumeQuota(t *testing.T) {
	l, mem := newTestLedger(t)
	user := freeUser("u1")

	if err := l.RecordFailure(user, Conversion{Tool: "a", Category: models.CategoryImage, InputBytes: 100}, "HTTP 500"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	status := l.CheckQuota(user)
	if status.Used != 0 {
		t.Errorf("failed conversion consumed quota: used = %d", status.Used)
	}

	records := mem.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].Status != models.StatusFailed || records[0].ErrorMessage != "HTTP 500" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestRecordSkipsAnonymous(t *testing.T) {
	l, mem := newTestLedger(t)

	l.RecordSuccess(models.Anonymous, Conversion{Tool: "a", Category: models.CategoryImage, InputBytes: 100})
	l.RecordFailure(models.Anonymous, Conversion{Tool: "a", Category: models.CategoryImage}, "HTTP 500")

	if len(mem.Records()) != 0 {
		t.Error("anonymous conversions must not be recorded")
	}
}

func TestRecordSuccessPropagatesStoreError(t *testing.T) {
	l, mem := newTestLedger(t)
	mem.FailRecord = fmt.Errorf("disk full")

	err := l.RecordSuccess(freeUser("u1"), Conversion{Tool: "a", Category: models.CategoryImage, InputBytes: 100})
	if err == nil {
		t.Fatal("expected store error to propagate")
	}
}

// captureNotifier records notification phases.
type captureNotifier struct {
	phases []notify.Phase
	result notify.Result
}

func (n *captureNotifier) NotifyUsageLimit(user *models.User, phase notify.Phase, status models.QuotaStatus) notify.Result {
	n.phases = append(n.phases, phase)
	if n.result == "" {
		return notify.ResultSent
	}
	return n.result
}

func TestNotificationsAtWarningAndExhaustion(t *testing.T) {
	capture := &captureNotifier{}
	table, err := policy.NewTable([]models.TierPolicy{
		{Tier: models.TierFree, DailyConversions: 5, MaxFileSizeBytes: 50 * testMB, StorageLimitBytes: 200 * testMB, ConcurrentUploads: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	l := New(store.NewMemoryStore(), table,
		WithLogger(quietLogger()),
		WithNotifier(capture),
		WithWarningRemaining(2),
	)
	user := freeUser("u1")

	for i := 0; i < 5; i++ {
		if err := l.RecordSuccess(user, Conversion{Tool: "a", Category: models.CategoryImage, InputBytes: 1}); err != nil {
			t.Fatalf("RecordSuccess %d: %v", i+1, err)
		}
	}

	// Conversions 4 and 5 leave 1 and 0 remaining; conversion 3 leaves 2.
	want := []notify.Phase{notify.PhaseWarning, notify.PhaseWarning, notify.PhaseExhausted}
	if len(capture.phases) != len(want) {
		t.Fatalf("phases = %v", capture.phases)
	}
	for i, phase := range want {
		if capture.phases[i] != phase {
			t.Errorf("phase[%d] = %s, want %s", i, capture.phases[i], phase)
		}
	}
}

func TestFailedNotificationDoesNotAffectRecording(t *testing.T) {
	capture := &captureNotifier{result: notify.ResultFailed}
	table, err := policy.NewTable([]models.TierPolicy{
		{Tier: models.TierFree, DailyConversions: 2, MaxFileSizeBytes: 50 * testMB, StorageLimitBytes: 200 * testMB, ConcurrentUploads: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemoryStore()
	l := New(mem, table, WithLogger(quietLogger()), WithNotifier(capture))
	user := freeUser("u1")

	for i := 0; i < 2; i++ {
		if err := l.RecordSuccess(user, Conversion{Tool: "a", Category: models.CategoryImage, InputBytes: 1}); err != nil {
			t.Fatalf("RecordSuccess: %v", err)
		}
	}

	if got := l.CheckQuota(user).Used; got != 2 {
		t.Errorf("used = %d despite failed notifications", got)
	}
}
