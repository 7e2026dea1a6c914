package ledger

import (
	"time"

	"github.com/cropio/usagegate/internal/errors"
	"github.com/cropio/usagegate/internal/logging"
	"github.com/cropio/usagegate/internal/metrics"
	"github.com/cropio/usagegate/internal/models"
	"github.com/cropio/usagegate/internal/notify"
	"github.com/cropio/usagegate/internal/policy"
	"github.com/cropio/usagegate/internal/store"
)

const bytesPerMB = float64(1 << 20)

// outputEstimateRatio is the fallback used when the output size of a
// conversion cannot be determined. It is a product heuristic, not a
// measurement; reports built on it are approximate.
const outputEstimateRatio = 0.8

// Ledger tracks per-user, per-day conversion counters and usage history
// against the tier policy table. All checks run before conversion work
// begins; all recording is best-effort relative to the conversion itself.
type Ledger struct {
	store            store.Store
	policies         *policy.Table
	notifier         notify.Notifier
	metrics          *metrics.Metrics
	logger           *logging.Logger
	exemptTier       func(models.Tier) bool
	warningRemaining int64
	now              func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets the usage-limit notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) {
		l.notifier = n
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithExemption sets the predicate for tiers exempt from file-size and
// storage checks.
func WithExemption(fn func(models.Tier) bool) Option {
	return func(l *Ledger) {
		l.exemptTier = fn
	}
}

// WithWarningRemaining sets the remaining-quota threshold that triggers a
// warning notification.
func WithWarningRemaining(n int64) Option {
	return func(l *Ledger) {
		l.warningRemaining = n
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a Ledger over a store and policy table.
func New(s store.Store, policies *policy.Table, opts ...Option) *Ledger {
	l := &Ledger{
		store:            s,
		policies:         policies,
		notifier:         notify.Nop{},
		logger:           logging.NewLogger(),
		exemptTier:       func(models.Tier) bool { return false },
		warningRemaining: 2,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// today returns the current UTC day key.
func (l *Ledger) today() string {
	return models.DayKey(l.now())
}

// GetOrCreateToday returns the user's ledger entry for today, creating a
// zeroed entry on the first request of the day.
func (l *Ledger) GetOrCreateToday(userID string) (*models.LedgerEntry, error) {
	return l.store.GetOrCreateEntry(userID, l.today())
}

// CheckQuota compares today's conversion count against the user's tier
// limit. Anonymous callers are always allowed; so are tiers with an
// unlimited policy. A store failure fails open: usage gating must not take
// down conversions that would otherwise succeed.
func (l *Ledger) CheckQuota(user *models.User) models.QuotaStatus {
	if user.IsAnonymous() {
		return models.QuotaStatus{Allowed: true, Limit: models.Unlimited, Remaining: models.Unlimited, Unlimited: true}
	}

	tier := user.EffectiveTier(l.now())
	pol := l.policies.Get(tier)
	if models.IsUnlimited(pol.DailyConversions) {
		return models.QuotaStatus{Allowed: true, Limit: models.Unlimited, Remaining: models.Unlimited, Unlimited: true}
	}

	entry, err := l.GetOrCreateToday(user.ID)
	if err != nil {
		l.logger.Error("quota check failed, allowing request",
			"user_id", user.ID,
			"error", err.Error(),
		)
		return models.QuotaStatus{Allowed: true, Limit: pol.DailyConversions, Remaining: pol.DailyConversions, Unlimited: false}
	}

	used := entry.Conversions
	remaining := pol.DailyConversions - used
	if remaining < 0 {
		remaining = 0
	}

	if l.metrics != nil && pol.DailyConversions > 0 {
		l.metrics.RecordQuotaUtilization(user.ID, string(tier), float64(used)/float64(pol.DailyConversions)*100)
	}

	return models.QuotaStatus{
		Allowed:   used < pol.DailyConversions,
		Limit:     pol.DailyConversions,
		Used:      used,
		Remaining: remaining,
	}
}

// EnsureQuota returns *errors.ErrQuotaExceeded when the user's daily quota
// is spent, mirroring CheckFileSize and CheckStorage. The error carries the
// limit and usage a rejection response needs.
func (l *Ledger) EnsureQuota(user *models.User) error {
	status := l.CheckQuota(user)
	if status.Allowed {
		return nil
	}
	return &errors.ErrQuotaExceeded{
		UserID: user.ID,
		Limit:  status.Limit,
		Used:   status.Used,
	}
}

// CheckFileSize verifies a single upload against the tier's per-file limit.
// Returns *errors.ErrFileSizeExceeded when over.
func (l *Ledger) CheckFileSize(user *models.User, sizeBytes int64) error {
	tier := user.EffectiveTier(l.now())
	if l.exemptTier(tier) {
		return nil
	}

	pol := l.policies.Get(tier)
	if models.IsUnlimited(pol.MaxFileSizeBytes) || sizeBytes <= pol.MaxFileSizeBytes {
		return nil
	}

	return &errors.ErrFileSizeExceeded{
		UserID:     user.ID,
		LimitMB:    roundMB(pol.MaxFileSizeBytes),
		FileSizeMB: roundMB(sizeBytes),
	}
}

// CheckStorage verifies that adding the given bytes keeps the user within
// the tier's storage cap. The check sums stored bytes across the user's
// entire ledger history, not just today. Returns *errors.ErrStorageExceeded
// when over; a store failure fails open.
func (l *Ledger) CheckStorage(user *models.User, additionalBytes int64) error {
	if user.IsAnonymous() {
		return nil
	}

	tier := user.EffectiveTier(l.now())
	if l.exemptTier(tier) {
		return nil
	}

	pol := l.policies.Get(tier)
	if models.IsUnlimited(pol.StorageLimitBytes) {
		return nil
	}

	used, err := l.store.StorageUsed(user.ID)
	if err != nil {
		l.logger.Error("storage check failed, allowing request",
			"user_id", user.ID,
			"error", err.Error(),
		)
		return nil
	}

	if used+additionalBytes <= pol.StorageLimitBytes {
		return nil
	}

	return &errors.ErrStorageExceeded{
		UserID:         user.ID,
		StorageLimitMB: roundMB(pol.StorageLimitBytes),
	}
}

// Conversion describes one conversion attempt for recording.
type Conversion struct {
	Tool         string
	Category     models.ToolCategory
	SourceFormat string
	TargetFormat string
	InputBytes   int64
	// OutputBytes is zero when the output size could not be determined;
	// recording then falls back to the 80%-of-input estimate.
	OutputBytes int64
}

// chargedBytes returns the bytes to add to the ledger for a conversion:
// the larger of input and output, estimating output when unknown.
func (c *Conversion) chargedBytes() int64 {
	output := c.OutputBytes
	if output <= 0 {
		output = int64(float64(c.InputBytes) * outputEstimateRatio)
	}
	if output > c.InputBytes {
		return output
	}
	return c.InputBytes
}

// RecordSuccess increments today's counters and appends a completed usage
// record in a single transaction. Low-quota notifications are fired
// best-effort afterwards; their outcome is logged, never propagated.
func (l *Ledger) RecordSuccess(user *models.User, conv Conversion) error {
	if user.IsAnonymous() {
		return nil
	}

	rec := models.NewUsageRecord(user.ID, conv.Tool, conv.Category)
	rec.SourceFormat = conv.SourceFormat
	rec.TargetFormat = conv.TargetFormat
	rec.Bytes = conv.chargedBytes()
	rec.Status = models.StatusCompleted
	rec.Timestamp = l.now().UTC()

	if err := l.store.RecordConversion(user.ID, l.today(), conv.Category, rec.Bytes, rec); err != nil {
		l.logger.Error("failed to record conversion",
			"user_id", user.ID,
			"tool", conv.Tool,
			"error", err.Error(),
		)
		return err
	}

	l.maybeNotify(user)
	return nil
}

// RecordFailure appends a failed usage record. Counters are untouched:
// failed conversions do not consume quota.
func (l *Ledger) RecordFailure(user *models.User, conv Conversion, errMsg string) error {
	if user.IsAnonymous() {
		return nil
	}

	rec := models.NewUsageRecord(user.ID, conv.Tool, conv.Category)
	rec.SourceFormat = conv.SourceFormat
	rec.TargetFormat = conv.TargetFormat
	rec.Bytes = conv.InputBytes
	rec.Status = models.StatusFailed
	rec.ErrorMessage = errMsg
	rec.Timestamp = l.now().UTC()

	if err := l.store.AppendUsageRecord(rec); err != nil {
		l.logger.Error("failed to record conversion failure",
			"user_id", user.ID,
			"tool", conv.Tool,
			"error", err.Error(),
		)
		return err
	}
	return nil
}

// maybeNotify fires a usage-limit notification when remaining quota is low.
// The notification is strictly best-effort: the result is logged and counted
// but a failed send never affects the ledger update that triggered it.
func (l *Ledger) maybeNotify(user *models.User) {
	status := l.CheckQuota(user)
	if status.Unlimited {
		return
	}

	var phase notify.Phase
	switch {
	case status.Remaining == 0:
		phase = notify.PhaseExhausted
	case status.Remaining <= l.warningRemaining:
		phase = notify.PhaseWarning
	default:
		return
	}

	result := l.notifier.NotifyUsageLimit(user, phase, status)
	if l.metrics != nil {
		l.metrics.RecordNotificationResult(string(phase), string(result))
	}
	if result == notify.ResultFailed {
		l.logger.Warn("usage limit notification failed",
			"user_id", user.ID,
			"phase", string(phase),
		)
	}
}

func roundMB(bytes int64) float64 {
	mb := float64(bytes) / bytesPerMB
	return float64(int64(mb*100+0.5)) / 100
}
