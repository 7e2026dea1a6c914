package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/cropio/usagegate/internal/logging"
	"github.com/cropio/usagegate/internal/metrics"
	"github.com/cropio/usagegate/internal/store"
)

// Manager periodically purges ledger entries and usage records older than
// the retention window. One run deletes in batches so a large backlog
// never holds a long write transaction.
type Manager struct {
	store     store.Store
	logger    *logging.Logger
	metrics   *metrics.Metrics
	retention time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time

	mu       sync.Mutex
	lastRun  time.Time
	lastStat store.PurgeResult

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(mgr *Manager) {
		mgr.logger = logger
	}
}

// WithBatchSize sets how many rows one delete statement removes.
func WithBatchSize(n int) Option {
	return func(mgr *Manager) {
		if n > 0 {
			mgr.batchSize = n
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) {
		mgr.now = now
	}
}

// NewManager creates a cleanup Manager. Retention is how old data must be
// before it is purged; interval is how often the background loop runs.
func NewManager(s store.Store, retention, interval time.Duration, opts ...Option) *Manager {
	mgr := &Manager{
		store:     s,
		logger:    logging.NewLogger(),
		retention: retention,
		interval:  interval,
		batchSize: 1000,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Start launches the background cleanup loop. The loop stops when ctx is
// cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				if _, err := m.RunCleanup(); err != nil {
					m.logger.Error("scheduled cleanup failed", "error", err.Error())
				}
			}
		}
	}()
}

// Stop terminates the background loop and waits for an in-flight run.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

// RunCleanup purges rows older than the retention window once and returns
// how many were removed from each table. Safe to call concurrently with
// the background loop.
func (m *Manager) RunCleanup() (store.PurgeResult, error) {
	cutoff := m.now().Add(-m.retention)

	start := m.now()
	result, err := m.store.PurgeOlderThan(cutoff, m.batchSize)
	if err != nil {
		return result, err
	}

	m.mu.Lock()
	m.lastRun = m.now()
	m.lastStat = result
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordCleanupDeletions("ledger_entries", result.LedgerEntries)
		m.metrics.RecordCleanupDeletions("usage_records", result.UsageRecords)
	}
	m.logger.Info("retention cleanup completed",
		"ledger_entries_deleted", result.LedgerEntries,
		"usage_records_deleted", result.UsageRecords,
		"cutoff", cutoff.UTC().Format(time.RFC3339),
		"duration_ms", m.now().Sub(start).Milliseconds(),
	)
	return result, nil
}

// LastRun returns when cleanup last completed and what it deleted.
func (m *Manager) LastRun() (time.Time, store.PurgeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun, m.lastStat
}
