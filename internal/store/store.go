package store

import (
	"time"

	"github.com/cropio/usagegate/internal/models"
)

// PurgeResult reports how many rows a retention purge removed per table.
type PurgeResult struct {
	LedgerEntries int64 `json:"ledger_entries"`
	UsageRecords  int64 `json:"usage_records"`
}

// Stats returns row counts for observability.
type StoreStats struct {
	LedgerEntryCount int `json:"ledger_entry_count"`
	UsageRecordCount int `json:"usage_record_count"`
}

// Store is the persistence contract for the quota ledger and usage history.
// The (user, date) pair is unique for ledger entries; usage records are
// append-only. Counter updates MUST be atomic increments inside the store —
// callers never read-modify-write counters from application code.
type Store interface {
	// GetOrCreateEntry returns the ledger entry for (user, date), creating
	// a zeroed entry if none exists. Idempotent.
	GetOrCreateEntry(userID, date string) (*models.LedgerEntry, error)

	// EntryFor returns the ledger entry for (user, date) without creating it.
	EntryFor(userID, date string) (*models.LedgerEntry, bool)

	// RecordConversion atomically increments the day's conversion count,
	// category counter, and stored bytes, and appends the usage record —
	// all in one transaction. Either everything commits or nothing does.
	RecordConversion(userID, date string, category models.ToolCategory, bytes int64, rec *models.UsageRecord) error

	// AppendUsageRecord appends a history record without touching counters.
	// Used for failed conversion attempts.
	AppendUsageRecord(rec *models.UsageRecord) error

	// StorageUsed sums stored bytes across every ledger entry for the user,
	// not just today's.
	StorageUsed(userID string) (int64, error)

	// EntriesSince returns the user's ledger entries with date >= since,
	// newest first.
	EntriesSince(userID, since string) ([]*models.LedgerEntry, error)

	// RecordsSince returns the user's usage records at or after a point in
	// time, newest first.
	RecordsSince(userID string, since time.Time) ([]*models.UsageRecord, error)

	// PurgeOlderThan deletes ledger entries and usage records older than the
	// cutoff in batches of batchSize, without touching live rows.
	PurgeOlderThan(cutoff time.Time, batchSize int) (PurgeResult, error)

	// Stats returns row counts.
	Stats() StoreStats

	// Close releases the underlying resources.
	Close() error
}
