package store

import (
	"sort"
	"sync"
	"time"

	"github.com/cropio/usagegate/internal/models"
)

// MemoryStore is an in-memory Store used by tests and single-shot tooling.
// It honors the same atomicity contract as SQLiteStore by holding its mutex
// across each whole operation.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*models.LedgerEntry // key: userID + "|" + date
	records []*models.UsageRecord

	// FailRecord forces RecordConversion/AppendUsageRecord to fail; tests
	// use it to verify tracking-failure isolation.
	FailRecord error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*models.LedgerEntry),
	}
}

func entryKey(userID, date string) string {
	return userID + "|" + date
}

// GetOrCreateEntry returns a copy of the ledger entry for (user, date),
// creating a zeroed entry if none exists. Internal entries never escape:
// callers must not observe later mutations.
func (s *MemoryStore) GetOrCreateEntry(userID, date string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.getOrCreateLocked(userID, date)
	return &copied, nil
}

func (s *MemoryStore) getOrCreateLocked(userID, date string) *models.LedgerEntry {
	key := entryKey(userID, date)
	if e, ok := s.entries[key]; ok {
		return e
	}
	now := time.Now().UTC()
	e := &models.LedgerEntry{
		UserID:    userID,
		Date:      date,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.entries[key] = e
	return e
}

// EntryFor returns a copy of the ledger entry for (user, date).
func (s *MemoryStore) EntryFor(userID, date string) (*models.LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryKey(userID, date)]
	if !ok {
		return nil, false
	}
	copied := *e
	return &copied, true
}

// RecordConversion increments counters and appends the record atomically.
func (s *MemoryStore) RecordConversion(userID, date string, category models.ToolCategory, bytes int64, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailRecord != nil {
		return s.FailRecord
	}

	e := s.getOrCreateLocked(userID, date)
	e.Conversions++
	e.BytesStored += bytes
	e.UpdatedAt = time.Now().UTC()
	switch category {
	case models.CategoryImage:
		e.ImageCount++
	case models.CategoryPDF:
		e.PDFCount++
	case models.CategoryDocument:
		e.DocumentCount++
	case models.CategoryVideo:
		e.VideoCount++
	case models.CategoryWeb:
		e.WebCount++
	}

	copied := *rec
	s.records = append(s.records, &copied)
	return nil
}

// AppendUsageRecord appends a history record without touching counters.
func (s *MemoryStore) AppendUsageRecord(rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailRecord != nil {
		return s.FailRecord
	}

	copied := *rec
	s.records = append(s.records, &copied)
	return nil
}

// StorageUsed sums stored bytes across all of the user's entries.
func (s *MemoryStore) StorageUsed(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, e := range s.entries {
		if e.UserID == userID {
			total += e.BytesStored
		}
	}
	return total, nil
}

// EntriesSince returns the user's ledger entries with date >= since, newest first.
func (s *MemoryStore) EntriesSince(userID, since string) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*models.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID && e.Date >= since {
			copied := *e
			entries = append(entries, &copied)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date > entries[j].Date
	})
	return entries, nil
}

// RecordsSince returns the user's usage records at or after since, newest first.
func (s *MemoryStore) RecordsSince(userID string, since time.Time) ([]*models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*models.UsageRecord
	for _, r := range s.records {
		if r.UserID == userID && !r.Timestamp.Before(since) {
			copied := *r
			records = append(records, &copied)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// PurgeOlderThan deletes entries and records older than the cutoff.
func (s *MemoryStore) PurgeOlderThan(cutoff time.Time, batchSize int) (PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffDate := models.DayKey(cutoff)
	var result PurgeResult

	for key, e := range s.entries {
		if e.Date < cutoffDate {
			delete(s.entries, key)
			result.LedgerEntries++
		}
	}

	kept := s.records[:0]
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			result.UsageRecords++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept

	return result, nil
}

// Records returns a copy of all records, oldest first. Test helper.
func (s *MemoryStore) Records() []*models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.UsageRecord, 0, len(s.records))
	for _, r := range s.records {
		copied := *r
		out = append(out, &copied)
	}
	return out
}

// Stats returns row counts for the store.
func (s *MemoryStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StoreStats{
		LedgerEntryCount: len(s.entries),
		UsageRecordCount: len(s.records),
	}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)
