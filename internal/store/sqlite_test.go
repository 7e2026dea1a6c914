package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cropio/usagegate/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(userID, tool string, category models.ToolCategory, ts time.Time) *models.UsageRecord {
	rec := models.NewUsageRecord(userID, tool, category)
	rec.Status = models.StatusCompleted
	rec.Timestamp = ts
	return rec
}

func TestGetOrCreateEntryIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)

	first, err := s.GetOrCreateEntry("u1", "2026-03-01")
	if err != nil {
		t.Fatalf("GetOrCreateEntry: %v", err)
	}
	if first.Conversions != 0 || first.BytesStored != 0 {
		t.Errorf("new entry should be zeroed: %+v", first)
	}

	second, err := s.GetOrCreateEntry("u1", "2026-03-01")
	if err != nil {
		t.Fatalf("GetOrCreateEntry again: %v", err)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Error("second call must not recreate the entry")
	}

	if s.Stats().LedgerEntryCount != 1 {
		t.Errorf("entry count = %d", s.Stats().LedgerEntryCount)
	}
}

func TestRecordConversionIncrementsAndAppends(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		rec := record("u1", "image-convert", models.CategoryImage, now)
		if err := s.RecordConversion("u1", "2026-03-01", models.CategoryImage, 100, rec); err != nil {
			t.Fatalf("RecordConversion: %v", err)
		}
	}
	rec := record("u1", "pdf-merge", models.CategoryPDF, now)
	if err := s.RecordConversion("u1", "2026-03-01", models.CategoryPDF, 50, rec); err != nil {
		t.Fatalf("RecordConversion: %v", err)
	}

	entry, ok := s.EntryFor("u1", "2026-03-01")
	if !ok {
		t.Fatal("entry should exist")
	}
	if entry.Conversions != 4 {
		t.Errorf("conversions = %d, want 4", entry.Conversions)
	}
	if entry.BytesStored != 350 {
		t.Errorf("bytes_stored = %d, want 350", entry.BytesStored)
	}
	if entry.ImageCount != 3 || entry.PDFCount != 1 {
		t.Errorf("category counters = %d image, %d pdf", entry.ImageCount, entry.PDFCount)
	}

	records, err := s.RecordsSince("u1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("RecordsSince: %v", err)
	}
	if len(records) != 4 {
		t.Errorf("records = %d, want 4", len(records))
	}
}

func TestRecordConversionConcurrent(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := record("u1", "image-convert", models.CategoryImage, now)
			if err := s.RecordConversion("u1", "2026-03-01", models.CategoryImage, 10, rec); err != nil {
				t.Errorf("RecordConversion: %v", err)
			}
		}()
	}
	wg.Wait()

	entry, ok := s.EntryFor("u1", "2026-03-01")
	if !ok {
		t.Fatal("entry should exist")
	}
	if entry.Conversions != n {
		t.Errorf("conversions = %d, want %d (lost increment)", entry.Conversions, n)
	}
	if entry.BytesStored != n*10 {
		t.Errorf("bytes_stored = %d, want %d", entry.BytesStored, n*10)
	}
}

func TestStorageUsedSpansDays(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()

	if used, err := s.StorageUsed("u1"); err != nil || used != 0 {
		t.Fatalf("empty StorageUsed = %d, %v", used, err)
	}

	s.RecordConversion("u1", "2026-02-28", models.CategoryImage, 100, record("u1", "a", models.CategoryImage, now))
	s.RecordConversion("u1", "2026-03-01", models.CategoryPDF, 200, record("u1", "b", models.CategoryPDF, now))
	s.RecordConversion("u2", "2026-03-01", models.CategoryPDF, 999, record("u2", "b", models.CategoryPDF, now))

	used, err := s.StorageUsed("u1")
	if err != nil {
		t.Fatalf("StorageUsed: %v", err)
	}
	if used != 300 {
		t.Errorf("storage used = %d, want 300", used)
	}
}

func TestEntriesSinceNewestFirst(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()

	for _, date := range []string{"2026-02-27", "2026-03-01", "2026-02-28"} {
		s.RecordConversion("u1", date, models.CategoryImage, 1, record("u1", "a", models.CategoryImage, now))
	}

	entries, err := s.EntriesSince("u1", "2026-02-28")
	if err != nil {
		t.Fatalf("EntriesSince: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Date != "2026-03-01" || entries[1].Date != "2026-02-28" {
		t.Errorf("order: %s, %s", entries[0].Date, entries[1].Date)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -100)

	s.RecordConversion("u1", models.DayKey(old), models.CategoryImage, 1, record("u1", "a", models.CategoryImage, old))
	s.RecordConversion("u1", models.DayKey(now), models.CategoryImage, 1, record("u1", "a", models.CategoryImage, now))

	// Tiny batch size forces the delete loop through several rounds.
	result, err := s.PurgeOlderThan(now.AddDate(0, 0, -90), 1)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if result.LedgerEntries != 1 {
		t.Errorf("ledger entries deleted = %d", result.LedgerEntries)
	}
	if result.UsageRecords != 1 {
		t.Errorf("usage records deleted = %d", result.UsageRecords)
	}

	if _, ok := s.EntryFor("u1", models.DayKey(now)); !ok {
		t.Error("live entry must survive purge")
	}
	if _, ok := s.EntryFor("u1", models.DayKey(old)); ok {
		t.Error("old entry should be gone")
	}
}
