package store

import (
	"testing"

	"github.com/cropio/usagegate/internal/models"
)

func TestMemoryGetOrCreateEntryReturnsDetachedCopy(t *testing.T) {
	s := NewMemoryStore()

	entry, err := s.GetOrCreateEntry("u1", "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the returned entry must not reach the store.
	entry.Conversions = 99
	got, err := s.GetOrCreateEntry("u1", "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}
	if got.Conversions != 0 {
		t.Errorf("conversions = %d, want 0 after caller-side mutation", got.Conversions)
	}

	// Store-side mutations must not reach snapshots handed out earlier.
	rec := models.NewUsageRecord("u1", "image-convert", models.CategoryImage)
	rec.Status = models.StatusCompleted
	if err := s.RecordConversion("u1", "2026-08-31", models.CategoryImage, 100, rec); err != nil {
		t.Fatal(err)
	}
	if got.Conversions != 0 {
		t.Errorf("snapshot conversions = %d, want 0", got.Conversions)
	}

	fresh, err := s.GetOrCreateEntry("u1", "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Conversions != 1 || fresh.BytesStored != 100 {
		t.Errorf("entry = %+v", fresh)
	}
	if !fresh.CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("CreatedAt changed across calls: %s vs %s", fresh.CreatedAt, entry.CreatedAt)
	}
}
