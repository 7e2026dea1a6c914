package models

import "time"

// DateFormat is the canonical day key for ledger entries (UTC).
const DateFormat = "2006-01-02"

// DayKey returns the ledger date key for a point in time.
func DayKey(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

// LedgerEntry holds one user's usage counters for one UTC day.
// Entries are created lazily on the first request of the day and mutated
// only through atomic increments in the store; counters never decrease.
type LedgerEntry struct {
	UserID        string    `json:"user_id"`
	Date          string    `json:"date"`
	Conversions   int64     `json:"conversions"`
	BytesStored   int64     `json:"bytes_stored"`
	ImageCount    int64     `json:"image_count"`
	PDFCount      int64     `json:"pdf_count"`
	DocumentCount int64     `json:"document_count"`
	VideoCount    int64     `json:"video_count"`
	WebCount      int64     `json:"web_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CategoryCount returns the counter for a category.
func (e *LedgerEntry) CategoryCount(c ToolCategory) int64 {
	switch c {
	case CategoryImage:
		return e.ImageCount
	case CategoryPDF:
		return e.PDFCount
	case CategoryDocument:
		return e.DocumentCount
	case CategoryVideo:
		return e.VideoCount
	case CategoryWeb:
		return e.WebCount
	}
	return 0
}

// QuotaStatus is the result of a daily quota check.
type QuotaStatus struct {
	Allowed   bool  `json:"allowed"`
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
	Unlimited bool  `json:"unlimited,omitempty"`
}
