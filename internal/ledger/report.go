package ledger

import (
	"sort"
	"time"

	"github.com/cropio/usagegate/internal/models"
)

// Report is an aggregate usage summary for one user. Read-only; building a
// report has no side effects on the ledger.
type Report struct {
	UserID           string      `json:"user_id"`
	Days             int         `json:"days"`
	GeneratedAt      time.Time   `json:"generated_at"`
	TotalConversions int64       `json:"total_conversions"`
	TotalFailed      int64       `json:"total_failed"`
	TotalBytes       int64       `json:"total_bytes"`
	// BytesEstimated flags that some byte totals include the output-size
	// estimate rather than measured values.
	BytesEstimated bool        `json:"bytes_estimated"`
	PerDay         []DayUsage  `json:"per_day"`
	TopTools       []ToolUsage `json:"top_tools"`
}

// DayUsage is one day's slice of the report.
type DayUsage struct {
	Date        string `json:"date"`
	Conversions int64  `json:"conversions"`
	Bytes       int64  `json:"bytes"`
	Images      int64  `json:"images"`
	PDFs        int64  `json:"pdfs"`
	Documents   int64  `json:"documents"`
	Videos      int64  `json:"videos"`
	Web         int64  `json:"web"`
}

// ToolUsage is one tool's aggregate in the report.
type ToolUsage struct {
	Tool  string `json:"tool"`
	Count int64  `json:"count"`
}

// topToolsLimit caps how many tools a report lists.
const topToolsLimit = 10

// Report builds a usage summary over the trailing number of days.
func (l *Ledger) Report(userID string, days int) (*Report, error) {
	if days <= 0 {
		days = 30
	}

	now := l.now()
	since := now.AddDate(0, 0, -days)

	entries, err := l.store.EntriesSince(userID, models.DayKey(since))
	if err != nil {
		return nil, err
	}
	records, err := l.store.RecordsSince(userID, since)
	if err != nil {
		return nil, err
	}

	report := &Report{
		UserID:      userID,
		Days:        days,
		GeneratedAt: now.UTC(),
		// Byte counters may include the 80%-of-input output estimate.
		BytesEstimated: true,
	}

	for _, e := range entries {
		report.TotalConversions += e.Conversions
		report.TotalBytes += e.BytesStored
		report.PerDay = append(report.PerDay, DayUsage{
			Date:        e.Date,
			Conversions: e.Conversions,
			Bytes:       e.BytesStored,
			Images:      e.ImageCount,
			PDFs:        e.PDFCount,
			Documents:   e.DocumentCount,
			Videos:      e.VideoCount,
			Web:         e.WebCount,
		})
	}

	toolCounts := make(map[string]int64)
	for _, r := range records {
		if r.Status == models.StatusFailed {
			report.TotalFailed++
			continue
		}
		toolCounts[r.Tool]++
	}

	for tool, count := range toolCounts {
		report.TopTools = append(report.TopTools, ToolUsage{Tool: tool, Count: count})
	}
	sort.Slice(report.TopTools, func(i, j int) bool {
		if report.TopTools[i].Count != report.TopTools[j].Count {
			return report.TopTools[i].Count > report.TopTools[j].Count
		}
		return report.TopTools[i].Tool < report.TopTools[j].Tool
	})
	if len(report.TopTools) > topToolsLimit {
		report.TopTools = report.TopTools[:topToolsLimit]
	}

	return report, nil
}
