package models

import (
	"time"

	"github.com/google/uuid"
)

// ToolCategory is the feature-category tag attached to every conversion
// request at dispatch time. Handlers declare their category explicitly
// instead of the gate guessing it from the tool name.
type ToolCategory string

const (
	CategoryImage    ToolCategory = "image"
	CategoryPDF      ToolCategory = "pdf"
	CategoryDocument ToolCategory = "document"
	CategoryVideo    ToolCategory = "video"
	CategoryWeb      ToolCategory = "web"
)

// IsValid reports whether the category is one of the recognized values.
func (c ToolCategory) IsValid() bool {
	switch c {
	case CategoryImage, CategoryPDF, CategoryDocument, CategoryVideo, CategoryWeb:
		return true
	}
	return false
}

// UsageStatus is the terminal status of a conversion attempt.
type UsageStatus string

const (
	StatusCompleted UsageStatus = "completed"
	StatusFailed    UsageStatus = "failed"
)

// UsageRecord is one immutable row of conversion history. Records are
// created once by the usage recorder and never updated; only the retention
// cleanup removes them.
type UsageRecord struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Timestamp    time.Time    `json:"timestamp"`
	Tool         string       `json:"tool"`
	Category     ToolCategory `json:"category"`
	SourceFormat string       `json:"source_format,omitempty"`
	TargetFormat string       `json:"target_format,omitempty"`
	Bytes        int64        `json:"bytes"`
	Status       UsageStatus  `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// NewUsageRecord creates a record with a fresh ID and timestamp.
func NewUsageRecord(userID, tool string, category ToolCategory) *UsageRecord {
	return &UsageRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Tool:      tool,
		Category:  category,
	}
}
