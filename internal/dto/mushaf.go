package dto

import (
	"time"

	"github.com/noah-isme/tahfidz-api/internal/models"
)

// AddLedgerMistakeRequest records a mistake directly on a student's
// personal mushaf, outside any ticket session.
type AddLedgerMistakeRequest struct {
	Type         string              `json:"type" validate:"required"`
	Category     string              `json:"category" validate:"required"`
	Page         int                 `json:"page,omitempty"`
	Surah        int                 `json:"surah,omitempty"`
	Ayah         int                 `json:"ayah,omitempty"`
	WordIndex    int                 `json:"word_index,omitempty"`
	LetterIndex  int                 `json:"letter_index,omitempty"`
	WorkflowStep models.WorkflowStep `json:"workflow_step" validate:"required"`
	TajweedRule  string              `json:"tajweed_rule,omitempty"`
}

// LedgerView is the API shape of a student's personal mushaf.
type LedgerView struct {
	StudentID string                 `json:"student_id"`
	Mistakes  []models.MushafMistake `json:"mistakes"`
	Total     int                    `json:"total"`
}

// MistakeStatistics aggregates a ledger snapshot for charting.
type MistakeStatistics struct {
	Total           int              `json:"total"`
	ByWorkflowStep  map[string]int   `json:"by_workflow_step"`
	ByCategory      map[string]int   `json:"by_category"`
	ByType          map[string]int   `json:"by_type"`
	Resolved        int              `json:"resolved"`
	Unresolved      int              `json:"unresolved"`
	RepeatOffenders int              `json:"repeat_offenders"`
	MostCommonTypes []TypeFrequency  `json:"most_common_types"`
	Trend           []TrendPoint     `json:"trend"`
}

// TypeFrequency pairs a mistake type with its occurrence count.
type TypeFrequency struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// TrendPoint is one day's mistake activity.
type TrendPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// ExportLedgerRequest selects the export format.
type ExportLedgerRequest struct {
	Format string `json:"format" validate:"required,oneof=csv pdf"`
}

// ExportLedgerResponse hands back a signed download link.
type ExportLedgerResponse struct {
	URL       string    `json:"url"`
	Format    string    `json:"format"`
	ExpiresAt time.Time `json:"expires_at"`
}
