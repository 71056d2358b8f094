package models

import (
	"fmt"
	"strings"
	"time"
)

// MistakeKey is the semantic identity of a recitation mistake. Two marks with
// the same key are recurrences of one another, not distinct mistakes.
type MistakeKey struct {
	Type         string
	Category     string
	Page         int
	Surah        int
	Ayah         int
	WordIndex    int
	LetterIndex  int
	WorkflowStep WorkflowStep
}

// String renders the canonical fingerprint form of the key.
func (k MistakeKey) String() string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%d|%d|%s",
		k.Type, k.Category, k.Page, k.Surah, k.Ayah, k.WordIndex, k.LetterIndex, k.WorkflowStep)
}

// MushafMistake is one durable, deduplicated mistake record in a student's
// personal mushaf. Identity is the generated ID; grouping happens by
// fingerprint, which is recomputed and never stored verbatim.
type MushafMistake struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Category     string       `json:"category"`
	Page         int          `json:"page,omitempty"`
	Surah        int          `json:"surah,omitempty"`
	Ayah         int          `json:"ayah,omitempty"`
	WordIndex    int          `json:"word_index,omitempty"`
	LetterIndex  int          `json:"letter_index,omitempty"`
	WorkflowStep WorkflowStep `json:"workflow_step"`
	TajweedRule  string       `json:"tajweed_rule,omitempty"`

	FirstMarkedAt time.Time  `json:"first_marked_at"`
	LastMarkedAt  time.Time  `json:"last_marked_at"`
	RepeatCount   int        `json:"repeat_count"`
	Resolved      bool       `json:"resolved"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`

	MarkedBy     string  `json:"marked_by"`
	MarkedByName string  `json:"marked_by_name,omitempty"`
	TicketID     *string `json:"ticket_id,omitempty"`
}

// Fingerprint derives the mistake's grouping key. Type and category are
// normalised so "Madd" and "madd " mark the same mistake.
func (m *MushafMistake) Fingerprint() MistakeKey {
	return MistakeKey{
		Type:         normaliseTerm(m.Type),
		Category:     normaliseTerm(m.Category),
		Page:         m.Page,
		Surah:        m.Surah,
		Ayah:         m.Ayah,
		WordIndex:    m.WordIndex,
		LetterIndex:  m.LetterIndex,
		WorkflowStep: m.WorkflowStep,
	}
}

func normaliseTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// PersonalMushaf is the per-student aggregate of deduplicated mistakes.
// The whole mistake array is the unit of persistence; Version guards
// read-modify-write cycles against concurrent writers.
type PersonalMushaf struct {
	StudentID string         `db:"student_id" json:"student_id"`
	Mistakes  MushafMistakes `db:"mistakes" json:"mistakes"`
	Version   int64          `db:"version" json:"version"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// FindByFingerprint returns the record matching the key, or nil.
func (p *PersonalMushaf) FindByFingerprint(key MistakeKey) *MushafMistake {
	for i := range p.Mistakes {
		if p.Mistakes[i].Fingerprint() == key {
			return &p.Mistakes[i]
		}
	}
	return nil
}

// FindByID returns the record with the given identity, or nil.
func (p *PersonalMushaf) FindByID(id string) *MushafMistake {
	for i := range p.Mistakes {
		if p.Mistakes[i].ID == id {
			return &p.Mistakes[i]
		}
	}
	return nil
}

// RecencyBucket partitions ledger records by how recently they recurred.
type RecencyBucket string

const (
	RecencyToday      RecencyBucket = "TODAY"
	RecencyRecent     RecencyBucket = "RECENT"
	RecencyHistorical RecencyBucket = "HISTORICAL"
)

// ValidRecencyBucket reports whether the bucket name is known.
func ValidRecencyBucket(b RecencyBucket) bool {
	switch b {
	case RecencyToday, RecencyRecent, RecencyHistorical:
		return true
	}
	return false
}

// MushafFilter narrows ledger reads. Zero values mean "no constraint".
type MushafFilter struct {
	WorkflowStep WorkflowStep
	Recency      RecencyBucket
	Resolved     *bool
	SinceDays    int
}
