package dto

import (
	"time"

	"github.com/noah-isme/tahfidz-api/internal/models"
)

// CreateTicketRequest schedules a new pending review session. Used by the
// admin-side scheduler; sessions always enter the workflow as PENDING.
type CreateTicketRequest struct {
	StudentID    string              `json:"student_id" validate:"required"`
	WorkflowStep models.WorkflowStep `json:"workflow_step" validate:"required"`
	TeacherID    string              `json:"teacher_id,omitempty"`
	AssignmentID string              `json:"assignment_id,omitempty"`
}

// StartTicketRequest opens the listening session on a pending ticket.
type StartTicketRequest struct {
	AyahRange    *models.AyahRange `json:"ayah_range,omitempty"`
	AssignmentID string            `json:"assignment_id,omitempty"`
}

// AddMistakeRequest appends one mistake to the session working set.
type AddMistakeRequest struct {
	Type        string `json:"type" validate:"required"`
	Category    string `json:"category" validate:"required"`
	Page        int    `json:"page,omitempty"`
	Surah       int    `json:"surah,omitempty"`
	Ayah        int    `json:"ayah,omitempty"`
	WordIndex   int    `json:"word_index,omitempty"`
	LetterIndex int    `json:"letter_index,omitempty"`
	TajweedRule string `json:"tajweed_rule,omitempty"`
}

// SessionNotesRequest replaces the teacher's running session notes.
type SessionNotesRequest struct {
	Notes string `json:"notes"`
}

// ReviewTicketRequest carries the approver's decision notes.
type ReviewTicketRequest struct {
	Notes string `json:"notes"`
}

// ReassignTicketRequest moves the session to a different teacher.
type ReassignTicketRequest struct {
	NewTeacherID string `json:"new_teacher_id" validate:"required"`
	Reason       string `json:"reason,omitempty"`
}

// TicketQuery filters ticket listings.
type TicketQuery struct {
	StudentID    string
	TeacherID    string
	Status       []models.TicketStatus
	WorkflowStep models.WorkflowStep
	Limit        int
	Offset       int
}

// TicketView is the API shape of a ticket, enriched with advisory liveness.
type TicketView struct {
	models.Ticket
	// Stale is true when an in-progress session has not heartbeated within
	// the configured threshold. Informational only.
	Stale bool `json:"stale"`
}

// NewTicketView computes the stale flag against the given clock reading.
func NewTicketView(t models.Ticket, now time.Time, staleAfter time.Duration) TicketView {
	view := TicketView{Ticket: t}
	if t.Status == models.TicketStatusInProgress && t.LastHeartbeatAt != nil {
		view.Stale = now.Sub(*t.LastHeartbeatAt) > staleAfter
	}
	return view
}
