package models

import "time"

// WorkflowStep identifies which memorization stage a review session covers.
type WorkflowStep string

const (
	StepSabq   WorkflowStep = "SABQ"   // new lesson
	StepSabqi  WorkflowStep = "SABQI"  // yesterday's review
	StepManzil WorkflowStep = "MANZIL" // long-term review
)

// ValidWorkflowStep reports whether the step is one of the known stages.
func ValidWorkflowStep(step WorkflowStep) bool {
	switch step {
	case StepSabq, StepSabqi, StepManzil:
		return true
	}
	return false
}

// TicketStatus captures the review-session state machine.
type TicketStatus string

const (
	TicketStatusPending    TicketStatus = "PENDING"
	TicketStatusInProgress TicketStatus = "IN_PROGRESS"
	TicketStatusPaused     TicketStatus = "PAUSED"
	TicketStatusSubmitted  TicketStatus = "SUBMITTED"
	TicketStatusApproved   TicketStatus = "APPROVED"
	TicketStatusRejected   TicketStatus = "REJECTED"
	TicketStatusReassigned TicketStatus = "REASSIGNED"
	TicketStatusClosed     TicketStatus = "CLOSED"
)

// Terminal reports whether no further transitions are possible.
func (s TicketStatus) Terminal() bool {
	switch s {
	case TicketStatusApproved, TicketStatusRejected, TicketStatusClosed:
		return true
	}
	return false
}

// SessionActive reports whether the session working set is mutable.
func (s TicketStatus) SessionActive() bool {
	return s == TicketStatusInProgress || s == TicketStatusPaused
}

// AyahRange delimits the portion of the mushaf covered by a session.
// Once the session starts the range is locked for the life of the ticket.
type AyahRange struct {
	FromSurah int `json:"from_surah" validate:"required,min=1,max=114"`
	FromAyah  int `json:"from_ayah" validate:"required,min=1"`
	ToSurah   int `json:"to_surah" validate:"required,min=1,max=114"`
	ToAyah    int `json:"to_ayah" validate:"required,min=1"`
}

// IsZero reports whether no range has been recorded.
func (a AyahRange) IsZero() bool {
	return a == AyahRange{}
}

// MistakeEntry is a session-scoped mistake inside a ticket's working set.
// Entries are ephemeral and addressed by positional index until the session
// is finalized; durable identity lives in the personal mushaf.
type MistakeEntry struct {
	Type        string    `json:"type"`
	Category    string    `json:"category"`
	Timestamp   time.Time `json:"timestamp"`
	Page        int       `json:"page,omitempty"`
	Surah       int       `json:"surah,omitempty"`
	Ayah        int       `json:"ayah,omitempty"`
	WordIndex   int       `json:"word_index,omitempty"`
	LetterIndex int       `json:"letter_index,omitempty"`
	TajweedRule string    `json:"tajweed_rule,omitempty"`
}

// Ticket is one recitation-review session for a student.
type Ticket struct {
	ID           string       `db:"id" json:"id"`
	StudentID    string       `db:"student_id" json:"student_id"`
	TeacherID    *string      `db:"teacher_id" json:"teacher_id,omitempty"`
	AssignmentID *string      `db:"assignment_id" json:"assignment_id,omitempty"`
	WorkflowStep WorkflowStep `db:"workflow_step" json:"workflow_step"`
	Status       TicketStatus `db:"status" json:"status"`

	AyahRange   AyahRange      `db:"ayah_range" json:"ayah_range"`
	RangeLocked bool           `db:"range_locked" json:"range_locked"`
	Mistakes    MistakeEntries `db:"mistakes" json:"mistakes"`

	SessionNotes    string     `db:"session_notes" json:"session_notes"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`

	ReviewedBy  *string    `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewNotes string     `db:"review_notes" json:"review_notes"`

	// Reassignment audit trail. Populated on reassignment, never cleared.
	ReassignedFromTeacherID *string        `db:"reassigned_from_teacher_id" json:"reassigned_from_teacher_id,omitempty"`
	ReassignedFromName      *string        `db:"reassigned_from_name" json:"reassigned_from_name,omitempty"`
	ReassignedToTeacherID   *string        `db:"reassigned_to_teacher_id" json:"reassigned_to_teacher_id,omitempty"`
	ReassignedToName        *string        `db:"reassigned_to_name" json:"reassigned_to_name,omitempty"`
	ReassignmentReason      *string        `db:"reassignment_reason" json:"reassignment_reason,omitempty"`
	ReassignedAt            *time.Time     `db:"reassigned_at" json:"reassigned_at,omitempty"`
	PreviousTeacherComment  *string        `db:"previous_teacher_comment" json:"previous_teacher_comment,omitempty"`
	PreviousMistakes        MistakeEntries `db:"previous_mistakes" json:"previous_mistakes,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AssignedTo reports whether the ticket's session is owned by the given user.
func (t *Ticket) AssignedTo(userID string) bool {
	return t.TeacherID != nil && *t.TeacherID == userID
}

// TicketFilter constrains ticket listing queries.
type TicketFilter struct {
	StudentID    string
	TeacherID    string
	Status       []TicketStatus
	WorkflowStep WorkflowStep
	Limit        int
	Offset       int
}
