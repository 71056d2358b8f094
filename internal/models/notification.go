package models

import "time"

// NotificationKind enumerates workflow events fanned out to users.
type NotificationKind string

const (
	NotificationTicketSubmitted  NotificationKind = "TICKET_SUBMITTED"
	NotificationTicketApproved   NotificationKind = "TICKET_APPROVED"
	NotificationTicketRejected   NotificationKind = "TICKET_REJECTED"
	NotificationTicketReassigned NotificationKind = "TICKET_REASSIGNED"
)

// Notification is a persisted, per-user workflow event. Delivery is
// fire-and-forget: failures never roll back the transition that produced it.
type Notification struct {
	ID          string           `db:"id" json:"id"`
	RecipientID string           `db:"recipient_id" json:"recipient_id"`
	Kind        NotificationKind `db:"kind" json:"kind"`
	TicketID    *string          `db:"ticket_id" json:"ticket_id,omitempty"`
	Title       string           `db:"title" json:"title"`
	Body        string           `db:"body" json:"body"`
	Read        bool             `db:"read" json:"read"`
	ReadAt      *time.Time       `db:"read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

// NotificationFilter constrains notification listing.
type NotificationFilter struct {
	RecipientID string
	UnreadOnly  bool
	Limit       int
	Offset      int
}
