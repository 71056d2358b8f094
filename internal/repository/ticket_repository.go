package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tahfidz-api/internal/models"
)

const ticketColumns = `id, student_id, teacher_id, assignment_id, workflow_step, status,
       ayah_range, range_locked, mistakes, session_notes, started_at, last_heartbeat_at,
       reviewed_by, reviewed_at, review_notes,
       reassigned_from_teacher_id, reassigned_from_name, reassigned_to_teacher_id, reassigned_to_name,
       reassignment_reason, reassigned_at, previous_teacher_comment, previous_mistakes,
       created_at, updated_at`

// TicketRepository persists review-session tickets. Every state transition is
// a conditional UPDATE guarded on the current status; zero rows affected
// means the guard failed and callers re-read to find out why.
type TicketRepository struct {
	db *sqlx.DB
}

// NewTicketRepository constructs the repository.
func NewTicketRepository(db *sqlx.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// Create inserts a new pending ticket.
func (r *TicketRepository) Create(ctx context.Context, ticket *models.Ticket) error {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if ticket.Status == "" {
		ticket.Status = models.TicketStatusPending
	}
	now := time.Now().UTC()
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	ticket.UpdatedAt = now
	const query = `INSERT INTO tickets
	(id, student_id, teacher_id, assignment_id, workflow_step, status, ayah_range, range_locked,
	 mistakes, session_notes, started_at, last_heartbeat_at, reviewed_by, reviewed_at, review_notes,
	 reassigned_from_teacher_id, reassigned_from_name, reassigned_to_teacher_id, reassigned_to_name,
	 reassignment_reason, reassigned_at, previous_teacher_comment, previous_mistakes, created_at, updated_at)
	VALUES (:id, :student_id, :teacher_id, :assignment_id, :workflow_step, :status, :ayah_range, :range_locked,
	 :mistakes, :session_notes, :started_at, :last_heartbeat_at, :reviewed_by, :reviewed_at, :review_notes,
	 :reassigned_from_teacher_id, :reassigned_from_name, :reassigned_to_teacher_id, :reassigned_to_name,
	 :reassignment_reason, :reassigned_at, :previous_teacher_comment, :previous_mistakes, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, ticket); err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

// GetByID fetches a ticket by identifier.
func (r *TicketRepository) GetByID(ctx context.Context, id string) (*models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	var ticket models.Ticket
	if err := r.db.GetContext(ctx, &ticket, query, id); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// List returns tickets matching the filter, latest first.
func (r *TicketRepository) List(ctx context.Context, filter models.TicketFilter) ([]models.Ticket, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 6)
	builder.WriteString(`SELECT ` + ticketColumns + ` FROM tickets`)

	conditions := make([]string, 0, 4)
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.TeacherID != "" {
		args = append(args, filter.TeacherID)
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)))
	}
	if filter.WorkflowStep != "" {
		args = append(args, filter.WorkflowStep)
		conditions = append(conditions, fmt.Sprintf("workflow_step = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var tickets []models.Ticket
	if err := r.db.SelectContext(ctx, &tickets, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return tickets, nil
}

// StartSessionParams opens the listening session.
type StartSessionParams struct {
	ID           string
	TeacherID    *string
	AyahRange    models.AyahRange
	StoreRange   bool
	AssignmentID *string
	Now          time.Time
	FromStatuses []models.TicketStatus
}

// StartSession transitions the ticket into IN_PROGRESS and locks the range.
func (r *TicketRepository) StartSession(ctx context.Context, params StartSessionParams) error {
	setParts := []string{
		"status = :status",
		"teacher_id = :teacher_id",
		"started_at = :now",
		"last_heartbeat_at = :now",
		"range_locked = TRUE",
		"updated_at = :now",
	}
	if params.StoreRange {
		setParts = append(setParts, "ayah_range = :ayah_range")
	}
	if params.AssignmentID != nil {
		setParts = append(setParts, "assignment_id = :assignment_id")
	}
	query := fmt.Sprintf("UPDATE tickets SET %s WHERE id = :id AND status IN (%s)",
		strings.Join(setParts, ", "), statusLiterals(params.FromStatuses))
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":            params.ID,
		"status":        models.TicketStatusInProgress,
		"teacher_id":    params.TeacherID,
		"ayah_range":    params.AyahRange,
		"assignment_id": params.AssignmentID,
		"now":           params.Now,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return requireRow(result)
}

// Heartbeat refreshes the advisory liveness timestamp of an active session.
func (r *TicketRepository) Heartbeat(ctx context.Context, id string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE tickets SET last_heartbeat_at = $2, updated_at = $2 WHERE id = $1 AND status = '%s'`,
		models.TicketStatusInProgress)
	result, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("heartbeat ticket: %w", err)
	}
	return requireRow(result)
}

// SetStatus moves the ticket to the target status when the guard holds.
func (r *TicketRepository) SetStatus(ctx context.Context, id string, to models.TicketStatus, now time.Time, from ...models.TicketStatus) error {
	query := fmt.Sprintf("UPDATE tickets SET status = $2, updated_at = $3 WHERE id = $1 AND status IN (%s)",
		statusLiterals(from))
	result, err := r.db.ExecContext(ctx, query, id, to, now)
	if err != nil {
		return fmt.Errorf("set ticket status: %w", err)
	}
	return requireRow(result)
}

// UpdateWorkingSet replaces the session mistake list while the session is
// active. The expected statuses guard against late writes into a finalized
// session.
func (r *TicketRepository) UpdateWorkingSet(ctx context.Context, id string, mistakes models.MistakeEntries, now time.Time, from ...models.TicketStatus) error {
	query := fmt.Sprintf("UPDATE tickets SET mistakes = $2, updated_at = $3 WHERE id = $1 AND status IN (%s)",
		statusLiterals(from))
	result, err := r.db.ExecContext(ctx, query, id, mistakes, now)
	if err != nil {
		return fmt.Errorf("update working set: %w", err)
	}
	return requireRow(result)
}

// UpdateSessionNotes replaces the teacher's running notes on an active session.
func (r *TicketRepository) UpdateSessionNotes(ctx context.Context, id, notes string, now time.Time, from ...models.TicketStatus) error {
	query := fmt.Sprintf("UPDATE tickets SET session_notes = $2, updated_at = $3 WHERE id = $1 AND status IN (%s)",
		statusLiterals(from))
	result, err := r.db.ExecContext(ctx, query, id, notes, now)
	if err != nil {
		return fmt.Errorf("update session notes: %w", err)
	}
	return requireRow(result)
}

// ReviewParams records an approval decision.
type ReviewParams struct {
	ID         string
	Status     models.TicketStatus
	ReviewedBy string
	Notes      string
	Now        time.Time
}

// Review finalizes a submitted ticket as approved or rejected.
func (r *TicketRepository) Review(ctx context.Context, params ReviewParams) error {
	query := fmt.Sprintf(`UPDATE tickets SET status = $2, reviewed_by = $3, reviewed_at = $4, review_notes = $5, updated_at = $4
	WHERE id = $1 AND status = '%s'`, models.TicketStatusSubmitted)
	result, err := r.db.ExecContext(ctx, query, params.ID, params.Status, params.ReviewedBy, params.Now, params.Notes)
	if err != nil {
		return fmt.Errorf("review ticket: %w", err)
	}
	return requireRow(result)
}

// ReassignParams moves the session to another teacher.
type ReassignParams struct {
	ID              string
	NewTeacherID    string
	NewTeacherName  string
	FromTeacherName string
	Reason          *string
	Now             time.Time
}

// Reassign captures the outgoing teacher's work into the audit columns and
// hands the ticket to the new teacher in a single statement, so the capture
// and the clear can never be observed half-applied.
func (r *TicketRepository) Reassign(ctx context.Context, params ReassignParams) error {
	query := fmt.Sprintf(`UPDATE tickets SET
		previous_mistakes = mistakes,
		previous_teacher_comment = session_notes,
		reassigned_from_teacher_id = teacher_id,
		reassigned_from_name = :from_name,
		teacher_id = :new_teacher_id,
		reassigned_to_teacher_id = :new_teacher_id,
		reassigned_to_name = :new_teacher_name,
		reassignment_reason = :reason,
		reassigned_at = :now,
		status = :status,
		session_notes = '',
		mistakes = '[]',
		updated_at = :now
	WHERE id = :id AND status IN (%s)`,
		statusLiterals([]models.TicketStatus{
			models.TicketStatusInProgress,
			models.TicketStatusPaused,
			models.TicketStatusSubmitted,
		}))
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":               params.ID,
		"from_name":        params.FromTeacherName,
		"new_teacher_id":   params.NewTeacherID,
		"new_teacher_name": params.NewTeacherName,
		"reason":           params.Reason,
		"status":           models.TicketStatusReassigned,
		"now":              params.Now,
	})
	if err != nil {
		return fmt.Errorf("reassign ticket: %w", err)
	}
	return requireRow(result)
}

func statusLiterals(statuses []models.TicketStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("'%s'", s)
	}
	return strings.Join(parts, ",")
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check affected rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
