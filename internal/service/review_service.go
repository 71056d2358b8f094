package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	"github.com/noah-isme/tahfidz-api/internal/repository"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
)

type reviewTicketStore interface {
	GetByID(ctx context.Context, id string) (*models.Ticket, error)
	SetStatus(ctx context.Context, id string, to models.TicketStatus, now time.Time, from ...models.TicketStatus) error
	Review(ctx context.Context, params repository.ReviewParams) error
	Reassign(ctx context.Context, params repository.ReassignParams) error
}

// reviewNotifier fans approval outcomes out to the affected teachers.
type reviewNotifier interface {
	TicketReviewed(ctx context.Context, ticket *models.Ticket)
	TicketReassigned(ctx context.Context, ticket *models.Ticket)
}

// ReviewService coordinates the second-reviewer decisions: approving,
// rejecting, reassigning and administratively closing submitted sessions,
// always preserving the outgoing teacher's work as audit history.
type ReviewService struct {
	repo     reviewTicketStore
	identity identityStore
	notifier reviewNotifier
	audit    auditLogger
	logger   *zap.Logger
	clock    Clock
}

// NewReviewService constructs the coordinator.
func NewReviewService(repo reviewTicketStore, identity identityStore, notifier reviewNotifier, audit auditLogger, logger *zap.Logger, clock Clock) *ReviewService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &ReviewService{
		repo:     repo,
		identity: identity,
		notifier: notifier,
		audit:    audit,
		logger:   logger,
		clock:    clock,
	}
}

// Approve accepts a submitted session.
func (s *ReviewService) Approve(ctx context.Context, id string, req dto.ReviewTicketRequest, actor *models.JWTClaims) (*models.Ticket, error) {
	return s.review(ctx, id, models.TicketStatusApproved, req.Notes, actor)
}

// Reject declines a submitted session.
func (s *ReviewService) Reject(ctx context.Context, id string, req dto.ReviewTicketRequest, actor *models.JWTClaims) (*models.Ticket, error) {
	return s.review(ctx, id, models.TicketStatusRejected, req.Notes, actor)
}

func (s *ReviewService) review(ctx context.Context, id string, decision models.TicketStatus, notes string, actor *models.JWTClaims) (*models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanApprove() {
		return nil, appErrors.ErrForbidden
	}
	now := s.clock.Now()
	params := repository.ReviewParams{
		ID:         id,
		Status:     decision,
		ReviewedBy: actor.UserID,
		Notes:      notes,
		Now:        now,
	}
	if err := s.repo.Review(ctx, params); err != nil {
		return nil, s.guardFailure(ctx, id, err, models.TicketStatusSubmitted)
	}
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actor, models.AuditActionTicketReview, ticket, map[string]interface{}{
		"decision": decision,
		"notes":    notes,
	})
	if s.notifier != nil {
		s.notifier.TicketReviewed(ctx, ticket)
	}
	return ticket, nil
}

// Reassign hands the session to a different teacher. The outgoing teacher's
// working set and notes are captured into the audit fields in the same
// statement that clears them, so the handover is all-or-nothing and the prior
// work is never lost.
func (s *ReviewService) Reassign(ctx context.Context, id string, req dto.ReassignTicketRequest, actor *models.JWTClaims) (*models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanApprove() {
		return nil, appErrors.ErrForbidden
	}
	if req.NewTeacherID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "new teacher id is required")
	}

	newTeacher, err := s.identity.FindByID(ctx, req.NewTeacherID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "new teacher not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve new teacher")
	}
	if newTeacher.Role != models.RoleTeacher || !newTeacher.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "new assignee must be an active teacher")
	}

	before, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	fromName := ""
	if before.TeacherID != nil {
		if outgoing, err := s.identity.FindByID(ctx, *before.TeacherID); err == nil {
			fromName = outgoing.FullName
		}
	}

	var reason *string
	if req.Reason != "" {
		r := req.Reason
		reason = &r
	}
	params := repository.ReassignParams{
		ID:              id,
		NewTeacherID:    newTeacher.ID,
		NewTeacherName:  newTeacher.FullName,
		FromTeacherName: fromName,
		Reason:          reason,
		Now:             s.clock.Now(),
	}
	reassignable := []models.TicketStatus{
		models.TicketStatusInProgress,
		models.TicketStatusPaused,
		models.TicketStatusSubmitted,
	}
	if err := s.repo.Reassign(ctx, params); err != nil {
		return nil, s.guardFailure(ctx, id, err, reassignable...)
	}
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actor, models.AuditActionTicketReassign, ticket, map[string]interface{}{
		"from_teacher_id": before.TeacherID,
		"to_teacher_id":   newTeacher.ID,
		"reason":          req.Reason,
	})
	if s.notifier != nil {
		s.notifier.TicketReassigned(ctx, ticket)
	}
	return ticket, nil
}

// nonTerminalStatuses are every status Close may leave from.
var nonTerminalStatuses = []models.TicketStatus{
	models.TicketStatusPending,
	models.TicketStatusInProgress,
	models.TicketStatusPaused,
	models.TicketStatusSubmitted,
	models.TicketStatusReassigned,
}

// Close is the administrative escape hatch: it terminates a ticket from any
// non-terminal state.
func (s *ReviewService) Close(ctx context.Context, id string, actor *models.JWTClaims) (*models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanApprove() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.repo.SetStatus(ctx, id, models.TicketStatusClosed, s.clock.Now(), nonTerminalStatuses...); err != nil {
		return nil, s.guardFailure(ctx, id, err, nonTerminalStatuses...)
	}
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actor, models.AuditActionTicketClose, ticket, nil)
	return ticket, nil
}

func (s *ReviewService) fetch(ctx context.Context, id string) (*models.Ticket, error) {
	ticket, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "ticket not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ticket")
	}
	return ticket, nil
}

func (s *ReviewService) guardFailure(ctx context.Context, id string, err error, wanted ...models.TicketStatus) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update ticket")
	}
	ticket, fetchErr := s.repo.GetByID(ctx, id)
	if fetchErr != nil {
		return appErrors.Clone(appErrors.ErrNotFound, "ticket not found")
	}
	return invalidStateError(ticket.Status, wanted)
}

func (s *ReviewService) emitAudit(ctx context.Context, actor *models.JWTClaims, action string, ticket *models.Ticket, detail map[string]interface{}) {
	if s.audit == nil {
		return
	}
	var payload []byte
	if detail != nil {
		payload, _ = json.Marshal(detail)
	}
	userID := actor.UserID
	log := &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "ticket",
		ResourceID: &ticket.ID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "review-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
