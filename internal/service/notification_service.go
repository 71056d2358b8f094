package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
	"github.com/noah-isme/tahfidz-api/pkg/jobs"
)

type notificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error)
	MarkRead(ctx context.Context, id, recipientID string, now time.Time) error
	ListApprovers(ctx context.Context) ([]models.User, error)
}

// NotificationService implements the workflow's fire-and-forget event fanout.
// Events are pushed onto an in-process queue and persisted by workers;
// a failed delivery is retried by the queue and never affects the workflow
// transition that raised it.
type NotificationService struct {
	repo   notificationStore
	queue  *jobs.Queue
	logger *zap.Logger
	clock  Clock
}

// NewNotificationService constructs the service. Start must be called before
// events are dispatched.
func NewNotificationService(repo notificationStore, logger *zap.Logger, clock Clock, cfg jobs.QueueConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock()
	}
	s := &NotificationService{repo: repo, logger: logger, clock: clock}
	cfg.Logger = logger
	s.queue = jobs.NewQueue("notifications", s.deliver, cfg)
	return s
}

// Start launches the dispatch workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the dispatch workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// TicketSubmitted notifies the approver pool that a session awaits review.
func (s *NotificationService) TicketSubmitted(ctx context.Context, ticket *models.Ticket) {
	approvers, err := s.repo.ListApprovers(ctx)
	if err != nil {
		s.logger.Warn("failed to resolve approver pool", zap.Error(err))
		return
	}
	title := fmt.Sprintf("%s session submitted", ticket.WorkflowStep)
	body := fmt.Sprintf("A %s review session for student %s awaits approval.", ticket.WorkflowStep, ticket.StudentID)
	for _, approver := range approvers {
		s.dispatch(ticket, approver.ID, models.NotificationTicketSubmitted, title, body)
	}
}

// TicketReviewed notifies the assigned teacher of the approval outcome.
func (s *NotificationService) TicketReviewed(ctx context.Context, ticket *models.Ticket) {
	if ticket.TeacherID == nil {
		return
	}
	kind := models.NotificationTicketApproved
	title := "Session approved"
	if ticket.Status == models.TicketStatusRejected {
		kind = models.NotificationTicketRejected
		title = "Session rejected"
	}
	body := fmt.Sprintf("Your %s session for student %s was %s.", ticket.WorkflowStep, ticket.StudentID, ticket.Status)
	s.dispatch(ticket, *ticket.TeacherID, kind, title, body)
}

// TicketReassigned notifies the incoming teacher of the handover.
func (s *NotificationService) TicketReassigned(ctx context.Context, ticket *models.Ticket) {
	if ticket.ReassignedToTeacherID == nil {
		return
	}
	body := fmt.Sprintf("A %s session for student %s was reassigned to you.", ticket.WorkflowStep, ticket.StudentID)
	s.dispatch(ticket, *ticket.ReassignedToTeacherID, models.NotificationTicketReassigned, "Session reassigned to you", body)
}

func (s *NotificationService) dispatch(ticket *models.Ticket, recipientID string, kind models.NotificationKind, title, body string) {
	ticketID := ticket.ID
	notification := models.Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Kind:        kind,
		TicketID:    &ticketID,
		Title:       title,
		Body:        body,
		CreatedAt:   s.clock.Now(),
	}
	err := s.queue.Enqueue(jobs.Job{
		ID:      notification.ID,
		Type:    string(kind),
		Payload: notification,
	})
	if err != nil {
		s.logger.Warn("failed to enqueue notification",
			zap.String("kind", string(kind)), zap.String("recipient", recipientID), zap.Error(err))
	}
}

func (s *NotificationService) deliver(ctx context.Context, job jobs.Job) error {
	notification, ok := job.Payload.(models.Notification)
	if !ok {
		s.logger.Error("dropping notification job with unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	return s.repo.Create(ctx, &notification)
}

// List returns the actor's notification feed.
func (s *NotificationService) List(ctx context.Context, query dto.NotificationQuery, actor *models.JWTClaims) ([]models.Notification, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	notifications, err := s.repo.List(ctx, models.NotificationFilter{
		RecipientID: actor.UserID,
		UnreadOnly:  query.UnreadOnly,
		Limit:       query.Limit,
		Offset:      query.Offset,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list notifications")
	}
	return notifications, nil
}

// MarkRead flags one of the actor's notifications as read.
func (s *NotificationService) MarkRead(ctx context.Context, id string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if err := s.repo.MarkRead(ctx, id, actor.UserID, s.clock.Now()); err != nil {
		return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
	}
	return nil
}
