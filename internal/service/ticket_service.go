package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	"github.com/noah-isme/tahfidz-api/internal/repository"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
)

type ticketStore interface {
	Create(ctx context.Context, ticket *models.Ticket) error
	GetByID(ctx context.Context, id string) (*models.Ticket, error)
	List(ctx context.Context, filter models.TicketFilter) ([]models.Ticket, error)
	StartSession(ctx context.Context, params repository.StartSessionParams) error
	Heartbeat(ctx context.Context, id string, now time.Time) error
	SetStatus(ctx context.Context, id string, to models.TicketStatus, now time.Time, from ...models.TicketStatus) error
	UpdateWorkingSet(ctx context.Context, id string, mistakes models.MistakeEntries, now time.Time, from ...models.TicketStatus) error
	UpdateSessionNotes(ctx context.Context, id, notes string, now time.Time, from ...models.TicketStatus) error
}

type identityStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// ledgerRecorder folds session mistakes into the student's personal mushaf.
type ledgerRecorder interface {
	Record(ctx context.Context, studentID string, candidate models.MushafMistake) (*models.MushafMistake, error)
}

// sessionNotifier fans workflow events out to interested users.
// Implementations must be fire-and-forget; errors never propagate here.
type sessionNotifier interface {
	TicketSubmitted(ctx context.Context, ticket *models.Ticket)
}

// TicketService runs the review-session state machine: opening, pausing and
// resuming listening sessions, mutating the session working set, and handing
// finished sessions to the approval queue. Every transition guard is checked
// before any mutation; a failed guard leaves the ticket untouched.
type TicketService struct {
	repo      ticketStore
	identity  identityStore
	ledger    ledgerRecorder
	notifier  sessionNotifier
	audit     auditLogger
	validator *validator.Validate
	logger    *zap.Logger
	clock     Clock
}

// NewTicketService constructs the workflow engine.
func NewTicketService(repo ticketStore, identity identityStore, ledger ledgerRecorder, notifier sessionNotifier, audit auditLogger, validate *validator.Validate, logger *zap.Logger, clock Clock) *TicketService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &TicketService{
		repo:      repo,
		identity:  identity,
		ledger:    ledger,
		notifier:  notifier,
		audit:     audit,
		validator: validate,
		logger:    logger,
		clock:     clock,
	}
}

// Create schedules a new pending session. This is the entry point used by the
// scheduling side; tickets always begin life as PENDING.
func (s *TicketService) Create(ctx context.Context, req dto.CreateTicketRequest, actor *models.JWTClaims) (*models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanApprove() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid ticket payload")
	}
	if !models.ValidWorkflowStep(req.WorkflowStep) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown workflow step")
	}
	student, err := s.identity.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve student")
	}
	if student.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrValidation, "ticket target must be a student")
	}

	ticket := &models.Ticket{
		StudentID:    req.StudentID,
		WorkflowStep: req.WorkflowStep,
		Status:       models.TicketStatusPending,
		Mistakes:     models.MistakeEntries{},
	}
	if req.TeacherID != "" {
		teacher := req.TeacherID
		ticket.TeacherID = &teacher
	}
	if req.AssignmentID != "" {
		assignment := req.AssignmentID
		ticket.AssignmentID = &assignment
	}
	if err := s.repo.Create(ctx, ticket); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create ticket")
	}
	s.emitAudit(ctx, actor, models.AuditActionTicketCreate, ticket.ID, nil)
	return ticket, nil
}

// Get loads a single ticket.
func (s *TicketService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleStudent && ticket.StudentID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return ticket, nil
}

// List returns tickets visible to the actor.
func (s *TicketService) List(ctx context.Context, query dto.TicketQuery, actor *models.JWTClaims) ([]models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.TicketFilter{
		StudentID:    query.StudentID,
		TeacherID:    query.TeacherID,
		Status:       query.Status,
		WorkflowStep: query.WorkflowStep,
		Limit:        query.Limit,
		Offset:       query.Offset,
	}
	switch actor.Role {
	case models.RoleSuperAdmin, models.RoleAdmin:
	case models.RoleTeacher:
		filter.TeacherID = actor.UserID
	case models.RoleStudent:
		filter.StudentID = actor.UserID
	default:
		return nil, appErrors.ErrForbidden
	}
	tickets, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list tickets")
	}
	return tickets, nil
}

// Start opens the listening session on a pending ticket, assigning the
// requesting teacher and locking the ayah range for the life of the ticket.
// A reassigned ticket is re-opened the same way by its new teacher.
func (s *TicketService) Start(ctx context.Context, id string, req dto.StartTicketRequest, actor *models.JWTClaims) (*models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() {
		return nil, appErrors.ErrForbidden
	}
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	fromStatuses := []models.TicketStatus{models.TicketStatusPending}
	if ticket.Status == models.TicketStatusReassigned {
		if !ticket.AssignedTo(actor.UserID) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "ticket is assigned to a different teacher")
		}
		fromStatuses = []models.TicketStatus{models.TicketStatusReassigned}
	}

	params := repository.StartSessionParams{
		ID:           id,
		Now:          s.clock.Now(),
		FromStatuses: fromStatuses,
	}
	if actor.Role == models.RoleTeacher {
		teacherID := actor.UserID
		params.TeacherID = &teacherID
	} else {
		// Admins may run a session without a teacher profile; the ticket
		// then has no assigned teacher and approvers operate the session.
		params.TeacherID = ticket.TeacherID
	}
	if req.AyahRange != nil {
		if ticket.RangeLocked {
			return nil, appErrors.Clone(appErrors.ErrValidation, "ayah range is locked and cannot be changed")
		}
		if err := validateAyahRange(*req.AyahRange); err != nil {
			return nil, err
		}
		params.AyahRange = *req.AyahRange
		params.StoreRange = true
	}
	if req.AssignmentID != "" {
		assignment := req.AssignmentID
		params.AssignmentID = &assignment
	}

	if err := s.repo.StartSession(ctx, params); err != nil {
		return nil, s.guardFailure(ctx, id, err, fromStatuses...)
	}
	return s.fetch(ctx, id)
}

// Heartbeat refreshes the session's advisory liveness timestamp. Clients are
// expected to call this every 30 to 60 seconds while listening; a stale
// timestamp carries no automatic side effect.
func (s *TicketService) Heartbeat(ctx context.Context, id string, actor *models.JWTClaims) error {
	ticket, err := s.ownedActiveTicket(ctx, id, actor, models.TicketStatusInProgress)
	if err != nil {
		return err
	}
	if err := s.repo.Heartbeat(ctx, ticket.ID, s.clock.Now()); err != nil {
		return s.guardFailure(ctx, id, err, models.TicketStatusInProgress)
	}
	return nil
}

// Pause suspends an in-progress session. The range stays locked and the
// working set is kept; the session resumes with Resume.
func (s *TicketService) Pause(ctx context.Context, id string, actor *models.JWTClaims) error {
	ticket, err := s.ownedActiveTicket(ctx, id, actor, models.TicketStatusInProgress)
	if err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, ticket.ID, models.TicketStatusPaused, s.clock.Now(), models.TicketStatusInProgress); err != nil {
		return s.guardFailure(ctx, id, err, models.TicketStatusInProgress)
	}
	return nil
}

// Resume reactivates a paused session.
func (s *TicketService) Resume(ctx context.Context, id string, actor *models.JWTClaims) error {
	ticket, err := s.ownedActiveTicket(ctx, id, actor, models.TicketStatusPaused)
	if err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, ticket.ID, models.TicketStatusInProgress, s.clock.Now(), models.TicketStatusPaused); err != nil {
		return s.guardFailure(ctx, id, err, models.TicketStatusPaused)
	}
	return nil
}

// AddMistake appends a mistake to the session working set and folds it into
// the student's personal mushaf with this ticket as provenance.
func (s *TicketService) AddMistake(ctx context.Context, id string, req dto.AddMistakeRequest, actor *models.JWTClaims) (*models.Ticket, error) {
	ticket, err := s.ownedActiveTicket(ctx, id, actor, models.TicketStatusInProgress, models.TicketStatusPaused)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "mistake type and category are required")
	}

	now := s.clock.Now()
	entry := models.MistakeEntry{
		Type:        req.Type,
		Category:    req.Category,
		Timestamp:   now,
		Page:        req.Page,
		Surah:       req.Surah,
		Ayah:        req.Ayah,
		WordIndex:   req.WordIndex,
		LetterIndex: req.LetterIndex,
		TajweedRule: req.TajweedRule,
	}
	mistakes := append(models.MistakeEntries{}, ticket.Mistakes...)
	mistakes = append(mistakes, entry)
	if err := s.repo.UpdateWorkingSet(ctx, ticket.ID, mistakes, now, models.TicketStatusInProgress, models.TicketStatusPaused); err != nil {
		return nil, s.guardFailure(ctx, id, err, models.TicketStatusInProgress, models.TicketStatusPaused)
	}
	ticket.Mistakes = mistakes

	ticketID := ticket.ID
	candidate := models.MushafMistake{
		Type:         req.Type,
		Category:     req.Category,
		Page:         req.Page,
		Surah:        req.Surah,
		Ayah:         req.Ayah,
		WordIndex:    req.WordIndex,
		LetterIndex:  req.LetterIndex,
		WorkflowStep: ticket.WorkflowStep,
		TajweedRule:  req.TajweedRule,
		MarkedBy:     actor.UserID,
		MarkedByName: actor.FullName,
		TicketID:     &ticketID,
	}
	if _, err := s.ledger.Record(ctx, ticket.StudentID, candidate); err != nil {
		// The session working set already has the entry; only the durable
		// fold failed. Surface it so the client can retry the mark.
		return nil, err
	}
	return ticket, nil
}

// RemoveMistake drops a working-set entry by positional index. The personal
// mushaf is untouched: removing a mark from one session never rewrites the
// student's durable history.
func (s *TicketService) RemoveMistake(ctx context.Context, id string, index int, actor *models.JWTClaims) (*models.Ticket, error) {
	ticket, err := s.ownedActiveTicket(ctx, id, actor, models.TicketStatusInProgress, models.TicketStatusPaused)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(ticket.Mistakes) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("mistake index %d out of range", index))
	}
	mistakes := append(models.MistakeEntries{}, ticket.Mistakes[:index]...)
	mistakes = append(mistakes, ticket.Mistakes[index+1:]...)
	if err := s.repo.UpdateWorkingSet(ctx, ticket.ID, mistakes, s.clock.Now(), models.TicketStatusInProgress, models.TicketStatusPaused); err != nil {
		return nil, s.guardFailure(ctx, id, err, models.TicketStatusInProgress, models.TicketStatusPaused)
	}
	ticket.Mistakes = mistakes
	return ticket, nil
}

// UpdateNotes replaces the teacher's running session notes.
func (s *TicketService) UpdateNotes(ctx context.Context, id, notes string, actor *models.JWTClaims) error {
	ticket, err := s.ownedActiveTicket(ctx, id, actor, models.TicketStatusInProgress, models.TicketStatusPaused)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateSessionNotes(ctx, ticket.ID, notes, s.clock.Now(), models.TicketStatusInProgress, models.TicketStatusPaused); err != nil {
		return s.guardFailure(ctx, id, err, models.TicketStatusInProgress, models.TicketStatusPaused)
	}
	return nil
}

// submittableStatuses are every non-terminal status except SUBMITTED itself.
var submittableStatuses = []models.TicketStatus{
	models.TicketStatusPending,
	models.TicketStatusInProgress,
	models.TicketStatusPaused,
	models.TicketStatusReassigned,
}

// Submit hands the session to the approval queue and notifies the admin pool.
func (s *TicketService) Submit(ctx context.Context, id string, actor *models.JWTClaims) (*models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() {
		return nil, appErrors.ErrForbidden
	}
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.TeacherID != nil && !ticket.AssignedTo(actor.UserID) && !actor.Role.CanApprove() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "ticket is assigned to a different teacher")
	}
	if err := s.repo.SetStatus(ctx, id, models.TicketStatusSubmitted, s.clock.Now(), submittableStatuses...); err != nil {
		return nil, s.guardFailure(ctx, id, err, submittableStatuses...)
	}
	ticket.Status = models.TicketStatusSubmitted
	if s.notifier != nil {
		s.notifier.TicketSubmitted(ctx, ticket)
	}
	return ticket, nil
}

// fetch loads a ticket, mapping a missing row to NotFound.
func (s *TicketService) fetch(ctx context.Context, id string) (*models.Ticket, error) {
	ticket, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "ticket not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ticket")
	}
	return ticket, nil
}

// ownedActiveTicket enforces the exclusivity rule shared by every session
// mutation: the ticket must be in one of the wanted statuses and the
// requester must own the session. Sessions started by an admin without a
// teacher profile have no owner; approvers operate those.
func (s *TicketService) ownedActiveTicket(ctx context.Context, id string, actor *models.JWTClaims, wanted ...models.TicketStatus) (*models.Ticket, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() {
		return nil, appErrors.ErrForbidden
	}
	ticket, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(ticket.Status, wanted) {
		return nil, invalidStateError(ticket.Status, wanted)
	}
	if ticket.TeacherID == nil {
		if !actor.Role.CanApprove() {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "session has no assigned teacher")
		}
	} else if !ticket.AssignedTo(actor.UserID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "ticket is assigned to a different teacher")
	}
	return ticket, nil
}

// guardFailure distinguishes a vanished ticket from a lost status guard after
// a conditional update affected zero rows.
func (s *TicketService) guardFailure(ctx context.Context, id string, err error, wanted ...models.TicketStatus) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update ticket")
	}
	ticket, fetchErr := s.repo.GetByID(ctx, id)
	if fetchErr != nil {
		return appErrors.Clone(appErrors.ErrNotFound, "ticket not found")
	}
	return invalidStateError(ticket.Status, wanted)
}

func (s *TicketService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, ticketID string, detail []byte) {
	if s.audit == nil {
		return
	}
	userID := actor.UserID
	log := &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "ticket",
		ResourceID: &ticketID,
		NewValues:  detail,
		IPAddress:  "system",
		UserAgent:  "ticket-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func statusIn(status models.TicketStatus, set []models.TicketStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

func invalidStateError(current models.TicketStatus, wanted []models.TicketStatus) error {
	names := make([]string, len(wanted))
	for i, w := range wanted {
		names[i] = string(w)
	}
	return appErrors.Clone(appErrors.ErrInvalidState,
		fmt.Sprintf("ticket is %s, operation requires %s", current, strings.Join(names, " or ")))
}

func validateAyahRange(r models.AyahRange) error {
	if r.FromSurah < 1 || r.FromSurah > 114 || r.ToSurah < 1 || r.ToSurah > 114 {
		return appErrors.Clone(appErrors.ErrValidation, "surah numbers must be between 1 and 114")
	}
	if r.FromAyah < 1 || r.ToAyah < 1 {
		return appErrors.Clone(appErrors.ErrValidation, "ayah numbers must be positive")
	}
	if r.FromSurah > r.ToSurah || (r.FromSurah == r.ToSurah && r.FromAyah > r.ToAyah) {
		return appErrors.Clone(appErrors.ErrValidation, "range start must not come after range end")
	}
	return nil
}
