package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	"github.com/noah-isme/tahfidz-api/internal/repository"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
)

// fakeTicketStore mimics the guarded-update semantics of the SQL repository:
// any conditional write whose status guard does not hold reports
// sql.ErrNoRows and leaves the ticket untouched.
type fakeTicketStore struct {
	tickets map[string]*models.Ticket
	seq     int
}

func newFakeTicketStore() *fakeTicketStore {
	return &fakeTicketStore{tickets: make(map[string]*models.Ticket)}
}

func (f *fakeTicketStore) put(t models.Ticket) *models.Ticket {
	if t.ID == "" {
		f.seq++
		t.ID = fmt.Sprintf("ticket-%d", f.seq)
	}
	stored := t
	f.tickets[stored.ID] = &stored
	return &stored
}

func (f *fakeTicketStore) Create(ctx context.Context, ticket *models.Ticket) error {
	created := f.put(*ticket)
	*ticket = *created
	return nil
}

func (f *fakeTicketStore) GetByID(ctx context.Context, id string) (*models.Ticket, error) {
	stored, ok := f.tickets[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *stored
	return &copied, nil
}

func (f *fakeTicketStore) List(ctx context.Context, filter models.TicketFilter) ([]models.Ticket, error) {
	out := make([]models.Ticket, 0, len(f.tickets))
	for _, t := range f.tickets {
		if filter.StudentID != "" && t.StudentID != filter.StudentID {
			continue
		}
		if filter.TeacherID != "" && (t.TeacherID == nil || *t.TeacherID != filter.TeacherID) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeTicketStore) guarded(id string, from []models.TicketStatus, mutate func(t *models.Ticket)) error {
	stored, ok := f.tickets[id]
	if !ok || !statusIn(stored.Status, from) {
		return sql.ErrNoRows
	}
	mutate(stored)
	return nil
}

func (f *fakeTicketStore) StartSession(ctx context.Context, params repository.StartSessionParams) error {
	return f.guarded(params.ID, params.FromStatuses, func(t *models.Ticket) {
		t.Status = models.TicketStatusInProgress
		t.TeacherID = params.TeacherID
		now := params.Now
		t.StartedAt = &now
		t.LastHeartbeatAt = &now
		t.RangeLocked = true
		if params.StoreRange {
			t.AyahRange = params.AyahRange
		}
		if params.AssignmentID != nil {
			t.AssignmentID = params.AssignmentID
		}
	})
}

func (f *fakeTicketStore) Heartbeat(ctx context.Context, id string, now time.Time) error {
	return f.guarded(id, []models.TicketStatus{models.TicketStatusInProgress}, func(t *models.Ticket) {
		t.LastHeartbeatAt = &now
	})
}

func (f *fakeTicketStore) SetStatus(ctx context.Context, id string, to models.TicketStatus, now time.Time, from ...models.TicketStatus) error {
	return f.guarded(id, from, func(t *models.Ticket) {
		t.Status = to
		t.UpdatedAt = now
	})
}

func (f *fakeTicketStore) UpdateWorkingSet(ctx context.Context, id string, mistakes models.MistakeEntries, now time.Time, from ...models.TicketStatus) error {
	return f.guarded(id, from, func(t *models.Ticket) {
		t.Mistakes = append(models.MistakeEntries{}, mistakes...)
	})
}

func (f *fakeTicketStore) UpdateSessionNotes(ctx context.Context, id, notes string, now time.Time, from ...models.TicketStatus) error {
	return f.guarded(id, from, func(t *models.Ticket) {
		t.SessionNotes = notes
	})
}

func (f *fakeTicketStore) Review(ctx context.Context, params repository.ReviewParams) error {
	return f.guarded(params.ID, []models.TicketStatus{models.TicketStatusSubmitted}, func(t *models.Ticket) {
		t.Status = params.Status
		reviewer := params.ReviewedBy
		now := params.Now
		t.ReviewedBy = &reviewer
		t.ReviewedAt = &now
		t.ReviewNotes = params.Notes
	})
}

func (f *fakeTicketStore) Reassign(ctx context.Context, params repository.ReassignParams) error {
	reassignable := []models.TicketStatus{
		models.TicketStatusInProgress,
		models.TicketStatusPaused,
		models.TicketStatusSubmitted,
	}
	return f.guarded(params.ID, reassignable, func(t *models.Ticket) {
		t.PreviousMistakes = append(models.MistakeEntries{}, t.Mistakes...)
		comment := t.SessionNotes
		t.PreviousTeacherComment = &comment
		t.ReassignedFromTeacherID = t.TeacherID
		fromName := params.FromTeacherName
		t.ReassignedFromName = &fromName
		newID := params.NewTeacherID
		newName := params.NewTeacherName
		t.TeacherID = &newID
		t.ReassignedToTeacherID = &newID
		t.ReassignedToName = &newName
		t.ReassignmentReason = params.Reason
		now := params.Now
		t.ReassignedAt = &now
		t.Mistakes = models.MistakeEntries{}
		t.SessionNotes = ""
		t.Status = models.TicketStatusReassigned
	})
}

type stubIdentity struct {
	users map[string]*models.User
}

func (s *stubIdentity) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *user
	return &copied, nil
}

type recorderStub struct {
	err        error
	candidates []models.MushafMistake
	students   []string
}

func (r *recorderStub) Record(ctx context.Context, studentID string, candidate models.MushafMistake) (*models.MushafMistake, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.students = append(r.students, studentID)
	r.candidates = append(r.candidates, candidate)
	result := candidate
	result.ID = "recorded"
	result.RepeatCount = 1
	return &result, nil
}

type notifierStub struct {
	submitted  int
	reviewed   int
	reassigned int
}

func (n *notifierStub) TicketSubmitted(ctx context.Context, ticket *models.Ticket) { n.submitted++ }
func (n *notifierStub) TicketReviewed(ctx context.Context, ticket *models.Ticket)  { n.reviewed++ }
func (n *notifierStub) TicketReassigned(ctx context.Context, ticket *models.Ticket) {
	n.reassigned++
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func defaultIdentity() *stubIdentity {
	return &stubIdentity{users: map[string]*models.User{
		"student-1": {ID: "student-1", FullName: "Zayd", Role: models.RoleStudent, Active: true},
		"teacher-1": {ID: "teacher-1", FullName: "Ust. Ahmad", Role: models.RoleTeacher, Active: true},
		"teacher-2": {ID: "teacher-2", FullName: "Ust. Bilal", Role: models.RoleTeacher, Active: true},
		"admin-1":   {ID: "admin-1", FullName: "Admin", Role: models.RoleAdmin, Active: true},
	}}
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin, FullName: "Admin"}
}

func secondTeacherClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "teacher-2", Role: models.RoleTeacher, FullName: "Ust. Bilal"}
}

func newTicketService(store *fakeTicketStore, recorder *recorderStub, notifier *notifierStub) *TicketService {
	return NewTicketService(store, defaultIdentity(), recorder, notifier, &auditStub{}, nil, nil, nil)
}

func pendingTicket(store *fakeTicketStore) *models.Ticket {
	return store.put(models.Ticket{
		StudentID:    "student-1",
		WorkflowStep: models.StepSabq,
		Status:       models.TicketStatusPending,
		Mistakes:     models.MistakeEntries{},
	})
}

func activeTicket(store *fakeTicketStore, teacherID string) *models.Ticket {
	return store.put(models.Ticket{
		StudentID:    "student-1",
		TeacherID:    &teacherID,
		WorkflowStep: models.StepSabq,
		Status:       models.TicketStatusInProgress,
		RangeLocked:  true,
		Mistakes:     models.MistakeEntries{},
	})
}

func TestCreateTicketValidatesStudent(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})

	_, err := svc.Create(context.Background(), dto.CreateTicketRequest{StudentID: "teacher-1", WorkflowStep: models.StepSabq}, adminClaims())
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Create(context.Background(), dto.CreateTicketRequest{StudentID: "ghost", WorkflowStep: models.StepSabq}, adminClaims())
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	ticket, err := svc.Create(context.Background(), dto.CreateTicketRequest{StudentID: "student-1", WorkflowStep: models.StepManzil}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusPending, ticket.Status)
	assert.Nil(t, ticket.TeacherID)
}

func TestCreateTicketRequiresApprover(t *testing.T) {
	svc := newTicketService(newFakeTicketStore(), &recorderStub{}, &notifierStub{})

	_, err := svc.Create(context.Background(), dto.CreateTicketRequest{StudentID: "student-1", WorkflowStep: models.StepSabq}, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestStartAssignsTeacherAndLocksRange(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := pendingTicket(store)

	started, err := svc.Start(context.Background(), ticket.ID, dto.StartTicketRequest{
		AyahRange: &models.AyahRange{FromSurah: 2, FromAyah: 1, ToSurah: 2, ToAyah: 20},
	}, teacherClaims())
	require.NoError(t, err)

	assert.Equal(t, models.TicketStatusInProgress, started.Status)
	require.NotNil(t, started.TeacherID)
	assert.Equal(t, "teacher-1", *started.TeacherID)
	assert.True(t, started.RangeLocked)
	assert.Equal(t, 2, started.AyahRange.FromSurah)
	require.NotNil(t, started.StartedAt)
	require.NotNil(t, started.LastHeartbeatAt)
}

func TestStartRejectsInvalidRange(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := pendingTicket(store)

	_, err := svc.Start(context.Background(), ticket.ID, dto.StartTicketRequest{
		AyahRange: &models.AyahRange{FromSurah: 3, FromAyah: 10, ToSurah: 2, ToAyah: 1},
	}, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestStartRejectsLockedRangeChange(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := store.put(models.Ticket{
		StudentID:    "student-1",
		WorkflowStep: models.StepSabq,
		Status:       models.TicketStatusPending,
		RangeLocked:  true,
		AyahRange:    models.AyahRange{FromSurah: 2, FromAyah: 1, ToSurah: 2, ToAyah: 20},
	})

	_, err := svc.Start(context.Background(), ticket.ID, dto.StartTicketRequest{
		AyahRange: &models.AyahRange{FromSurah: 3, FromAyah: 1, ToSurah: 3, ToAyah: 5},
	}, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestStartAlreadyRunningIsInvalidState(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := activeTicket(store, "teacher-1")

	_, err := svc.Start(context.Background(), ticket.ID, dto.StartTicketRequest{}, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
	// The running session is untouched by a failed start.
	current, getErr := store.GetByID(context.Background(), ticket.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.TicketStatusInProgress, current.Status)
	assert.Equal(t, "teacher-1", *current.TeacherID)
}

func TestStartReassignedRequiresNewTeacher(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	teacherID := "teacher-2"
	ticket := store.put(models.Ticket{
		StudentID:    "student-1",
		TeacherID:    &teacherID,
		WorkflowStep: models.StepSabq,
		Status:       models.TicketStatusReassigned,
		RangeLocked:  true,
	})

	_, err := svc.Start(context.Background(), ticket.ID, dto.StartTicketRequest{}, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	started, err := svc.Start(context.Background(), ticket.ID, dto.StartTicketRequest{}, secondTeacherClaims())
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusInProgress, started.Status)
	assert.Equal(t, "teacher-2", *started.TeacherID)
}

func TestHeartbeatOwnerOnly(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := activeTicket(store, "teacher-1")
	before := *store.tickets[ticket.ID]

	err := svc.Heartbeat(context.Background(), ticket.ID, secondTeacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Equal(t, before.LastHeartbeatAt, store.tickets[ticket.ID].LastHeartbeatAt)

	err = svc.Heartbeat(context.Background(), ticket.ID, teacherClaims())
	require.NoError(t, err)
	assert.NotNil(t, store.tickets[ticket.ID].LastHeartbeatAt)
}

func TestHeartbeatWrongStateLeavesTicketUnchanged(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := pendingTicket(store)

	err := svc.Heartbeat(context.Background(), ticket.ID, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
	assert.Equal(t, models.TicketStatusPending, store.tickets[ticket.ID].Status)
}

func TestPauseAndResume(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := activeTicket(store, "teacher-1")

	require.NoError(t, svc.Pause(context.Background(), ticket.ID, teacherClaims()))
	assert.Equal(t, models.TicketStatusPaused, store.tickets[ticket.ID].Status)

	// Pausing a paused session is rejected.
	err := svc.Pause(context.Background(), ticket.ID, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)

	require.NoError(t, svc.Resume(context.Background(), ticket.ID, teacherClaims()))
	assert.Equal(t, models.TicketStatusInProgress, store.tickets[ticket.ID].Status)
}

func TestAddMistakeFoldsIntoLedger(t *testing.T) {
	store := newFakeTicketStore()
	recorder := &recorderStub{}
	svc := newTicketService(store, recorder, &notifierStub{})
	ticket := activeTicket(store, "teacher-1")

	updated, err := svc.AddMistake(context.Background(), ticket.ID, dto.AddMistakeRequest{
		Type:     "TAJWEED",
		Category: "madd",
		Surah:    2,
		Ayah:     5,
	}, teacherClaims())
	require.NoError(t, err)

	require.Len(t, updated.Mistakes, 1)
	assert.Equal(t, "TAJWEED", updated.Mistakes[0].Type)
	assert.False(t, updated.Mistakes[0].Timestamp.IsZero())

	require.Len(t, recorder.candidates, 1)
	candidate := recorder.candidates[0]
	assert.Equal(t, "student-1", recorder.students[0])
	assert.Equal(t, ticket.WorkflowStep, candidate.WorkflowStep)
	require.NotNil(t, candidate.TicketID)
	assert.Equal(t, ticket.ID, *candidate.TicketID)
	assert.Equal(t, "teacher-1", candidate.MarkedBy)
}

func TestAddMistakeLedgerFailureKeepsWorkingSet(t *testing.T) {
	store := newFakeTicketStore()
	recorder := &recorderStub{err: errors.New("ledger down")}
	svc := newTicketService(store, recorder, &notifierStub{})
	ticket := activeTicket(store, "teacher-1")

	_, err := svc.AddMistake(context.Background(), ticket.ID, dto.AddMistakeRequest{Type: "TAJWEED", Category: "madd"}, teacherClaims())
	require.Error(t, err)
	// The working set kept the entry; only the durable fold failed.
	assert.Len(t, store.tickets[ticket.ID].Mistakes, 1)
}

func TestRemoveMistakeLeavesLedgerAlone(t *testing.T) {
	store := newFakeTicketStore()
	recorder := &recorderStub{}
	svc := newTicketService(store, recorder, &notifierStub{})
	ticket := activeTicket(store, "teacher-1")

	_, err := svc.AddMistake(context.Background(), ticket.ID, dto.AddMistakeRequest{Type: "TAJWEED", Category: "madd"}, teacherClaims())
	require.NoError(t, err)
	recorded := len(recorder.candidates)

	updated, err := svc.RemoveMistake(context.Background(), ticket.ID, 0, teacherClaims())
	require.NoError(t, err)
	assert.Empty(t, updated.Mistakes)
	assert.Equal(t, recorded, len(recorder.candidates))

	_, err = svc.RemoveMistake(context.Background(), ticket.ID, 5, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestSubmitNotifiesApprovers(t *testing.T) {
	store := newFakeTicketStore()
	notifier := &notifierStub{}
	svc := newTicketService(store, &recorderStub{}, notifier)
	ticket := activeTicket(store, "teacher-1")

	submitted, err := svc.Submit(context.Background(), ticket.ID, teacherClaims())
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusSubmitted, submitted.Status)
	assert.Equal(t, 1, notifier.submitted)

	// Submitting twice is rejected.
	_, err = svc.Submit(context.Background(), ticket.ID, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
	assert.Equal(t, 1, notifier.submitted)
}

func TestAdminRunsOwnerlessSession(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := pendingTicket(store)

	started, err := svc.Start(context.Background(), ticket.ID, dto.StartTicketRequest{}, adminClaims())
	require.NoError(t, err)
	assert.Nil(t, started.TeacherID)

	// Teachers cannot touch an ownerless session; approvers can.
	err = svc.Heartbeat(context.Background(), ticket.ID, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	require.NoError(t, svc.Heartbeat(context.Background(), ticket.ID, adminClaims()))
}

func TestListScopesByRole(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	activeTicket(store, "teacher-1")
	activeTicket(store, "teacher-2")

	mine, err := svc.List(context.Background(), dto.TicketQuery{}, teacherClaims())
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "teacher-1", *mine[0].TeacherID)

	all, err := svc.List(context.Background(), dto.TicketQuery{}, adminClaims())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := svc.List(context.Background(), dto.TicketQuery{}, studentClaims("student-1"))
	require.NoError(t, err)
	assert.Len(t, own, 2)
}

func TestGetHidesOtherStudentsTickets(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := pendingTicket(store)

	_, err := svc.Get(context.Background(), ticket.ID, studentClaims("student-2"))
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	got, err := svc.Get(context.Background(), ticket.ID, studentClaims("student-1"))
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, got.ID)
}

func TestUpdateNotes(t *testing.T) {
	store := newFakeTicketStore()
	svc := newTicketService(store, &recorderStub{}, &notifierStub{})
	ticket := activeTicket(store, "teacher-1")

	require.NoError(t, svc.UpdateNotes(context.Background(), ticket.ID, "fluent, minor tajweed slips", teacherClaims()))
	assert.Equal(t, "fluent, minor tajweed slips", store.tickets[ticket.ID].SessionNotes)
}
