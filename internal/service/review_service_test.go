package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
)

func newReviewService(store *fakeTicketStore, notifier *notifierStub, audit *auditStub) *ReviewService {
	return NewReviewService(store, defaultIdentity(), notifier, audit, nil, nil)
}

func submittedTicket(store *fakeTicketStore, teacherID string) *models.Ticket {
	return store.put(models.Ticket{
		StudentID:    "student-1",
		TeacherID:    &teacherID,
		WorkflowStep: models.StepSabq,
		Status:       models.TicketStatusSubmitted,
		RangeLocked:  true,
		SessionNotes: "went well",
		Mistakes: models.MistakeEntries{
			{Type: "TAJWEED", Category: "madd", Surah: 2, Ayah: 5},
		},
	})
}

func TestApproveFromSubmittedOnly(t *testing.T) {
	store := newFakeTicketStore()
	notifier := &notifierStub{}
	svc := newReviewService(store, notifier, &auditStub{})
	ticket := submittedTicket(store, "teacher-1")

	approved, err := svc.Approve(context.Background(), ticket.ID, dto.ReviewTicketRequest{Notes: "good progress"}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, "admin-1", *approved.ReviewedBy)
	assert.Equal(t, "good progress", approved.ReviewNotes)
	assert.NotNil(t, approved.ReviewedAt)
	assert.Equal(t, 1, notifier.reviewed)

	// Approving twice is rejected and the decision stands.
	_, err = svc.Approve(context.Background(), ticket.ID, dto.ReviewTicketRequest{}, adminClaims())
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
	assert.Equal(t, models.TicketStatusApproved, store.tickets[ticket.ID].Status)
}

func TestApproveRequiresApprover(t *testing.T) {
	store := newFakeTicketStore()
	svc := newReviewService(store, &notifierStub{}, &auditStub{})
	ticket := submittedTicket(store, "teacher-1")

	_, err := svc.Approve(context.Background(), ticket.ID, dto.ReviewTicketRequest{}, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Equal(t, models.TicketStatusSubmitted, store.tickets[ticket.ID].Status)
}

func TestRejectKeepsTicketHistory(t *testing.T) {
	store := newFakeTicketStore()
	svc := newReviewService(store, &notifierStub{}, &auditStub{})
	ticket := submittedTicket(store, "teacher-1")

	rejected, err := svc.Reject(context.Background(), ticket.ID, dto.ReviewTicketRequest{Notes: "needs another pass"}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusRejected, rejected.Status)
	assert.Len(t, rejected.Mistakes, 1)
	assert.Equal(t, "needs another pass", rejected.ReviewNotes)
}

func TestReassignPreservesOutgoingWork(t *testing.T) {
	store := newFakeTicketStore()
	notifier := &notifierStub{}
	audit := &auditStub{}
	svc := newReviewService(store, notifier, audit)
	ticket := submittedTicket(store, "teacher-1")

	reassigned, err := svc.Reassign(context.Background(), ticket.ID, dto.ReassignTicketRequest{
		NewTeacherID: "teacher-2",
		Reason:       "teacher on leave",
	}, adminClaims())
	require.NoError(t, err)

	assert.Equal(t, models.TicketStatusReassigned, reassigned.Status)
	require.NotNil(t, reassigned.TeacherID)
	assert.Equal(t, "teacher-2", *reassigned.TeacherID)

	// Outgoing teacher's work is captured, the live working set is cleared.
	require.Len(t, reassigned.PreviousMistakes, 1)
	assert.Equal(t, "TAJWEED", reassigned.PreviousMistakes[0].Type)
	assert.Empty(t, reassigned.Mistakes)
	require.NotNil(t, reassigned.PreviousTeacherComment)
	assert.Equal(t, "went well", *reassigned.PreviousTeacherComment)
	assert.Empty(t, reassigned.SessionNotes)

	require.NotNil(t, reassigned.ReassignedFromTeacherID)
	assert.Equal(t, "teacher-1", *reassigned.ReassignedFromTeacherID)
	require.NotNil(t, reassigned.ReassignedFromName)
	assert.Equal(t, "Ust. Ahmad", *reassigned.ReassignedFromName)
	require.NotNil(t, reassigned.ReassignedToName)
	assert.Equal(t, "Ust. Bilal", *reassigned.ReassignedToName)
	require.NotNil(t, reassigned.ReassignmentReason)
	assert.Equal(t, "teacher on leave", *reassigned.ReassignmentReason)
	assert.NotNil(t, reassigned.ReassignedAt)

	assert.Equal(t, 1, notifier.reassigned)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionTicketReassign, audit.logs[0].Action)
}

func TestReassignRequiresActiveTeacher(t *testing.T) {
	store := newFakeTicketStore()
	svc := newReviewService(store, &notifierStub{}, &auditStub{})
	ticket := submittedTicket(store, "teacher-1")

	_, err := svc.Reassign(context.Background(), ticket.ID, dto.ReassignTicketRequest{NewTeacherID: "student-1"}, adminClaims())
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Reassign(context.Background(), ticket.ID, dto.ReassignTicketRequest{NewTeacherID: "ghost"}, adminClaims())
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	assert.Equal(t, models.TicketStatusSubmitted, store.tickets[ticket.ID].Status)
}

func TestReassignPendingTicketIsInvalidState(t *testing.T) {
	store := newFakeTicketStore()
	svc := newReviewService(store, &notifierStub{}, &auditStub{})
	ticket := pendingTicket(store)

	_, err := svc.Reassign(context.Background(), ticket.ID, dto.ReassignTicketRequest{NewTeacherID: "teacher-2"}, adminClaims())
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
}

func TestCloseFromAnyNonTerminalState(t *testing.T) {
	store := newFakeTicketStore()
	svc := newReviewService(store, &notifierStub{}, &auditStub{})

	for _, status := range []models.TicketStatus{
		models.TicketStatusPending,
		models.TicketStatusInProgress,
		models.TicketStatusPaused,
		models.TicketStatusSubmitted,
		models.TicketStatusReassigned,
	} {
		teacherID := "teacher-1"
		ticket := store.put(models.Ticket{StudentID: "student-1", TeacherID: &teacherID, WorkflowStep: models.StepSabq, Status: status})
		closed, err := svc.Close(context.Background(), ticket.ID, adminClaims())
		require.NoError(t, err, "close from %s", status)
		assert.Equal(t, models.TicketStatusClosed, closed.Status)
	}
}

func TestCloseTerminalTicketFails(t *testing.T) {
	store := newFakeTicketStore()
	svc := newReviewService(store, &notifierStub{}, &auditStub{})
	ticket := store.put(models.Ticket{StudentID: "student-1", WorkflowStep: models.StepSabq, Status: models.TicketStatusApproved})

	_, err := svc.Close(context.Background(), ticket.ID, adminClaims())
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
	assert.Equal(t, models.TicketStatusApproved, store.tickets[ticket.ID].Status)
}
