package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
	"github.com/noah-isme/tahfidz-api/pkg/jobs"
)

type mockNotificationStore struct {
	mu        sync.Mutex
	created   []models.Notification
	approvers []models.User
	read      map[string]string
}

func newMockNotificationStore() *mockNotificationStore {
	return &mockNotificationStore{read: make(map[string]string)}
}

func (m *mockNotificationStore) Create(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, *n)
	return nil
}

func (m *mockNotificationStore) List(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, n := range m.created {
		if n.RecipientID == filter.RecipientID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *mockNotificationStore) MarkRead(ctx context.Context, id, recipientID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.created {
		if n.ID == id && n.RecipientID == recipientID {
			m.read[id] = recipientID
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockNotificationStore) ListApprovers(ctx context.Context) ([]models.User, error) {
	return m.approvers, nil
}

func (m *mockNotificationStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func startedNotificationService(t *testing.T, store *mockNotificationStore) *NotificationService {
	t.Helper()
	svc := NewNotificationService(store, nil, nil, jobs.QueueConfig{Workers: 1})
	svc.Start(context.Background())
	t.Cleanup(svc.Stop)
	return svc
}

func TestTicketSubmittedFansOutToApprovers(t *testing.T) {
	store := newMockNotificationStore()
	store.approvers = []models.User{
		{ID: "admin-1", Role: models.RoleAdmin},
		{ID: "admin-2", Role: models.RoleSuperAdmin},
	}
	svc := startedNotificationService(t, store)

	svc.TicketSubmitted(context.Background(), &models.Ticket{
		ID:           "ticket-1",
		StudentID:    "student-1",
		WorkflowStep: models.StepSabq,
		Status:       models.TicketStatusSubmitted,
	})

	require.Eventually(t, func() bool { return store.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	recipients := map[string]bool{}
	for _, n := range store.created {
		recipients[n.RecipientID] = true
		assert.Equal(t, models.NotificationTicketSubmitted, n.Kind)
		require.NotNil(t, n.TicketID)
		assert.Equal(t, "ticket-1", *n.TicketID)
	}
	assert.True(t, recipients["admin-1"])
	assert.True(t, recipients["admin-2"])
}

func TestTicketReviewedNotifiesTeacher(t *testing.T) {
	store := newMockNotificationStore()
	svc := startedNotificationService(t, store)

	teacherID := "teacher-1"
	svc.TicketReviewed(context.Background(), &models.Ticket{
		ID:           "ticket-1",
		StudentID:    "student-1",
		TeacherID:    &teacherID,
		WorkflowStep: models.StepSabqi,
		Status:       models.TicketStatusRejected,
	})

	require.Eventually(t, func() bool { return store.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "teacher-1", store.created[0].RecipientID)
	assert.Equal(t, models.NotificationTicketRejected, store.created[0].Kind)
}

func TestTicketReviewedSkipsOwnerlessSession(t *testing.T) {
	store := newMockNotificationStore()
	svc := startedNotificationService(t, store)

	svc.TicketReviewed(context.Background(), &models.Ticket{
		ID:     "ticket-1",
		Status: models.TicketStatusApproved,
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, store.count())
}

func TestTicketReassignedNotifiesIncomingTeacher(t *testing.T) {
	store := newMockNotificationStore()
	svc := startedNotificationService(t, store)

	incoming := "teacher-2"
	svc.TicketReassigned(context.Background(), &models.Ticket{
		ID:                    "ticket-1",
		StudentID:             "student-1",
		WorkflowStep:          models.StepManzil,
		Status:                models.TicketStatusReassigned,
		ReassignedToTeacherID: &incoming,
	})

	require.Eventually(t, func() bool { return store.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "teacher-2", store.created[0].RecipientID)
	assert.Equal(t, models.NotificationTicketReassigned, store.created[0].Kind)
}

func TestNotificationFeedScopedToRecipient(t *testing.T) {
	store := newMockNotificationStore()
	svc := startedNotificationService(t, store)

	store.created = []models.Notification{
		{ID: "n1", RecipientID: "teacher-1", Kind: models.NotificationTicketApproved},
		{ID: "n2", RecipientID: "teacher-2", Kind: models.NotificationTicketApproved},
	}

	feed, err := svc.List(context.Background(), dto.NotificationQuery{}, teacherClaims())
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, "n1", feed[0].ID)
}

func TestMarkReadOnlyOwnNotifications(t *testing.T) {
	store := newMockNotificationStore()
	svc := startedNotificationService(t, store)

	store.created = []models.Notification{
		{ID: "n1", RecipientID: "teacher-2"},
	}

	err := svc.MarkRead(context.Background(), "n1", teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	err = svc.MarkRead(context.Background(), "n1", secondTeacherClaims())
	require.NoError(t, err)
	assert.Equal(t, "teacher-2", store.read["n1"])
}
