package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
)

type mockMushafStore struct {
	ledgers       map[string]*models.PersonalMushaf
	getErr        error
	conflictTimes int
	creates       int
	updates       int
}

func newMockMushafStore() *mockMushafStore {
	return &mockMushafStore{ledgers: make(map[string]*models.PersonalMushaf)}
}

func (m *mockMushafStore) Get(ctx context.Context, studentID string) (*models.PersonalMushaf, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	stored, ok := m.ledgers[studentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *stored
	copied.Mistakes = append(models.MushafMistakes{}, stored.Mistakes...)
	return &copied, nil
}

func (m *mockMushafStore) Create(ctx context.Context, mushaf *models.PersonalMushaf) error {
	m.creates++
	if m.conflictTimes > 0 {
		m.conflictTimes--
		return sql.ErrNoRows
	}
	if _, exists := m.ledgers[mushaf.StudentID]; exists {
		return sql.ErrNoRows
	}
	mushaf.Version = 1
	stored := *mushaf
	stored.Mistakes = append(models.MushafMistakes{}, mushaf.Mistakes...)
	m.ledgers[mushaf.StudentID] = &stored
	return nil
}

func (m *mockMushafStore) Update(ctx context.Context, mushaf *models.PersonalMushaf, expectedVersion int64) error {
	m.updates++
	if m.conflictTimes > 0 {
		m.conflictTimes--
		return sql.ErrNoRows
	}
	stored, ok := m.ledgers[mushaf.StudentID]
	if !ok || stored.Version != expectedVersion {
		return sql.ErrNoRows
	}
	mushaf.Version = expectedVersion + 1
	updated := *mushaf
	updated.Mistakes = append(models.MushafMistakes{}, mushaf.Mistakes...)
	m.ledgers[mushaf.StudentID] = &updated
	return nil
}

func teacherClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher, FullName: "Ust. Ahmad"}
}

func studentClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleStudent, FullName: "Student"}
}

func fixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

func ledgerRequest() dto.AddLedgerMistakeRequest {
	return dto.AddLedgerMistakeRequest{
		Type:         "TAJWEED",
		Category:     "madd",
		Page:         104,
		Surah:        5,
		Ayah:         12,
		WordIndex:    3,
		WorkflowStep: models.StepSabq,
	}
}

func TestAddMistakeCreatesFreshLedger(t *testing.T) {
	store := newMockMushafStore()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := NewMushafService(store, nil, nil, nil, fixedClock(now), MushafServiceConfig{})

	record, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, 1, record.RepeatCount)
	assert.Equal(t, now, record.FirstMarkedAt)
	assert.Equal(t, now, record.LastMarkedAt)
	assert.Equal(t, "teacher-1", record.MarkedBy)
	assert.False(t, record.Resolved)
	assert.Equal(t, 1, store.creates)
	assert.Equal(t, int64(1), store.ledgers["student-1"].Version)
}

func TestAddMistakeMergesRecurrence(t *testing.T) {
	store := newMockMushafStore()
	first := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	second := first.Add(48 * time.Hour)
	current := first
	svc := NewMushafService(store, nil, nil, nil, ClockFunc(func() time.Time { return current }), MushafServiceConfig{})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	current = second
	// Same fingerprint despite different casing and whitespace.
	req := ledgerRequest()
	req.Type = " tajweed "
	req.Category = "MADD"
	record, err := svc.AddMistake(context.Background(), "student-1", req, teacherClaims())
	require.NoError(t, err)

	assert.Equal(t, 2, record.RepeatCount)
	assert.Equal(t, first, record.FirstMarkedAt)
	assert.Equal(t, second, record.LastMarkedAt)
	require.Len(t, store.ledgers["student-1"].Mistakes, 1)
}

func TestAddMistakeDistinctFingerprintAppends(t *testing.T) {
	store := newMockMushafStore()
	svc := NewMushafService(store, nil, nil, nil, nil, MushafServiceConfig{})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	other := ledgerRequest()
	other.Ayah = 13
	_, err = svc.AddMistake(context.Background(), "student-1", other, teacherClaims())
	require.NoError(t, err)

	assert.Len(t, store.ledgers["student-1"].Mistakes, 2)
}

func TestAddMistakeRequiresReviewer(t *testing.T) {
	svc := NewMushafService(newMockMushafStore(), nil, nil, nil, nil, MushafServiceConfig{})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), studentClaims("student-1"))
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestResolveThenRecurrenceUnresolves(t *testing.T) {
	store := newMockMushafStore()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := NewMushafService(store, nil, nil, nil, fixedClock(now), MushafServiceConfig{})

	record, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	resolved, err := svc.Resolve(context.Background(), "student-1", record.ID, teacherClaims())
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	again, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)
	assert.False(t, again.Resolved)
	assert.Nil(t, again.ResolvedAt)
	assert.Equal(t, 2, again.RepeatCount)
}

func TestResolveUnknownMistake(t *testing.T) {
	store := newMockMushafStore()
	svc := NewMushafService(store, nil, nil, nil, nil, MushafServiceConfig{})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), "student-1", "missing", teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = svc.Resolve(context.Background(), "student-without-ledger", "missing", teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestRecordRetriesAfterVersionConflict(t *testing.T) {
	store := newMockMushafStore()
	svc := NewMushafService(store, nil, nil, nil, nil, MushafServiceConfig{ConflictRetries: 3})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	store.conflictTimes = 1
	other := ledgerRequest()
	other.Ayah = 99
	record, err := svc.AddMistake(context.Background(), "student-1", other, teacherClaims())
	require.NoError(t, err)
	assert.Equal(t, 1, record.RepeatCount)
	assert.Len(t, store.ledgers["student-1"].Mistakes, 2)
}

func TestRecordConflictExhaustion(t *testing.T) {
	store := newMockMushafStore()
	svc := NewMushafService(store, nil, nil, nil, nil, MushafServiceConfig{ConflictRetries: 2})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	store.conflictTimes = 10
	_, err = svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrConcurrencyConflict)
}

func TestGetLedgerAccess(t *testing.T) {
	store := newMockMushafStore()
	svc := NewMushafService(store, nil, nil, nil, nil, MushafServiceConfig{})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	view, err := svc.GetLedger(context.Background(), "student-1", models.MushafFilter{}, studentClaims("student-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, view.Total)

	_, err = svc.GetLedger(context.Background(), "student-1", models.MushafFilter{}, studentClaims("student-2"))
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestGetLedgerEmptyForUnknownStudent(t *testing.T) {
	svc := NewMushafService(newMockMushafStore(), nil, nil, nil, nil, MushafServiceConfig{})

	view, err := svc.GetLedger(context.Background(), "nobody", models.MushafFilter{}, teacherClaims())
	require.NoError(t, err)
	assert.Equal(t, 0, view.Total)
	assert.Empty(t, view.Mistakes)
}

func TestGetLedgerFilters(t *testing.T) {
	store := newMockMushafStore()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := NewMushafService(store, nil, nil, nil, fixedClock(now), MushafServiceConfig{})

	sabq := ledgerRequest()
	manzil := ledgerRequest()
	manzil.WorkflowStep = models.StepManzil
	manzil.Ayah = 40

	first, err := svc.AddMistake(context.Background(), "student-1", sabq, teacherClaims())
	require.NoError(t, err)
	_, err = svc.AddMistake(context.Background(), "student-1", manzil, teacherClaims())
	require.NoError(t, err)

	view, err := svc.GetLedger(context.Background(), "student-1", models.MushafFilter{WorkflowStep: models.StepManzil}, teacherClaims())
	require.NoError(t, err)
	require.Equal(t, 1, view.Total)
	assert.Equal(t, models.StepManzil, view.Mistakes[0].WorkflowStep)

	_, err = svc.Resolve(context.Background(), "student-1", first.ID, teacherClaims())
	require.NoError(t, err)

	unresolved := false
	view, err = svc.GetLedger(context.Background(), "student-1", models.MushafFilter{Resolved: &unresolved}, teacherClaims())
	require.NoError(t, err)
	require.Equal(t, 1, view.Total)
	assert.False(t, view.Mistakes[0].Resolved)

	_, err = svc.GetLedger(context.Background(), "student-1", models.MushafFilter{WorkflowStep: "WEEKLY"}, teacherClaims())
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestGetStatisticsAggregates(t *testing.T) {
	store := newMockMushafStore()
	svc := NewMushafService(store, nil, nil, nil, nil, MushafServiceConfig{})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)
	_, err = svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.NoError(t, err)

	stats, err := svc.GetStatistics(context.Background(), "student-1", studentClaims("student-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.RepeatOffenders)
	assert.Equal(t, 1, stats.ByWorkflowStep[string(models.StepSabq)])
}

func TestRecordStoreFailureSurfacesInternal(t *testing.T) {
	store := newMockMushafStore()
	store.getErr = errors.New("connection refused")
	svc := NewMushafService(store, nil, nil, nil, nil, MushafServiceConfig{})

	_, err := svc.AddMistake(context.Background(), "student-1", ledgerRequest(), teacherClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInternal.Code, appErrors.FromError(err).Code)
}
