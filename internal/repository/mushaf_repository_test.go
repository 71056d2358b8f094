package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tahfidz-api/internal/models"
)

func TestGetMushafMissingStudent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMushafRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM personal_mushafs WHERE student_id").
		WithArgs("student-1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "student-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMushafScansAggregate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMushafRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"student_id", "mistakes", "version", "updated_at"}).
		AddRow("student-1", []byte(`[{"id":"m1","type":"TAJWEED","category":"madd","repeat_count":3,"workflow_step":"SABQ"}]`), int64(4), now)
	mock.ExpectQuery("SELECT (.+) FROM personal_mushafs WHERE student_id").
		WithArgs("student-1").
		WillReturnRows(rows)

	mushaf, err := repo.Get(context.Background(), "student-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), mushaf.Version)
	require.Len(t, mushaf.Mistakes, 1)
	assert.Equal(t, "m1", mushaf.Mistakes[0].ID)
	assert.Equal(t, 3, mushaf.Mistakes[0].RepeatCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMushafLostRaceSurfacesAsNoRows(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMushafRepository(db)

	mock.ExpectExec("INSERT INTO personal_mushafs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Create(context.Background(), &models.PersonalMushaf{StudentID: "student-1"})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMushafSetsInitialVersion(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMushafRepository(db)

	mock.ExpectExec("INSERT INTO personal_mushafs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mushaf := &models.PersonalMushaf{StudentID: "student-1"}
	require.NoError(t, repo.Create(context.Background(), mushaf))
	assert.Equal(t, int64(1), mushaf.Version)
	assert.False(t, mushaf.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMushafVersionGuard(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMushafRepository(db)

	mushaf := &models.PersonalMushaf{StudentID: "student-1", Version: 4}

	mock.ExpectExec(`UPDATE personal_mushafs\s+SET mistakes = (.+)version = version \+ 1(.+)version = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Update(context.Background(), mushaf, 4))
	assert.Equal(t, int64(5), mushaf.Version)

	mock.ExpectExec("UPDATE personal_mushafs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Update(context.Background(), mushaf, 4)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, int64(5), mushaf.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
