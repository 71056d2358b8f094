package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/tahfidz-api/internal/models"
)

// MushafRepository persists per-student personal mushaf aggregates. The whole
// mistake array is one row; the version column implements optimistic
// concurrency so two sessions marking mistakes for the same student cannot
// silently overwrite each other.
type MushafRepository struct {
	db *sqlx.DB
}

// NewMushafRepository constructs the repository.
func NewMushafRepository(db *sqlx.DB) *MushafRepository {
	return &MushafRepository{db: db}
}

// Get loads a student's ledger. sql.ErrNoRows when the student has none yet.
func (r *MushafRepository) Get(ctx context.Context, studentID string) (*models.PersonalMushaf, error) {
	const query = `SELECT student_id, mistakes, version, updated_at FROM personal_mushafs WHERE student_id = $1`
	var mushaf models.PersonalMushaf
	if err := r.db.GetContext(ctx, &mushaf, query, studentID); err != nil {
		return nil, err
	}
	return &mushaf, nil
}

// Create inserts the first version of a student's ledger. A unique-key
// violation surfaces as sql.ErrNoRows so callers treat it like any other
// lost race and retry.
func (r *MushafRepository) Create(ctx context.Context, mushaf *models.PersonalMushaf) error {
	mushaf.Version = 1
	mushaf.UpdatedAt = time.Now().UTC()
	const query = `INSERT INTO personal_mushafs (student_id, mistakes, version, updated_at)
	VALUES (:student_id, :mistakes, :version, :updated_at)
	ON CONFLICT (student_id) DO NOTHING`
	result, err := r.db.NamedExecContext(ctx, query, mushaf)
	if err != nil {
		return fmt.Errorf("create personal mushaf: %w", err)
	}
	return requireRow(result)
}

// Update writes the merged aggregate, guarded on the version read earlier.
// Zero rows affected means another writer got there first.
func (r *MushafRepository) Update(ctx context.Context, mushaf *models.PersonalMushaf, expectedVersion int64) error {
	mushaf.UpdatedAt = time.Now().UTC()
	const query = `UPDATE personal_mushafs
	SET mistakes = :mistakes, version = version + 1, updated_at = :updated_at
	WHERE student_id = :student_id AND version = :expected_version`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"student_id":       mushaf.StudentID,
		"mistakes":         mushaf.Mistakes,
		"updated_at":       mushaf.UpdatedAt,
		"expected_version": expectedVersion,
	})
	if err != nil {
		return fmt.Errorf("update personal mushaf: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	mushaf.Version = expectedVersion + 1
	return nil
}
