package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/tahfidz-api/internal/dto"
	"github.com/noah-isme/tahfidz-api/internal/models"
	appErrors "github.com/noah-isme/tahfidz-api/pkg/errors"
)

type mushafStore interface {
	Get(ctx context.Context, studentID string) (*models.PersonalMushaf, error)
	Create(ctx context.Context, mushaf *models.PersonalMushaf) error
	Update(ctx context.Context, mushaf *models.PersonalMushaf, expectedVersion int64) error
}

// MushafService owns the per-student deduplicating mistake ledger. Every
// write is a whole-aggregate read-merge-write guarded by the row version;
// lost races are retried a bounded number of times before surfacing as
// a concurrency conflict.
type MushafService struct {
	repo             mushafStore
	cache            *CacheService
	validator        *validator.Validate
	logger           *zap.Logger
	clock            Clock
	recentWindowDays int
	conflictRetries  int
	statsCacheTTL    time.Duration
}

// MushafServiceConfig tunes merge and caching behaviour.
type MushafServiceConfig struct {
	RecentWindowDays int
	ConflictRetries  int
	StatsCacheTTL    time.Duration
}

// NewMushafService constructs the ledger service.
func NewMushafService(repo mushafStore, cache *CacheService, validate *validator.Validate, logger *zap.Logger, clock Clock, cfg MushafServiceConfig) *MushafService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if cfg.RecentWindowDays <= 0 {
		cfg.RecentWindowDays = 7
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	return &MushafService{
		repo:             repo,
		cache:            cache,
		validator:        validate,
		logger:           logger,
		clock:            clock,
		recentWindowDays: cfg.RecentWindowDays,
		conflictRetries:  cfg.ConflictRetries,
		statsCacheTTL:    cfg.StatsCacheTTL,
	}
}

// AddMistake merges a directly reported mistake into the student's ledger.
func (s *MushafService) AddMistake(ctx context.Context, studentID string, req dto.AddLedgerMistakeRequest, actor *models.JWTClaims) (*models.MushafMistake, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid mistake payload")
	}
	if !models.ValidWorkflowStep(req.WorkflowStep) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown workflow step")
	}
	candidate := models.MushafMistake{
		Type:         req.Type,
		Category:     req.Category,
		Page:         req.Page,
		Surah:        req.Surah,
		Ayah:         req.Ayah,
		WordIndex:    req.WordIndex,
		LetterIndex:  req.LetterIndex,
		WorkflowStep: req.WorkflowStep,
		TajweedRule:  req.TajweedRule,
		MarkedBy:     actor.UserID,
		MarkedByName: actor.FullName,
	}
	return s.Record(ctx, studentID, candidate)
}

// Record folds one mistake occurrence into the student's ledger. A mistake
// with a fingerprint already present becomes a recurrence: the existing
// record's repeat count grows, its last-marked time refreshes, and a
// previously resolved record is un-resolved. New fingerprints append a fresh
// record. The whole aggregate is written atomically under its version guard.
func (s *MushafService) Record(ctx context.Context, studentID string, candidate models.MushafMistake) (*models.MushafMistake, error) {
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student id is required")
	}
	if candidate.Type == "" || candidate.Category == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "type and category are required")
	}

	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		record, err := s.recordOnce(ctx, studentID, candidate)
		if err == nil {
			s.invalidateStats(ctx, studentID)
			return record, nil
		}
		if !errors.Is(err, appErrors.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("ledger write conflicted, retrying",
			zap.String("student_id", studentID), zap.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

func (s *MushafService) recordOnce(ctx context.Context, studentID string, candidate models.MushafMistake) (*models.MushafMistake, error) {
	now := s.clock.Now()
	mushaf, fresh, err := s.load(ctx, studentID)
	if err != nil {
		return nil, err
	}

	key := candidate.Fingerprint()
	existing := mushaf.FindByFingerprint(key)
	var record *models.MushafMistake
	if existing != nil {
		existing.RepeatCount++
		existing.LastMarkedAt = now
		existing.Resolved = false
		existing.ResolvedAt = nil
		existing.MarkedBy = candidate.MarkedBy
		existing.MarkedByName = candidate.MarkedByName
		if candidate.TicketID != nil {
			existing.TicketID = candidate.TicketID
		}
		record = existing
	} else {
		added := candidate
		added.ID = uuid.NewString()
		added.FirstMarkedAt = now
		added.LastMarkedAt = now
		added.RepeatCount = 1
		added.Resolved = false
		added.ResolvedAt = nil
		mushaf.Mistakes = append(mushaf.Mistakes, added)
		record = &mushaf.Mistakes[len(mushaf.Mistakes)-1]
	}

	if err := s.save(ctx, mushaf, fresh); err != nil {
		return nil, err
	}
	result := *record
	return &result, nil
}

// Resolve marks a ledger record as fixed. A later recurrence of the same
// fingerprint flips it back to unresolved.
func (s *MushafService) Resolve(ctx context.Context, studentID, mistakeID string, actor *models.JWTClaims) (*models.MushafMistake, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() {
		return nil, appErrors.ErrForbidden
	}

	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		now := s.clock.Now()
		mushaf, fresh, err := s.load(ctx, studentID)
		if err != nil {
			return nil, err
		}
		if fresh {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student has no recorded mistakes")
		}
		record := mushaf.FindByID(mistakeID)
		if record == nil {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "mistake not found in personal mushaf")
		}
		record.Resolved = true
		record.ResolvedAt = &now

		if err := s.save(ctx, mushaf, false); err != nil {
			if errors.Is(err, appErrors.ErrConcurrencyConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		s.invalidateStats(ctx, studentID)
		result := *record
		return &result, nil
	}
	return nil, lastErr
}

// GetLedger returns the student's ledger, optionally narrowed by filters.
func (s *MushafService) GetLedger(ctx context.Context, studentID string, filter models.MushafFilter, actor *models.JWTClaims) (*dto.LedgerView, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() && actor.UserID != studentID {
		return nil, appErrors.ErrForbidden
	}
	mushaf, _, err := s.load(ctx, studentID)
	if err != nil {
		return nil, err
	}
	mistakes := []models.MushafMistake(mushaf.Mistakes)
	if filter.WorkflowStep != "" {
		if !models.ValidWorkflowStep(filter.WorkflowStep) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown workflow step")
		}
		mistakes = MistakesByWorkflowStep(mistakes, filter.WorkflowStep)
	}
	if filter.Recency != "" {
		if !models.ValidRecencyBucket(filter.Recency) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown recency bucket")
		}
		mistakes = FilterMistakesByRecency(mistakes, filter.Recency, s.clock.Now(), s.recentWindowDays)
	}
	if filter.SinceDays > 0 {
		mistakes = MistakesWithinDays(mistakes, filter.SinceDays, s.clock.Now())
	}
	if filter.Resolved != nil {
		kept := make([]models.MushafMistake, 0, len(mistakes))
		for _, m := range mistakes {
			if m.Resolved == *filter.Resolved {
				kept = append(kept, m)
			}
		}
		mistakes = kept
	}
	return &dto.LedgerView{StudentID: studentID, Mistakes: mistakes, Total: len(mistakes)}, nil
}

// GetStatistics aggregates the student's full ledger, read through the cache.
func (s *MushafService) GetStatistics(ctx context.Context, studentID string, actor *models.JWTClaims) (*dto.MistakeStatistics, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.CanReview() && actor.UserID != studentID {
		return nil, appErrors.ErrForbidden
	}

	cacheKey := s.statsCacheKey(studentID)
	var cached dto.MistakeStatistics
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return &cached, nil
	}

	mushaf, _, err := s.load(ctx, studentID)
	if err != nil {
		return nil, err
	}
	stats := CalculateMistakeStatistics(mushaf.Mistakes)
	if err := s.cache.Set(ctx, cacheKey, stats, s.statsCacheTTL); err != nil {
		s.logger.Warn("failed to cache ledger statistics", zap.String("student_id", studentID), zap.Error(err))
	}
	return &stats, nil
}

// load fetches the aggregate, returning an empty version-zero ledger when the
// student has none yet (fresh == true).
func (s *MushafService) load(ctx context.Context, studentID string) (*models.PersonalMushaf, bool, error) {
	mushaf, err := s.repo.Get(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.PersonalMushaf{StudentID: studentID, Mistakes: models.MushafMistakes{}}, true, nil
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load personal mushaf")
	}
	return mushaf, false, nil
}

// save persists the aggregate, translating guard failures into a retryable
// concurrency conflict.
func (s *MushafService) save(ctx context.Context, mushaf *models.PersonalMushaf, fresh bool) error {
	var err error
	if fresh {
		err = s.repo.Create(ctx, mushaf)
	} else {
		err = s.repo.Update(ctx, mushaf, mushaf.Version)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrConcurrencyConflict, "personal mushaf changed concurrently")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist personal mushaf")
	}
	return nil
}

func (s *MushafService) invalidateStats(ctx context.Context, studentID string) {
	if err := s.cache.Invalidate(ctx, s.statsCacheKey(studentID)); err != nil {
		s.logger.Warn("failed to invalidate ledger statistics cache",
			zap.String("student_id", studentID), zap.Error(err))
	}
}

func (s *MushafService) statsCacheKey(studentID string) string {
	return fmt.Sprintf("mushaf:stats:%s", studentID)
}
