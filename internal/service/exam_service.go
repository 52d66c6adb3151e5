package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"golang.org/x/sync/singleflight"
)

// ExamDefinitionRepository is implemented by both the PostgreSQL and SQLite repositories.
type ExamDefinitionRepository interface {
	GetDefinition(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
}

// examCacheTTL bounds how long a definition lives in Redis. Published exams are
// immutable, so this only limits memory held for archived exams.
const examCacheTTL = 24 * time.Hour

// ExamService resolves published exam definitions for the attempt core. Lookups
// go through an in-process map, then Redis (when configured), then the repository.
type ExamService struct {
	repo  ExamDefinitionRepository
	rdb   *redis.Client
	log   zerolog.Logger
	group singleflight.Group

	mu    sync.RWMutex
	local map[uuid.UUID]*model.ExamDefinition
}

var _ attempt.ExamSource = (*ExamService)(nil)

// NewExamService creates a new ExamService. rdb may be nil.
func NewExamService(repo ExamDefinitionRepository, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		repo:  repo,
		rdb:   rdb,
		log:   log.With().Str("component", "exam_service").Logger(),
		local: make(map[uuid.UUID]*model.ExamDefinition),
	}
}

// GetExam returns the definition with answer key, or attempt.ErrExamNotFound.
func (s *ExamService) GetExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	s.mu.RLock()
	exam, ok := s.local[examID]
	s.mu.RUnlock()
	if ok {
		return exam, nil
	}

	v, err, _ := s.group.Do(examID.String(), func() (interface{}, error) {
		return s.load(ctx, examID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.ExamDefinition), nil
}

func (s *ExamService) load(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	if exam, err := s.fromRedis(ctx, examID); err == nil {
		s.remember(exam)
		return exam, nil
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Redis exam lookup failed, reading repository")
	}

	exam, err := s.repo.GetDefinition(ctx, examID)
	if err != nil {
		if errors.Is(err, attempt.ErrExamNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load exam %s: %w", examID, err)
	}
	if len(exam.Questions) == 0 {
		return nil, attempt.ErrExamNotFound
	}

	s.remember(exam)
	if err := s.toRedis(ctx, exam); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to cache exam in Redis")
	}
	return exam, nil
}

func (s *ExamService) fromRedis(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	if s.rdb == nil {
		return nil, redis.Nil
	}
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamDefinitionKey(examID.String())).Bytes()
	if err != nil {
		return nil, err
	}
	var exam model.ExamDefinition
	if err := json.Unmarshal(data, &exam); err != nil {
		return nil, fmt.Errorf("unmarshal exam: %w", err)
	}
	return &exam, nil
}

func (s *ExamService) toRedis(ctx context.Context, exam *model.ExamDefinition) error {
	if s.rdb == nil {
		return nil
	}
	data, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}
	return s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(exam.ID.String()), data, examCacheTTL).Err()
}

func (s *ExamService) remember(exam *model.ExamDefinition) {
	s.mu.Lock()
	s.local[exam.ID] = exam
	s.mu.Unlock()
}

// Invalidate drops a definition from both cache tiers, used after re-seeding an exam.
func (s *ExamService) Invalidate(ctx context.Context, examID uuid.UUID) error {
	s.mu.Lock()
	delete(s.local, examID)
	s.mu.Unlock()

	if s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx, config.CacheKey.ExamDefinitionKey(examID.String())).Err()
}

// Prewarm loads all published exams into the caches on application startup so the
// first wave of Start calls does not stampede the repository.
func (s *ExamService) Prewarm(ctx context.Context) error {
	ids, err := s.repo.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}

	if len(ids) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(ids)).Msg("Prewarming published exams...")

	warmed := 0
	for _, id := range ids {
		if _, err := s.GetExam(ctx, id); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", id.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}
