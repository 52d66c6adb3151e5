package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ExamRepository reads exam definitions, answer key included, from PostgreSQL.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetDefinition loads a published exam with its ordered questions.
func (r *ExamRepository) GetDefinition(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, status
		 FROM exams WHERE id = $1 AND status = $2`, id, model.ExamStatusPublished,
	).Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, attempt.ErrExamNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, prompt, options, marks, correct_option
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY order_num`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			q       model.Question
			options []byte
		)
		if err := rows.Scan(&q.ID, &q.Prompt, &options, &q.Marks, &q.CorrectOption); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of question %s: %w", q.ID, err)
		}
		e.Questions = append(e.Questions, q)
	}
	return e, rows.Err()
}

// ListPublishedIDs returns the ids of all published exams.
// Used for cache prewarming on application startup.
func (r *ExamRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exams WHERE status = $1 ORDER BY created_at DESC`, model.ExamStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertExam writes a full definition, replacing its questions.
func (r *ExamRepository) UpsertExam(ctx context.Context, e *model.ExamDefinition) error {
	if err := e.Validate(); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO exams (id, title, duration_minutes, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title, duration_minutes = EXCLUDED.duration_minutes,
		     status = EXCLUDED.status, updated_at = NOW()`,
		e.ID, e.Title, e.DurationMinutes, e.Status); err != nil {
		return fmt.Errorf("upsert exam: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE exam_id = $1`, e.ID); err != nil {
		return fmt.Errorf("clear questions: %w", err)
	}

	batch := &pgx.Batch{}
	for i, q := range e.Questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO questions (id, exam_id, order_num, prompt, options, marks, correct_option)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			q.ID, e.ID, i+1, q.Prompt, options, q.Marks, q.CorrectOption)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert questions: %w", err)
	}

	return tx.Commit(ctx)
}
