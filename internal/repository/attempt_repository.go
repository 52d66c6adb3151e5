package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// AttemptRepository is the PostgreSQL attempt store.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

var _ attempt.Store = (*AttemptRepository)(nil)

const attemptColumns = `id, exam_id, participant_id, started_at, deadline_at, answers, flagged,
	is_submitted, submitted_at, submit_trigger`

func scanAttempt(row pgx.Row) (*model.AttemptSession, error) {
	var (
		s       model.AttemptSession
		answers []byte
		flagged []byte
		trigger *string
	)
	if err := row.Scan(&s.ID, &s.ExamID, &s.ParticipantID, &s.StartedAt, &s.DeadlineAt,
		&answers, &flagged, &s.IsSubmitted, &s.SubmittedAt, &trigger); err != nil {
		return nil, err
	}
	if err := decodeAnswerState(answers, flagged, &s); err != nil {
		return nil, err
	}
	if trigger != nil {
		s.SubmitTrigger = model.Trigger(*trigger)
	}
	return &s, nil
}

// CreateIfAbsent inserts the attempt. The unique (exam_id, participant_id)
// constraint makes the second of two racing inserts a no-op.
func (r *AttemptRepository) CreateIfAbsent(ctx context.Context, s *model.AttemptSession) (*model.AttemptSession, error) {
	answers, flagged, err := encodeAnswerState(s.Answers, s.Flagged)
	if err != nil {
		return nil, err
	}

	created, err := scanAttempt(r.pool.QueryRow(ctx,
		`INSERT INTO attempt_sessions (id, exam_id, participant_id, started_at, deadline_at, answers, flagged)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (exam_id, participant_id) DO NOTHING
		 RETURNING `+attemptColumns,
		s.ID, s.ExamID, s.ParticipantID, s.StartedAt, s.DeadlineAt, answers, flagged,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, attempt.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	return created, nil
}

// Read retrieves the attempt for an exam-participant combination.
func (r *AttemptRepository) Read(ctx context.Context, examID uuid.UUID, participantID int) (*model.AttemptSession, error) {
	s, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempt_sessions
		 WHERE exam_id = $1 AND participant_id = $2`, examID, participantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, attempt.ErrNotFound
	}
	return s, err
}

// UpdateAnswers overwrites the checkpointed answers of an unsubmitted attempt.
func (r *AttemptRepository) UpdateAnswers(ctx context.Context, sessionID uuid.UUID, cp model.Checkpoint) error {
	answers, flagged, err := encodeAnswerState(cp.Answers, cp.Flagged)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE attempt_sessions
		 SET answers = $2, flagged = $3, updated_at = NOW()
		 WHERE id = $1 AND NOT is_submitted`,
		sessionID, answers, flagged)
	if err != nil {
		return fmt.Errorf("update answers: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrSubmitted(ctx, sessionID)
	}
	return nil
}

// FinalizeIfUnsubmitted freezes the attempt and inserts its Result in one
// transaction. The conditional UPDATE is the compare-and-set.
func (r *AttemptRepository) FinalizeIfUnsubmitted(ctx context.Context, f model.Finalization) error {
	answers, flagged, err := encodeAnswerState(f.Answers, f.Flagged)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE attempt_sessions
		 SET answers = $2, flagged = $3, is_submitted = TRUE, submitted_at = $4,
		     submit_trigger = $5, updated_at = NOW()
		 WHERE id = $1 AND NOT is_submitted`,
		f.SessionID, answers, flagged, f.SubmittedAt, string(f.Trigger))
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrSubmitted(ctx, f.SessionID)
	}

	res := f.Result
	if _, err := tx.Exec(ctx,
		`INSERT INTO results (session_id, exam_id, participant_id, score, total_marks, percentage, submit_trigger, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.SessionID, res.ExamID, res.ParticipantID, res.Score, res.TotalMarks, res.Percentage,
		string(res.Trigger), res.CreatedAt); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

// ReadResult retrieves the Result recorded at finalize.
func (r *AttemptRepository) ReadResult(ctx context.Context, examID uuid.UUID, participantID int) (*model.Result, error) {
	var (
		res     model.Result
		trigger string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT session_id, exam_id, participant_id, score, total_marks, percentage, submit_trigger, created_at
		 FROM results
		 WHERE exam_id = $1 AND participant_id = $2`, examID, participantID,
	).Scan(&res.SessionID, &res.ExamID, &res.ParticipantID, &res.Score, &res.TotalMarks,
		&res.Percentage, &trigger, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, attempt.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	res.Trigger = model.Trigger(trigger)
	return &res, nil
}

// ListExpired returns unsubmitted attempts whose deadline is before now, oldest first.
func (r *AttemptRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.AttemptSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempt_sessions
		 WHERE NOT is_submitted AND deadline_at <= $1
		 ORDER BY deadline_at
		 LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.AttemptSession
	for rows.Next() {
		s, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (r *AttemptRepository) missingOrSubmitted(ctx context.Context, sessionID uuid.UUID) error {
	var submitted bool
	err := r.pool.QueryRow(ctx,
		`SELECT is_submitted FROM attempt_sessions WHERE id = $1`, sessionID,
	).Scan(&submitted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return attempt.ErrNotFound
	case err != nil:
		return err
	case submitted:
		return attempt.ErrAlreadySubmitted
	}
	return fmt.Errorf("attempt %s was not updated", sessionID)
}

func encodeAnswerState(answers model.Answers, flagged []string) ([]byte, []byte, error) {
	if answers == nil {
		answers = model.Answers{}
	}
	if flagged == nil {
		flagged = []string{}
	}
	a, err := json.Marshal(answers)
	if err != nil {
		return nil, nil, fmt.Errorf("encode answers: %w", err)
	}
	f, err := json.Marshal(flagged)
	if err != nil {
		return nil, nil, fmt.Errorf("encode flagged: %w", err)
	}
	return a, f, nil
}

func decodeAnswerState(answers, flagged []byte, s *model.AttemptSession) error {
	s.Answers = model.Answers{}
	s.Flagged = []string{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &s.Answers); err != nil {
			return fmt.Errorf("decode answers: %w", err)
		}
	}
	if len(flagged) > 0 {
		if err := json.Unmarshal(flagged, &s.Flagged); err != nil {
			return fmt.Errorf("decode flagged: %w", err)
		}
	}
	return nil
}
