package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// SQLiteStore is the embedded attempt store and exam repository used for
// single-node deployments and local runs. Timestamps are unix microseconds.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ attempt.Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps db and creates the schema if it does not exist.
func NewSQLiteStore(ctx context.Context, db *sqlx.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exams (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
			status TEXT NOT NULL,
			questions_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attempt_sessions (
			id TEXT PRIMARY KEY,
			exam_id TEXT NOT NULL REFERENCES exams(id),
			participant_id INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			deadline_at INTEGER NOT NULL,
			answers_json TEXT NOT NULL DEFAULT '{}',
			flagged_json TEXT NOT NULL DEFAULT '[]',
			is_submitted INTEGER NOT NULL DEFAULT 0,
			submitted_at INTEGER,
			submit_trigger TEXT,
			UNIQUE (exam_id, participant_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempt_sessions_open_deadline
			ON attempt_sessions (deadline_at) WHERE is_submitted = 0`,
		`CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE REFERENCES attempt_sessions(id),
			exam_id TEXT NOT NULL,
			participant_id INTEGER NOT NULL,
			score INTEGER NOT NULL,
			total_marks INTEGER NOT NULL,
			percentage REAL NOT NULL,
			submit_trigger TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (exam_id, participant_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

type sqliteAttemptRow struct {
	ID            string         `db:"id"`
	ExamID        string         `db:"exam_id"`
	ParticipantID int            `db:"participant_id"`
	StartedAt     int64          `db:"started_at"`
	DeadlineAt    int64          `db:"deadline_at"`
	Answers       string         `db:"answers_json"`
	Flagged       string         `db:"flagged_json"`
	IsSubmitted   bool           `db:"is_submitted"`
	SubmittedAt   sql.NullInt64  `db:"submitted_at"`
	SubmitTrigger sql.NullString `db:"submit_trigger"`
}

func (r sqliteAttemptRow) toModel() (*model.AttemptSession, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	examID, err := uuid.Parse(r.ExamID)
	if err != nil {
		return nil, err
	}
	s := &model.AttemptSession{
		ID:            id,
		ExamID:        examID,
		ParticipantID: r.ParticipantID,
		StartedAt:     time.UnixMicro(r.StartedAt).UTC(),
		DeadlineAt:    time.UnixMicro(r.DeadlineAt).UTC(),
		IsSubmitted:   r.IsSubmitted,
	}
	if err := decodeAnswerState([]byte(r.Answers), []byte(r.Flagged), s); err != nil {
		return nil, err
	}
	if r.SubmittedAt.Valid {
		at := time.UnixMicro(r.SubmittedAt.Int64).UTC()
		s.SubmittedAt = &at
	}
	if r.SubmitTrigger.Valid {
		s.SubmitTrigger = model.Trigger(r.SubmitTrigger.String)
	}
	return s, nil
}

const sqliteAttemptColumns = `id, exam_id, participant_id, started_at, deadline_at, answers_json, flagged_json,
	is_submitted, submitted_at, submit_trigger`

// CreateIfAbsent inserts the attempt unless one exists for the pair.
func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, a *model.AttemptSession) (*model.AttemptSession, error) {
	answers, flagged, err := encodeAnswerState(a.Answers, a.Flagged)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attempt_sessions (id, exam_id, participant_id, started_at, deadline_at, answers_json, flagged_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (exam_id, participant_id) DO NOTHING`,
		a.ID.String(), a.ExamID.String(), a.ParticipantID, a.StartedAt.UnixMicro(), a.DeadlineAt.UnixMicro(),
		string(answers), string(flagged))
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, attempt.ErrAlreadyExists
	}

	out := *a
	out.Answers = a.Answers.Clone()
	out.Flagged = append([]string{}, a.Flagged...)
	out.StartedAt = time.UnixMicro(a.StartedAt.UnixMicro()).UTC()
	out.DeadlineAt = time.UnixMicro(a.DeadlineAt.UnixMicro()).UTC()
	return &out, nil
}

// Read retrieves the attempt for an exam-participant combination.
func (s *SQLiteStore) Read(ctx context.Context, examID uuid.UUID, participantID int) (*model.AttemptSession, error) {
	var row sqliteAttemptRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sqliteAttemptColumns+` FROM attempt_sessions WHERE exam_id = ? AND participant_id = ?`,
		examID.String(), participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, attempt.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateAnswers overwrites the checkpointed answers of an unsubmitted attempt.
func (s *SQLiteStore) UpdateAnswers(ctx context.Context, sessionID uuid.UUID, cp model.Checkpoint) error {
	answers, flagged, err := encodeAnswerState(cp.Answers, cp.Flagged)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE attempt_sessions SET answers_json = ?, flagged_json = ?
		 WHERE id = ? AND is_submitted = 0`,
		string(answers), string(flagged), sessionID.String())
	if err != nil {
		return fmt.Errorf("update answers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missingOrSubmitted(ctx, s.db, sessionID)
	}
	return nil
}

// FinalizeIfUnsubmitted freezes the attempt and inserts its Result in one transaction.
func (s *SQLiteStore) FinalizeIfUnsubmitted(ctx context.Context, f model.Finalization) error {
	answers, flagged, err := encodeAnswerState(f.Answers, f.Flagged)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE attempt_sessions
		 SET answers_json = ?, flagged_json = ?, is_submitted = 1, submitted_at = ?, submit_trigger = ?
		 WHERE id = ? AND is_submitted = 0`,
		string(answers), string(flagged), f.SubmittedAt.UnixMicro(), string(f.Trigger), f.SessionID.String())
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// The single connection belongs to tx, so the lookup must use it too.
		return missingOrSubmitted(ctx, tx, f.SessionID)
	}

	r := f.Result
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (session_id, exam_id, participant_id, score, total_marks, percentage, submit_trigger, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID.String(), r.ExamID.String(), r.ParticipantID, r.Score, r.TotalMarks, r.Percentage,
		string(r.Trigger), r.CreatedAt.UnixMicro()); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

type sqliteResultRow struct {
	SessionID     string  `db:"session_id"`
	ExamID        string  `db:"exam_id"`
	ParticipantID int     `db:"participant_id"`
	Score         int     `db:"score"`
	TotalMarks    int     `db:"total_marks"`
	Percentage    float64 `db:"percentage"`
	SubmitTrigger string  `db:"submit_trigger"`
	CreatedAt     int64   `db:"created_at"`
}

// ReadResult retrieves the Result recorded at finalize.
func (s *SQLiteStore) ReadResult(ctx context.Context, examID uuid.UUID, participantID int) (*model.Result, error) {
	var row sqliteResultRow
	err := s.db.GetContext(ctx, &row,
		`SELECT session_id, exam_id, participant_id, score, total_marks, percentage, submit_trigger, created_at
		 FROM results WHERE exam_id = ? AND participant_id = ?`,
		examID.String(), participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, attempt.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sessionID, err := uuid.Parse(row.SessionID)
	if err != nil {
		return nil, err
	}
	return &model.Result{
		SessionID:     sessionID,
		ExamID:        examID,
		ParticipantID: row.ParticipantID,
		Score:         row.Score,
		TotalMarks:    row.TotalMarks,
		Percentage:    row.Percentage,
		Trigger:       model.Trigger(row.SubmitTrigger),
		CreatedAt:     time.UnixMicro(row.CreatedAt).UTC(),
	}, nil
}

// ListExpired returns unsubmitted attempts whose deadline is before now, oldest first.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.AttemptSession, error) {
	var rows []sqliteAttemptRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sqliteAttemptColumns+` FROM attempt_sessions
		 WHERE is_submitted = 0 AND deadline_at <= ?
		 ORDER BY deadline_at LIMIT ?`,
		now.UnixMicro(), limit); err != nil {
		return nil, err
	}

	out := make([]model.AttemptSession, 0, len(rows))
	for _, row := range rows {
		a, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

type sqliteExamRow struct {
	ID              string `db:"id"`
	Title           string `db:"title"`
	DurationMinutes int    `db:"duration_minutes"`
	Status          string `db:"status"`
	Questions       string `db:"questions_json"`
}

// GetDefinition loads a published exam with its ordered questions.
func (s *SQLiteStore) GetDefinition(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	var row sqliteExamRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, title, duration_minutes, status, questions_json FROM exams WHERE id = ? AND status = ?`,
		id.String(), string(model.ExamStatusPublished))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, attempt.ErrExamNotFound
	}
	if err != nil {
		return nil, err
	}

	e := &model.ExamDefinition{
		ID:              id,
		Title:           row.Title,
		DurationMinutes: row.DurationMinutes,
		Status:          model.ExamStatus(row.Status),
	}
	if err := json.Unmarshal([]byte(row.Questions), &e.Questions); err != nil {
		return nil, fmt.Errorf("decode questions of exam %s: %w", id, err)
	}
	return e, nil
}

// ListPublishedIDs returns the ids of all published exams.
func (s *SQLiteStore) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	var raw []string
	if err := s.db.SelectContext(ctx, &raw,
		`SELECT id FROM exams WHERE status = ? ORDER BY created_at DESC`,
		string(model.ExamStatusPublished)); err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UpsertExam writes a full definition.
func (s *SQLiteStore) UpsertExam(ctx context.Context, e *model.ExamDefinition) error {
	if err := e.Validate(); err != nil {
		return err
	}
	questions, err := json.Marshal(e.Questions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO exams (id, title, duration_minutes, status, questions_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   title = excluded.title, duration_minutes = excluded.duration_minutes,
		   status = excluded.status, questions_json = excluded.questions_json`,
		e.ID.String(), e.Title, e.DurationMinutes, string(e.Status), string(questions), time.Now().UnixMicro())
	if err != nil {
		return fmt.Errorf("upsert exam: %w", err)
	}
	return nil
}

func missingOrSubmitted(ctx context.Context, q sqlx.QueryerContext, sessionID uuid.UUID) error {
	var submitted bool
	err := sqlx.GetContext(ctx, q, &submitted,
		`SELECT is_submitted FROM attempt_sessions WHERE id = ?`, sessionID.String())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return attempt.ErrNotFound
	case err != nil:
		return err
	case submitted:
		return attempt.ErrAlreadySubmitted
	}
	return fmt.Errorf("attempt %s was not updated", sessionID)
}
