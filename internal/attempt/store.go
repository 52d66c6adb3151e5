package attempt

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Store is the durable attempt record keyed by (exam, participant).
//
// FinalizeIfUnsubmitted is the one atomic primitive: it must succeed for exactly one
// caller per session and must insert the Result in the same transaction. Every other
// operation may fail transiently.
type Store interface {
	// CreateIfAbsent inserts s. It returns ErrAlreadyExists when a row for
	// (s.ExamID, s.ParticipantID) is already present.
	CreateIfAbsent(ctx context.Context, s *model.AttemptSession) (*model.AttemptSession, error)

	// Read returns ErrNotFound when no attempt exists.
	Read(ctx context.Context, examID uuid.UUID, participantID int) (*model.AttemptSession, error)

	// UpdateAnswers overwrites the checkpointed answers of an unsubmitted attempt.
	// It returns ErrAlreadySubmitted when the row is frozen.
	UpdateAnswers(ctx context.Context, sessionID uuid.UUID, cp model.Checkpoint) error

	// FinalizeIfUnsubmitted returns nil for the winning caller and
	// ErrAlreadySubmitted for everyone else.
	FinalizeIfUnsubmitted(ctx context.Context, f model.Finalization) error

	// ReadResult returns ErrNotFound until the attempt has been finalized.
	ReadResult(ctx context.Context, examID uuid.UUID, participantID int) (*model.Result, error)
}

// ExamSource resolves published exam definitions including the answer key.
type ExamSource interface {
	// GetExam returns ErrExamNotFound for unknown or unpublished exams.
	GetExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
}

// ExamSourceFunc adapts a plain lookup function to ExamSource.
type ExamSourceFunc func(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)

// GetExam calls f.
func (f ExamSourceFunc) GetExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	return f(ctx, examID)
}

// ResultPublisher is notified once per finalized attempt. Failures are logged only.
type ResultPublisher interface {
	PublishResult(ctx context.Context, r model.Result) error
}
