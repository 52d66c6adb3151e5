package model

import (
	"time"

	"github.com/google/uuid"
)

// Result is the graded outcome of a finalized attempt. Append-only.
type Result struct {
	SessionID     uuid.UUID `json:"session_id"`
	ExamID        uuid.UUID `json:"exam_id"`
	ParticipantID int       `json:"participant_id"`
	Score         int       `json:"score"`
	TotalMarks    int       `json:"total_marks"`
	Percentage    float64   `json:"percentage"`
	Trigger       Trigger   `json:"trigger"`
	CreatedAt     time.Time `json:"created_at"`
}
