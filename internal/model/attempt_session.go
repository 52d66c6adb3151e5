package model

import (
	"time"

	"github.com/google/uuid"
)

// Trigger is the cause that initiated a finalize.
type Trigger string

const (
	TriggerExplicit           Trigger = "EXPLICIT"
	TriggerDeadlineExpired    Trigger = "DEADLINE_EXPIRED"
	TriggerClientDisconnected Trigger = "CLIENT_DISCONNECTED"
)

// Valid reports whether t is one of the known triggers.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerExplicit, TriggerDeadlineExpired, TriggerClientDisconnected:
		return true
	}
	return false
}

// Answers maps question ID to the chosen option label.
type Answers map[string]string

// Clone returns an independent copy.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// AttemptSession is a participant's single attempt at an exam.
// At most one exists per (ExamID, ParticipantID).
type AttemptSession struct {
	ID            uuid.UUID  `json:"id"`
	ExamID        uuid.UUID  `json:"exam_id"`
	ParticipantID int        `json:"participant_id"`
	StartedAt     time.Time  `json:"started_at"`
	DeadlineAt    time.Time  `json:"deadline_at"`
	Answers       Answers    `json:"answers"`
	Flagged       []string   `json:"flagged"`
	IsSubmitted   bool       `json:"is_submitted"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	SubmitTrigger Trigger    `json:"submit_trigger,omitempty"`
}

// Checkpoint is the in-progress state written by the periodic autosave.
type Checkpoint struct {
	Answers Answers
	Flagged []string
}

// Finalization is the single atomic write that freezes an attempt and records its result.
type Finalization struct {
	SessionID   uuid.UUID
	Answers     Answers
	Flagged     []string
	SubmittedAt time.Time
	Trigger     Trigger
	Result      Result
}

// SetAnswerRequest is the body of PUT /sessions/:session_id/answers.
type SetAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Option     string `json:"option" binding:"required,option_label"`
}

// SetFlagRequest is the body of PUT /sessions/:session_id/flags.
type SetFlagRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Flagged    *bool  `json:"flagged" binding:"required"`
}

// VisibilityRequest reports a page visibility change, usually via sendBeacon.
type VisibilityRequest struct {
	State string `json:"state" binding:"required,oneof=hidden visible unload"`
}
