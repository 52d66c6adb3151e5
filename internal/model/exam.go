package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the publication states of an exam definition.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// ExamDefinition is a published, immutable exam. It is owned by the authoring
// subsystem and is read-only to the attempt core.
type ExamDefinition struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          ExamStatus `json:"status"`
	Questions       []Question `json:"questions"`
}

// Duration returns the attempt time limit.
func (e *ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// TotalMarks is the sum of all question marks.
func (e *ExamDefinition) TotalMarks() int {
	total := 0
	for _, q := range e.Questions {
		total += q.Marks
	}
	return total
}

// Question looks up a question by its string identifier.
func (e *ExamDefinition) Question(questionID string) (*Question, bool) {
	for i := range e.Questions {
		if e.Questions[i].ID.String() == questionID {
			return &e.Questions[i], true
		}
	}
	return nil, false
}

// ForParticipant strips the answer key from every question.
func (e *ExamDefinition) ForParticipant() []QuestionForParticipant {
	out := make([]QuestionForParticipant, len(e.Questions))
	for i, q := range e.Questions {
		out[i] = QuestionForParticipant{
			ID:       q.ID,
			Prompt:   q.Prompt,
			Options:  q.Options,
			Marks:    q.Marks,
			OrderNum: i + 1,
		}
	}
	return out
}

// Validate checks the invariants a definition must satisfy before it is stored.
func (e *ExamDefinition) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("exam id is required")
	}
	if e.DurationMinutes <= 0 {
		return fmt.Errorf("exam %s: duration must be positive", e.ID)
	}
	if len(e.Questions) == 0 {
		return fmt.Errorf("exam %s: no questions", e.ID)
	}
	seen := make(map[uuid.UUID]struct{}, len(e.Questions))
	for i, q := range e.Questions {
		if _, dup := seen[q.ID]; dup || q.ID == uuid.Nil {
			return fmt.Errorf("exam %s: question %d has a missing or duplicate id", e.ID, i+1)
		}
		seen[q.ID] = struct{}{}
		if q.Marks <= 0 {
			return fmt.Errorf("exam %s: question %s marks must be positive", e.ID, q.ID)
		}
		if len(q.Options) != len(OptionLabels) {
			return fmt.Errorf("exam %s: question %s must have %d options", e.ID, q.ID, len(OptionLabels))
		}
		for j, o := range q.Options {
			if o.Label != OptionLabels[j] {
				return fmt.Errorf("exam %s: question %s option %d must be labelled %s", e.ID, q.ID, j+1, OptionLabels[j])
			}
		}
		if !q.HasOption(q.CorrectOption) {
			return fmt.Errorf("exam %s: question %s correct option %q is not an option", e.ID, q.ID, q.CorrectOption)
		}
	}
	return nil
}
