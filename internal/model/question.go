package model

import (
	"github.com/google/uuid"
)

// OptionLabels are the four labels every multiple-choice question carries, in order.
var OptionLabels = []string{"A", "B", "C", "D"}

// Option is one labelled choice of a question.
type Option struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Question is a single multiple-choice item including its answer key.
// Only the scorer may read CorrectOption; participants receive QuestionForParticipant.
type Question struct {
	ID            uuid.UUID `json:"id"`
	Prompt        string    `json:"prompt"`
	Options       []Option  `json:"options"`
	Marks         int       `json:"marks"`
	CorrectOption string    `json:"correct_option"`
}

// HasOption reports whether label is one of the question's options.
func (q *Question) HasOption(label string) bool {
	for _, o := range q.Options {
		if o.Label == label {
			return true
		}
	}
	return false
}

// QuestionForParticipant is a question without the correct answer, sent to participants.
type QuestionForParticipant struct {
	ID       uuid.UUID `json:"id"`
	Prompt   string    `json:"prompt"`
	Options  []Option  `json:"options"`
	Marks    int       `json:"marks"`
	OrderNum int       `json:"order_num"`
}
