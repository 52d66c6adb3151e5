// Package scoring grades a completed answer set against an exam's answer key.
// Everything here is pure: no store, no clock.
package scoring

import (
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Calculate returns the sum of marks for every question whose recorded option
// equals the correct option. Unanswered and incorrect questions contribute zero.
func Calculate(answers model.Answers, questions []model.Question) int {
	score := 0
	for _, q := range questions {
		if chosen, ok := answers[q.ID.String()]; ok && chosen == q.CorrectOption {
			score += q.Marks
		}
	}
	return score
}

// Percentage is score / total * 100, or 0 when total is 0.
func Percentage(score, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(score) / float64(total) * 100
}

// Breakdown counts how an answer set splits across questions.
type Breakdown struct {
	Score      int
	TotalMarks int
	Correct    int
	Incorrect  int
	Unanswered int
}

// Summarize grades answers and also reports per-question counts.
func Summarize(answers model.Answers, questions []model.Question) Breakdown {
	var b Breakdown
	for _, q := range questions {
		b.TotalMarks += q.Marks
		chosen, ok := answers[q.ID.String()]
		switch {
		case !ok:
			b.Unanswered++
		case chosen == q.CorrectOption:
			b.Correct++
			b.Score += q.Marks
		default:
			b.Incorrect++
		}
	}
	return b
}
