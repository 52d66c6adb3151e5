package model

import (
	"testing"

	"github.com/google/uuid"
)

func validExam() *ExamDefinition {
	opts := []Option{{Label: "A"}, {Label: "B"}, {Label: "C"}, {Label: "D"}}
	return &ExamDefinition{
		ID:              uuid.New(),
		Title:           "Biology",
		DurationMinutes: 45,
		Status:          ExamStatusPublished,
		Questions: []Question{
			{ID: uuid.New(), Prompt: "p1", Options: opts, Marks: 2, CorrectOption: "A"},
			{ID: uuid.New(), Prompt: "p2", Options: opts, Marks: 3, CorrectOption: "D"},
		},
	}
}

func TestExamDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *ExamDefinition)
		wantErr bool
	}{
		{"valid", func(e *ExamDefinition) {}, false},
		{"zero duration", func(e *ExamDefinition) { e.DurationMinutes = 0 }, true},
		{"no questions", func(e *ExamDefinition) { e.Questions = nil }, true},
		{"zero marks", func(e *ExamDefinition) { e.Questions[0].Marks = 0 }, true},
		{"duplicate id", func(e *ExamDefinition) { e.Questions[1].ID = e.Questions[0].ID }, true},
		{"three options", func(e *ExamDefinition) { e.Questions[0].Options = e.Questions[0].Options[:3] }, true},
		{"bad key", func(e *ExamDefinition) { e.Questions[1].CorrectOption = "E" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExam()
			tt.mutate(e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestForParticipantOmitsKey(t *testing.T) {
	e := validExam()
	qs := e.ForParticipant()
	if len(qs) != 2 || qs[0].OrderNum != 1 || qs[1].OrderNum != 2 {
		t.Fatalf("ForParticipant() = %+v", qs)
	}
	if e.TotalMarks() != 5 {
		t.Fatalf("TotalMarks() = %d, want 5", e.TotalMarks())
	}
	if _, ok := e.Question(e.Questions[1].ID.String()); !ok {
		t.Fatal("Question() did not find second question")
	}
}
