package validator

import (
	"testing"

	"github.com/gin-gonic/gin/binding"
)

type answerBody struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Option     string `json:"option" binding:"required,option_label"`
}

func TestOptionLabelRule(t *testing.T) {
	Setup()

	tests := []struct {
		name   string
		body   answerBody
		fields []string
	}{
		{"valid", answerBody{QuestionID: "11111111-1111-1111-1111-111111111111", Option: "c"}, nil},
		{"bad label", answerBody{QuestionID: "11111111-1111-1111-1111-111111111111", Option: "E"}, []string{"option"}},
		{"missing both", answerBody{}, []string{"question_id", "option"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := binding.Validator.ValidateStruct(&tt.body)
			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("ValidateStruct() error = %v, want nil", err)
				}
				return
			}
			fields := TranslateErrors(err)
			for _, f := range tt.fields {
				if fields[f] == "" {
					t.Fatalf("TranslateErrors() = %v, missing %q", fields, f)
				}
			}
		})
	}
}

func TestOptionLabelMessage(t *testing.T) {
	Setup()
	err := binding.Validator.ValidateStruct(&answerBody{QuestionID: "11111111-1111-1111-1111-111111111111", Option: "Z"})
	if got := TranslateErrors(err)["option"]; got != "option must be one of A, B, C or D" {
		t.Fatalf("message = %q", got)
	}
}
