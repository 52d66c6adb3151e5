package websocket

import (
	"github.com/stemsi/exstem-attempt/internal/attempt"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer     Action = "answer"
	ActionFlag       Action = "flag"
	ActionConfirm    Action = "confirm"
	ActionSubmit     Action = "submit"
	ActionVisibility Action = "visibility"
	ActionPing       Action = "ping"
)

// RequestPayload is the single inbound frame shape. Fields unused by an
// action are ignored.
type RequestPayload struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id,omitempty"`
	Option     string `json:"option,omitempty"`
	Flagged    bool   `json:"flagged,omitempty"`
	State      string `json:"state,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSaved            Event = "saved"
	EventConfirmation     Event = "confirmation"
	EventGraded           Event = "graded"
	EventAlreadySubmitted Event = "already_submitted"
	EventError            Event = "error"
	EventPong             Event = "pong"
)

type SavedResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
}

type ConfirmationResponse struct {
	Event Event                `json:"event"`
	Data  attempt.Confirmation `json:"data"`
}

type GradedResponse struct {
	Event Event            `json:"event"`
	Data  *attempt.Outcome `json:"data"`
}

type AlreadySubmittedResponse struct {
	Event Event `json:"event"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
