package attempt

import "errors"

// Domain errors. Only ErrInvalidAnswer and ErrAlreadySubmitted are meant to reach a
// participant; ErrAlreadySubmitted is a terminal state, not a failure.
var (
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrInvalidAnswer    = errors.New("invalid answer")
	ErrStoreUnavailable = errors.New("attempt store unavailable")
	ErrSessionNotFound  = errors.New("session not found")
	ErrExamNotFound     = errors.New("exam not found")
	ErrResultNotFound   = errors.New("result not found")
)

// Store errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)
