package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrParticipantAccessOnly ErrCode = "PARTICIPANT_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Attempt ───────────────────────────────────────────────────────
	ErrAlreadySubmitted ErrCode = "ALREADY_SUBMITTED"
	ErrInvalidAnswer    ErrCode = "INVALID_ANSWER"
	ErrSessionNotFound  ErrCode = "SESSION_NOT_FOUND"
	ErrExamNotFound     ErrCode = "EXAM_NOT_FOUND"
	ErrResultNotFound   ErrCode = "RESULT_NOT_FOUND"
	ErrSubmitPending    ErrCode = "SUBMIT_PENDING"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal         ErrCode = "INTERNAL_ERROR"
	ErrStoreUnavailable ErrCode = "STORE_UNAVAILABLE"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid or expired."

	case ErrParticipantAccessOnly:
		return "This resource is restricted to exam participants."

	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	case ErrAlreadySubmitted:
		return "This attempt has already been submitted."
	case ErrInvalidAnswer:
		return "The question or option does not belong to this exam."
	case ErrSessionNotFound:
		return "Exam session not found. Start or resume the exam first."
	case ErrExamNotFound:
		return "Exam not found or not published."
	case ErrResultNotFound:
		return "No result is available for this exam yet."
	case ErrSubmitPending:
		return "Submission could not be saved yet. It will be retried, please try again shortly."

	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	case ErrInternal:
		return "Internal server error."
	case ErrStoreUnavailable:
		return "The exam store is temporarily unavailable. Please try again."
	default:
		return "An unexpected error occurred."
	}
}
