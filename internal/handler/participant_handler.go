package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

// Submit statuses returned by the submit endpoint.
const (
	SubmitStatusSubmitted        = "SUBMITTED"
	SubmitStatusAlreadySubmitted = "ALREADY_SUBMITTED"
)

// ParticipantHandler handles the participant-facing attempt endpoints.
type ParticipantHandler struct {
	attempts *attempt.Service
	log      zerolog.Logger
}

// NewParticipantHandler creates a new ParticipantHandler.
func NewParticipantHandler(attempts *attempt.Service, log zerolog.Logger) *ParticipantHandler {
	return &ParticipantHandler{
		attempts: attempts,
		log:      log.With().Str("component", "participant_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/participant/exams/:exam_id/start
// Creates the participant's attempt or resumes it after a reload or crash.
func (h *ParticipantHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	res, err := h.attempts.Start(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, attempt.ErrAlreadySubmitted):
			response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
		default:
			h.fail(c, err)
		}
		return
	}

	response.Success(c, http.StatusOK, res)
}

// GetResult godoc
// GET /api/v1/participant/exams/:exam_id/result
func (h *ParticipantHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	res, err := h.attempts.Result(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// SetAnswer godoc
// PUT /api/v1/participant/sessions/:session_id/answers
// Answers are held in memory and persisted by the session's checkpoint ticker.
func (h *ParticipantHandler) SetAnswer(c *gin.Context) {
	claims, sessionID, ok := sessionRequest(c)
	if !ok {
		return
	}

	var req model.SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.SetAnswer(sessionID, claims.UserID, req.QuestionID, req.Option); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// SetFlag godoc
// PUT /api/v1/participant/sessions/:session_id/flags
func (h *ParticipantHandler) SetFlag(c *gin.Context) {
	claims, sessionID, ok := sessionRequest(c)
	if !ok {
		return
	}

	var req model.SetFlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.SetFlag(sessionID, claims.UserID, req.QuestionID, *req.Flagged); err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// GetConfirmation godoc
// GET /api/v1/participant/sessions/:session_id/confirmation
// Returns the answered/unanswered/flagged counts shown before submitting.
func (h *ParticipantHandler) GetConfirmation(c *gin.Context) {
	claims, sessionID, ok := sessionRequest(c)
	if !ok {
		return
	}

	conf, err := h.attempts.Confirmation(sessionID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, conf)
}

// Submit godoc
// POST /api/v1/participant/sessions/:session_id/submit
// A second submit is not an error: it answers 200 with status ALREADY_SUBMITTED.
func (h *ParticipantHandler) Submit(c *gin.Context) {
	claims, sessionID, ok := sessionRequest(c)
	if !ok {
		return
	}

	out, err := h.attempts.RequestSubmit(c.Request.Context(), sessionID, claims.UserID, model.TriggerExplicit)
	switch {
	case err == nil:
		response.Success(c, http.StatusOK, gin.H{"status": SubmitStatusSubmitted, "outcome": out})
	case errors.Is(err, attempt.ErrAlreadySubmitted):
		response.Success(c, http.StatusOK, gin.H{"status": SubmitStatusAlreadySubmitted})
	case errors.Is(err, attempt.ErrStoreUnavailable):
		h.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Explicit submit not persisted")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrSubmitPending)
	default:
		h.fail(c, err)
	}
}

// ReportVisibility godoc
// POST /api/v1/participant/sessions/:session_id/visibility
// Target of navigator.sendBeacon on page hide and unload.
func (h *ParticipantHandler) ReportVisibility(c *gin.Context) {
	claims, sessionID, ok := sessionRequest(c)
	if !ok {
		return
	}

	var req model.VisibilityRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.Visibility(sessionID, claims.UserID, req.State); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// sessionRequest extracts the caller and the :session_id parameter, writing the
// error response itself when either is missing.
func sessionRequest(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, sessionID, true
}

// fail maps attempt errors onto the response envelope.
func (h *ParticipantHandler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
	}
	if code == response.ErrInvalidAnswer {
		response.FailWithMessage(c, status, code, err.Error())
		return
	}
	response.Fail(c, status, code)
}

func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, attempt.ErrInvalidAnswer):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	case errors.Is(err, attempt.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, attempt.ErrExamNotFound):
		return http.StatusNotFound, response.ErrExamNotFound
	case errors.Is(err, attempt.ErrResultNotFound):
		return http.StatusNotFound, response.ErrResultNotFound
	case errors.Is(err, attempt.ErrAlreadySubmitted):
		return http.StatusConflict, response.ErrAlreadySubmitted
	case errors.Is(err, attempt.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, response.ErrStoreUnavailable
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
