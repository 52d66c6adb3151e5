package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"golang.org/x/sync/singleflight"
)

// Options tunes the timers of every session created by a Service.
type Options struct {
	CheckpointInterval  time.Duration
	CheckpointTimeout   time.Duration
	SubmitTimeout       time.Duration
	SubmitRetryInterval time.Duration
	DisconnectGrace     time.Duration
	// RetainFinished is how long a finalized session stays addressable by ID.
	RetainFinished time.Duration
}

// DefaultOptions returns the production timer settings.
func DefaultOptions() Options {
	return Options{
		CheckpointInterval:  5 * time.Second,
		CheckpointTimeout:   3 * time.Second,
		SubmitTimeout:       5 * time.Second,
		SubmitRetryInterval: 2 * time.Second,
		DisconnectGrace:     30 * time.Second,
		RetainFinished:      10 * time.Minute,
	}
}

// Session status values returned by Start.
const (
	StatusActive     = "ACTIVE"
	StatusSubmitting = "SUBMITTING"
	StatusSubmitted  = "SUBMITTED"
)

// StartResult is what the participant surface receives when opening an exam.
// Questions never carry the answer key.
type StartResult struct {
	SessionID        uuid.UUID                      `json:"session_id"`
	ExamID           uuid.UUID                      `json:"exam_id"`
	Title            string                         `json:"title"`
	DurationMinutes  int                            `json:"duration_minutes"`
	Questions        []model.QuestionForParticipant `json:"questions"`
	RemainingSeconds int64                          `json:"remaining_seconds"`
	Answers          model.Answers                  `json:"answers"`
	Flagged          []string                       `json:"flagged"`
	Status           string                         `json:"status"`
	Outcome          *Outcome                       `json:"outcome,omitempty"`
}

type ownerKey struct {
	examID        uuid.UUID
	participantID int
}

// Service is the registry of live sessions in this process and the entry point
// for the participant surface.
type Service struct {
	store     Store
	exams     ExamSource
	publisher ResultPublisher
	clock     clockwork.Clock
	opts      Options
	log       zerolog.Logger

	lifetime context.Context
	cancel   context.CancelFunc
	group    singleflight.Group

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	owners   map[ownerKey]*Session
}

// NewService builds the registry. publisher may be nil.
func NewService(store Store, exams ExamSource, publisher ResultPublisher, clock clockwork.Clock, opts Options, log zerolog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		exams:     exams,
		publisher: publisher,
		clock:     clock,
		opts:      opts,
		log:       log.With().Str("component", "attempt").Logger(),
		lifetime:  ctx,
		cancel:    cancel,
		sessions:  make(map[uuid.UUID]*Session),
		owners:    make(map[ownerKey]*Session),
	}
}

// Start creates the participant's attempt or resumes the existing one.
// A submitted attempt yields ErrAlreadySubmitted. An attempt whose deadline has
// already passed is finalized immediately and returned with status SUBMITTED.
func (svc *Service) Start(ctx context.Context, examID uuid.UUID, participantID int) (*StartResult, error) {
	exam, err := svc.exams.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s:%d", examID, participantID)
	v, err, _ := svc.group.Do(key, func() (interface{}, error) {
		return svc.open(ctx, exam, participantID)
	})
	if err != nil {
		return nil, err
	}
	sess := v.(*Session)

	answers, flagged := sess.Snapshot()
	res := &StartResult{
		SessionID:        sess.id,
		ExamID:           exam.ID,
		Title:            exam.Title,
		DurationMinutes:  exam.DurationMinutes,
		Questions:        exam.ForParticipant(),
		RemainingSeconds: sess.remainingSeconds(),
		Answers:          answers,
		Flagged:          flagged,
		Status:           StatusActive,
	}

	if res.RemainingSeconds == 0 {
		out, err := sess.Triggers().Submit(ctx, model.TriggerDeadlineExpired)
		switch {
		case err == nil:
			res.Status = StatusSubmitted
			res.Outcome = out
		case errors.Is(err, ErrAlreadySubmitted):
			res.Status = StatusSubmitted
			res.Outcome, _ = sess.Outcome()
		case errors.Is(err, ErrStoreUnavailable):
			// The aggregator keeps retrying in the background.
			res.Status = StatusSubmitting
		default:
			return nil, err
		}
	}
	return res, nil
}

func (svc *Service) open(ctx context.Context, exam *model.ExamDefinition, participantID int) (*Session, error) {
	k := ownerKey{examID: exam.ID, participantID: participantID}

	svc.mu.RLock()
	live, ok := svc.owners[k]
	svc.mu.RUnlock()
	if ok {
		select {
		case <-live.Done():
			return nil, ErrAlreadySubmitted
		default:
			return live, nil
		}
	}

	rec, err := svc.store.Read(ctx, exam.ID, participantID)
	switch {
	case errors.Is(err, ErrNotFound):
		rec, err = svc.create(ctx, exam, participantID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("%w: read attempt: %w", ErrStoreUnavailable, err)
	}

	if rec.IsSubmitted {
		return nil, ErrAlreadySubmitted
	}

	sess := newSession(rec, exam, svc)
	svc.mu.Lock()
	svc.sessions[sess.id] = sess
	svc.owners[k] = sess
	svc.mu.Unlock()

	if sess.Remaining() > 0 {
		sess.arm()
		svc.log.Info().
			Str("session_id", sess.id.String()).
			Str("exam_id", exam.ID.String()).
			Int("participant_id", participantID).
			Int("answers", len(rec.Answers)).
			Dur("remaining", sess.Remaining()).
			Msg("Attempt session active")
	}
	return sess, nil
}

func (svc *Service) create(ctx context.Context, exam *model.ExamDefinition, participantID int) (*model.AttemptSession, error) {
	now := svc.clock.Now().UTC().Truncate(time.Microsecond)
	rec := &model.AttemptSession{
		ID:            uuid.New(),
		ExamID:        exam.ID,
		ParticipantID: participantID,
		StartedAt:     now,
		DeadlineAt:    now.Add(exam.Duration()),
		Answers:       model.Answers{},
		Flagged:       []string{},
	}

	created, err := svc.store.CreateIfAbsent(ctx, rec)
	switch {
	case err == nil:
		return created, nil
	case errors.Is(err, ErrAlreadyExists):
		// Lost the creation race to another process; resume its row.
		existing, rerr := svc.store.Read(ctx, exam.ID, participantID)
		if rerr != nil {
			return nil, fmt.Errorf("%w: read after conflict: %w", ErrStoreUnavailable, rerr)
		}
		return existing, nil
	default:
		return nil, fmt.Errorf("%w: create attempt: %w", ErrStoreUnavailable, err)
	}
}

// Lookup returns the session with id if it belongs to participantID.
// Finished sessions remain addressable for a while so stale clients get
// ErrAlreadySubmitted instead of ErrSessionNotFound.
func (svc *Service) Lookup(sessionID uuid.UUID, participantID int) (*Session, error) {
	svc.mu.RLock()
	sess, ok := svc.sessions[sessionID]
	svc.mu.RUnlock()
	if !ok || sess.participantID != participantID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// SetAnswer records an answer on a live session.
func (svc *Service) SetAnswer(sessionID uuid.UUID, participantID int, questionID, option string) error {
	sess, err := svc.Lookup(sessionID, participantID)
	if err != nil {
		return err
	}
	return sess.SetAnswer(questionID, option)
}

// SetFlag marks a question for review.
func (svc *Service) SetFlag(sessionID uuid.UUID, participantID int, questionID string, flagged bool) error {
	sess, err := svc.Lookup(sessionID, participantID)
	if err != nil {
		return err
	}
	return sess.SetFlag(questionID, flagged)
}

// Confirmation returns the pre-submit summary.
func (svc *Service) Confirmation(sessionID uuid.UUID, participantID int) (Confirmation, error) {
	sess, err := svc.Lookup(sessionID, participantID)
	if err != nil {
		return Confirmation{}, err
	}
	return sess.Triggers().Confirm(), nil
}

// RequestSubmit funnels a trigger into the session's single submit path.
func (svc *Service) RequestSubmit(ctx context.Context, sessionID uuid.UUID, participantID int, trigger model.Trigger) (*Outcome, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("unknown submit trigger %q", trigger)
	}
	sess, err := svc.Lookup(sessionID, participantID)
	if err != nil {
		return nil, err
	}
	return sess.Triggers().Submit(ctx, trigger)
}

// Visibility states reported by the participant surface.
const (
	VisibilityHidden  = "hidden"
	VisibilityVisible = "visible"
	VisibilityUnload  = "unload"
)

// Visibility forwards a client visibility change to the session's aggregator.
func (svc *Service) Visibility(sessionID uuid.UUID, participantID int, state string) error {
	sess, err := svc.Lookup(sessionID, participantID)
	if err != nil {
		return err
	}
	switch state {
	case VisibilityHidden:
		sess.Triggers().ClientHidden()
	case VisibilityVisible:
		sess.Triggers().ClientVisible()
	case VisibilityUnload:
		sess.Triggers().ClientDisconnected()
	default:
		return fmt.Errorf("unknown visibility state %q", state)
	}
	return nil
}

// Result returns the stored Result for a finalized attempt.
func (svc *Service) Result(ctx context.Context, examID uuid.UUID, participantID int) (*model.Result, error) {
	r, err := svc.store.ReadResult(ctx, examID, participantID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrResultNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: read result: %w", ErrStoreUnavailable, err)
	}
	return r, nil
}

// Expire finalizes an attempt found past its deadline by a housekeeping pass.
// Attempts live in this process are left to their own deadline timer.
func (svc *Service) Expire(ctx context.Context, rec *model.AttemptSession) error {
	svc.mu.RLock()
	sess, ok := svc.sessions[rec.ID]
	svc.mu.RUnlock()
	if ok {
		select {
		case <-sess.Done():
		default:
			return nil
		}
	}

	_, err := svc.Start(ctx, rec.ExamID, rec.ParticipantID)
	if errors.Is(err, ErrAlreadySubmitted) {
		return nil
	}
	return err
}

// ActiveCount returns the number of unfinished sessions held in memory.
func (svc *Service) ActiveCount() int {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	n := 0
	for _, s := range svc.sessions {
		select {
		case <-s.Done():
		default:
			n++
		}
	}
	return n
}

// retire is called once per session when it finishes. The session stays
// addressable for RetainFinished, then is dropped from the registry.
func (svc *Service) retire(s *Session) {
	svc.clock.AfterFunc(svc.opts.RetainFinished, func() { svc.forget(s) })
}

func (svc *Service) forget(s *Session) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.sessions[s.id] == s {
		delete(svc.sessions, s.id)
	}
	k := ownerKey{examID: s.examID, participantID: s.participantID}
	if svc.owners[k] == s {
		delete(svc.owners, k)
	}
}

// Shutdown stops every timer, abandons background retries and writes a final
// best-effort checkpoint for each live session.
func (svc *Service) Shutdown(ctx context.Context) {
	svc.mu.RLock()
	live := make([]*Session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		live = append(live, s)
	}
	svc.mu.RUnlock()

	for _, s := range live {
		s.stopTimers()
		s.triggers.cancelPending()
	}
	svc.cancel()

	for _, s := range live {
		if err := s.Checkpoint(ctx); err != nil && !errors.Is(err, ErrAlreadySubmitted) {
			s.log.Warn().Err(err).Msg("Final checkpoint failed")
		}
	}
	svc.log.Info().Int("sessions", len(live)).Msg("Attempt service stopped")
}
