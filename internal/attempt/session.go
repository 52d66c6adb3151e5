package attempt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/scoring"
)

// Outcome is returned to the caller that won the finalize race.
type Outcome struct {
	SessionID   uuid.UUID     `json:"session_id"`
	Score       int           `json:"score"`
	TotalMarks  int           `json:"total_marks"`
	Percentage  float64       `json:"percentage"`
	Trigger     model.Trigger `json:"trigger"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// Confirmation is the advisory summary shown before an explicit submit.
type Confirmation struct {
	Answered         int   `json:"answered"`
	Unanswered       int   `json:"unanswered"`
	Flagged          int   `json:"flagged"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// Session owns the mutable state of one active attempt: the resident answer set,
// the checkpoint ticker, the deadline timer and the single submit transition.
type Session struct {
	id            uuid.UUID
	examID        uuid.UUID
	participantID int
	startedAt     time.Time
	deadline      time.Time
	exam          *model.ExamDefinition

	store     Store
	publisher ResultPublisher
	clock     clockwork.Clock
	opts      Options
	log       zerolog.Logger
	lifetime  context.Context
	onFinish  func(*Session)
	triggers  *Aggregator

	mu           sync.Mutex
	answers      model.Answers
	flagged      map[string]struct{}
	version      uint64
	savedVersion uint64
	frozen       bool
	finished     bool
	outcome      *Outcome

	checkpointing atomic.Bool
	submitSem     chan struct{}
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
}

func newSession(rec *model.AttemptSession, exam *model.ExamDefinition, svc *Service) *Session {
	s := &Session{
		id:            rec.ID,
		examID:        rec.ExamID,
		participantID: rec.ParticipantID,
		startedAt:     rec.StartedAt,
		deadline:      rec.DeadlineAt,
		exam:          exam,
		store:         svc.store,
		publisher:     svc.publisher,
		clock:         svc.clock,
		opts:          svc.opts,
		lifetime:      svc.lifetime,
		onFinish:      svc.retire,
		answers:       make(model.Answers, len(rec.Answers)),
		flagged:       make(map[string]struct{}, len(rec.Flagged)),
		submitSem:     make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.log = svc.log.With().
		Str("session_id", rec.ID.String()).
		Str("exam_id", rec.ExamID.String()).
		Int("participant_id", rec.ParticipantID).
		Logger()

	for qID, label := range rec.Answers {
		s.answers[qID] = label
	}
	for _, qID := range rec.Flagged {
		s.flagged[qID] = struct{}{}
	}
	s.triggers = newAggregator(s, svc.clock, svc.opts, svc.lifetime)
	return s
}

// ID returns the attempt identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// ExamID returns the exam this attempt belongs to.
func (s *Session) ExamID() uuid.UUID { return s.examID }

// ParticipantID returns the owner of the attempt.
func (s *Session) ParticipantID() int { return s.participantID }

// Triggers returns the aggregator that funnels every submit signal for this session.
func (s *Session) Triggers() *Aggregator { return s.triggers }

// Done is closed once the session has been finalized, by this process or another.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the graded outcome if this process won the finalize race.
func (s *Session) Outcome() (*Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return nil, false
	}
	out := *s.outcome
	return &out, true
}

// Remaining is the time left until the deadline, clamped at zero.
func (s *Session) Remaining() time.Duration {
	d := s.deadline.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) remainingSeconds() int64 {
	return int64(math.Ceil(s.Remaining().Seconds()))
}

// arm starts the checkpoint ticker and the deadline timer. Both are created before
// arm returns so the first tick is never missed.
func (s *Session) arm() {
	ticker := s.clock.NewTicker(s.opts.CheckpointInterval)
	deadline := s.clock.NewTimer(s.Remaining())
	go s.loop(ticker, deadline)
}

func (s *Session) loop(ticker clockwork.Ticker, deadline clockwork.Timer) {
	defer ticker.Stop()
	defer deadline.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			// Checkpoint runs beside the loop so a slow store never delays the deadline.
			go func() { _ = s.Checkpoint(s.lifetime) }()
		case <-deadline.Chan():
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.Info().Msg("Deadline reached")
			s.triggers.DeadlineExpired()
		}
	}
}

func (s *Session) stopTimers() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// SetAnswer records the chosen option for a question in memory. Writes after a
// submit has begun or after the deadline are ignored without error.
func (s *Session) SetAnswer(questionID, option string) error {
	option = strings.ToUpper(strings.TrimSpace(option))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen || s.finished || !s.clock.Now().Before(s.deadline) {
		return nil
	}

	q, ok := s.exam.Question(questionID)
	if !ok {
		return fmt.Errorf("%w: question %q is not part of this exam", ErrInvalidAnswer, questionID)
	}
	if !q.HasOption(option) {
		return fmt.Errorf("%w: option %q is not valid for question %s", ErrInvalidAnswer, option, questionID)
	}

	if s.answers[questionID] == option {
		return nil
	}
	s.answers[questionID] = option
	s.version++
	return nil
}

// SetFlag marks or unmarks a question for review.
func (s *Session) SetFlag(questionID string, flagged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen || s.finished {
		return nil
	}
	if _, ok := s.exam.Question(questionID); !ok {
		return fmt.Errorf("%w: question %q is not part of this exam", ErrInvalidAnswer, questionID)
	}

	_, already := s.flagged[questionID]
	switch {
	case flagged && !already:
		s.flagged[questionID] = struct{}{}
	case !flagged && already:
		delete(s.flagged, questionID)
	default:
		return nil
	}
	s.version++
	return nil
}

// Snapshot returns copies of the resident answers and flags.
func (s *Session) Snapshot() (model.Answers, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers.Clone(), s.flaggedList()
}

// Confirmation counts answered, unanswered and flagged questions.
func (s *Session) Confirmation() Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()

	answered := 0
	for _, q := range s.exam.Questions {
		if _, ok := s.answers[q.ID.String()]; ok {
			answered++
		}
	}
	return Confirmation{
		Answered:         answered,
		Unanswered:       len(s.exam.Questions) - answered,
		Flagged:          len(s.flagged),
		RemainingSeconds: s.remainingSeconds(),
	}
}

// flaggedList must be called with s.mu held.
func (s *Session) flaggedList() []string {
	out := make([]string, 0, len(s.flagged))
	for qID := range s.flagged {
		out = append(out, qID)
	}
	sort.Strings(out)
	return out
}

// Checkpoint persists the resident answers if they changed since the last
// successful write. A checkpoint already in flight makes this call a no-op.
func (s *Session) Checkpoint(ctx context.Context) error {
	if !s.checkpointing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.checkpointing.Store(false)

	s.mu.Lock()
	if s.frozen || s.finished || s.version == s.savedVersion {
		s.mu.Unlock()
		return nil
	}
	cp := model.Checkpoint{Answers: s.answers.Clone(), Flagged: s.flaggedList()}
	version := s.version
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.CheckpointTimeout)
	defer cancel()

	err := s.store.UpdateAnswers(ctx, s.id, cp)
	switch {
	case err == nil:
		s.mu.Lock()
		if version > s.savedVersion {
			s.savedVersion = version
		}
		s.mu.Unlock()
		s.log.Debug().Int("answers", len(cp.Answers)).Msg("Checkpoint saved")
		return nil

	case errors.Is(err, ErrAlreadySubmitted):
		s.mu.Lock()
		submitting := s.frozen
		s.mu.Unlock()
		// A local Submit owns the finish and its Outcome.
		if submitting {
			return ErrAlreadySubmitted
		}
		s.log.Info().Msg("Attempt finalized elsewhere, stopping session")
		s.finish(nil)
		return ErrAlreadySubmitted

	default:
		s.log.Warn().Err(err).Msg("Checkpoint failed, retrying next tick")
		return fmt.Errorf("%w: checkpoint: %w", ErrStoreUnavailable, err)
	}
}

// Submit freezes the answers, grades them and attempts the atomic finalize.
// The winner gets the Outcome; every other caller gets ErrAlreadySubmitted.
// Store failures wrap ErrStoreUnavailable and may be retried.
func (s *Session) Submit(ctx context.Context, trigger model.Trigger) (*Outcome, error) {
	select {
	case s.submitSem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	}
	defer func() { <-s.submitSem }()

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil, ErrAlreadySubmitted
	}
	s.frozen = true
	answers := s.answers.Clone()
	flagged := s.flaggedList()
	s.mu.Unlock()

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	breakdown := scoring.Summarize(answers, s.exam.Questions)
	result := model.Result{
		SessionID:     s.id,
		ExamID:        s.examID,
		ParticipantID: s.participantID,
		Score:         breakdown.Score,
		TotalMarks:    breakdown.TotalMarks,
		Percentage:    scoring.Percentage(breakdown.Score, breakdown.TotalMarks),
		Trigger:       trigger,
		CreatedAt:     now,
	}

	fctx, cancel := context.WithTimeout(ctx, s.opts.SubmitTimeout)
	defer cancel()

	err := s.store.FinalizeIfUnsubmitted(fctx, model.Finalization{
		SessionID:   s.id,
		Answers:     answers,
		Flagged:     flagged,
		SubmittedAt: now,
		Trigger:     trigger,
		Result:      result,
	})
	switch {
	case err == nil:
		out := &Outcome{
			SessionID:   s.id,
			Score:       result.Score,
			TotalMarks:  result.TotalMarks,
			Percentage:  result.Percentage,
			Trigger:     trigger,
			SubmittedAt: now,
		}
		s.log.Info().
			Str("trigger", string(trigger)).
			Int("score", result.Score).
			Int("total_marks", result.TotalMarks).
			Int("correct", breakdown.Correct).
			Int("incorrect", breakdown.Incorrect).
			Int("unanswered", breakdown.Unanswered).
			Msg("Attempt finalized and graded")
		s.finish(out)
		s.publish(result)
		return out, nil

	case errors.Is(err, ErrAlreadySubmitted):
		s.log.Info().Str("trigger", string(trigger)).Msg("Finalize lost, attempt already submitted")
		s.finish(nil)
		return nil, ErrAlreadySubmitted

	default:
		s.log.Warn().Err(err).Str("trigger", string(trigger)).Msg("Finalize failed")
		return nil, fmt.Errorf("%w: finalize: %w", ErrStoreUnavailable, err)
	}
}

func (s *Session) finish(out *Outcome) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.frozen = true
	s.outcome = out
	s.mu.Unlock()

	s.stopTimers()
	s.triggers.cancelPending()
	close(s.done)
	if s.onFinish != nil {
		s.onFinish(s)
	}
}

func (s *Session) publish(r model.Result) {
	if s.publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SubmitTimeout)
		defer cancel()
		if err := s.publisher.PublishResult(ctx, r); err != nil {
			s.log.Warn().Err(err).Msg("Result publish failed")
		}
	}()
}
