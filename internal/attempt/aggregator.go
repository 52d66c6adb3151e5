package attempt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Aggregator collapses the explicit, deadline and disconnect signals of one session
// into calls to Session.Submit. The requested flag only suppresses redundant
// background loops; exactly-once is decided by the store.
type Aggregator struct {
	session  *Session
	clock    clockwork.Clock
	opts     Options
	lifetime context.Context

	requested atomic.Bool

	mu    sync.Mutex
	grace clockwork.Timer
}

func newAggregator(s *Session, clock clockwork.Clock, opts Options, lifetime context.Context) *Aggregator {
	return &Aggregator{session: s, clock: clock, opts: opts, lifetime: lifetime}
}

// Confirm returns the advisory summary shown before an explicit submit.
// It never blocks the submit itself.
func (a *Aggregator) Confirm() Confirmation {
	return a.session.Confirmation()
}

// Submit runs one finalize attempt for trigger and returns its outcome. When a
// non-explicit trigger fails transiently the attempt continues in the background
// until it succeeds or the service shuts down.
func (a *Aggregator) Submit(ctx context.Context, trigger model.Trigger) (*Outcome, error) {
	a.cancelPending()

	out, err := a.session.Submit(ctx, trigger)
	if err != nil && errors.Is(err, ErrStoreUnavailable) && trigger != model.TriggerExplicit {
		a.background(trigger)
	}
	return out, err
}

// DeadlineExpired is called by the session's deadline timer.
func (a *Aggregator) DeadlineExpired() {
	a.background(model.TriggerDeadlineExpired)
}

// ClientDisconnected finalizes with whatever answers are resident.
func (a *Aggregator) ClientDisconnected() {
	a.background(model.TriggerClientDisconnected)
}

// ClientHidden starts the disconnect grace period. A zero grace submits at once.
func (a *Aggregator) ClientHidden() {
	if a.opts.DisconnectGrace <= 0 {
		a.ClientDisconnected()
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grace != nil {
		return
	}
	a.session.log.Info().Dur("grace", a.opts.DisconnectGrace).Msg("Client hidden, disconnect grace started")
	a.grace = a.clock.AfterFunc(a.opts.DisconnectGrace, func() {
		a.mu.Lock()
		a.grace = nil
		a.mu.Unlock()
		a.ClientDisconnected()
	})
}

// ClientVisible cancels a pending disconnect grace period.
func (a *Aggregator) ClientVisible() {
	if a.cancelPending() {
		a.session.log.Info().Msg("Client visible again, disconnect grace cancelled")
	}
}

func (a *Aggregator) cancelPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grace == nil {
		return false
	}
	a.grace.Stop()
	a.grace = nil
	return true
}

func (a *Aggregator) background(trigger model.Trigger) {
	if !a.requested.CompareAndSwap(false, true) {
		return
	}
	go a.retryLoop(trigger)
}

func (a *Aggregator) retryLoop(trigger model.Trigger) {
	log := a.session.log.With().Str("trigger", string(trigger)).Logger()

	for attempt := 1; ; attempt++ {
		_, err := a.session.Submit(a.lifetime, trigger)
		if err == nil || errors.Is(err, ErrAlreadySubmitted) {
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Background submit failed, will retry")

		select {
		case <-a.session.Done():
			return
		case <-a.lifetime.Done():
			log.Error().Int("attempts", attempt).Msg("Background submit abandoned at shutdown, attempt left unscored")
			return
		case <-a.clock.After(a.opts.SubmitRetryInterval):
		}
	}
}
