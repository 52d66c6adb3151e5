package worker

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// SweepBatchSize caps how many expired attempts one pass finalizes.
const SweepBatchSize = 100

// ExpiredAttemptLister is implemented by both attempt stores.
type ExpiredAttemptLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.AttemptSession, error)
}

// Expirer finalizes one abandoned attempt. attempt.Service implements it.
type Expirer interface {
	Expire(ctx context.Context, rec *model.AttemptSession) error
}

// ExpirySweeper periodically finalizes attempts whose deadline passed while no
// process held them, so abandoned attempts get a Result without waiting for the
// participant to come back.
type ExpirySweeper struct {
	lister    ExpiredAttemptLister
	expirer   Expirer
	interval  time.Duration
	now       func() time.Time
	scheduler *gocron.Scheduler
	log       zerolog.Logger
}

// NewExpirySweeper creates a sweeper that runs every interval.
func NewExpirySweeper(lister ExpiredAttemptLister, expirer Expirer, interval time.Duration, log zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		lister:    lister,
		expirer:   expirer,
		interval:  interval,
		now:       time.Now,
		scheduler: gocron.NewScheduler(time.UTC),
		log:       log.With().Str("component", "expiry_sweeper").Logger(),
	}
}

// Start schedules the sweep and returns immediately. The job stops when ctx is done.
func (w *ExpirySweeper) Start(ctx context.Context) error {
	w.scheduler.SingletonModeAll()
	if _, err := w.scheduler.Every(w.interval).Do(func() { w.Sweep(ctx) }); err != nil {
		return err
	}
	w.scheduler.StartAsync()
	w.log.Info().Dur("interval", w.interval).Msg("ExpirySweeper started")

	go func() {
		<-ctx.Done()
		w.scheduler.Stop()
		w.log.Info().Msg("ExpirySweeper stopped")
	}()
	return nil
}

// Sweep runs one pass and returns how many attempts were finalized.
func (w *ExpirySweeper) Sweep(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	expired, err := w.lister.ListExpired(ctx, w.now(), SweepBatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("List expired attempts failed")
		return 0
	}

	finalized := 0
	for i := range expired {
		rec := &expired[i]
		if err := w.expirer.Expire(ctx, rec); err != nil {
			w.log.Warn().
				Err(err).
				Str("session_id", rec.ID.String()).
				Msg("Failed to finalize expired attempt, will retry next sweep")
			continue
		}
		finalized++
	}

	if len(expired) > 0 {
		w.log.Info().
			Int("expired", len(expired)).
			Int("finalized", finalized).
			Msg("Sweep complete")
	}
	return finalized
}
