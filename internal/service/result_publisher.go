package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/attempt"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// EventResultFinalized is the monitor channel event type for a graded attempt.
const EventResultFinalized = "result.finalized"

// ResultEvent is published to the exam monitor channel and pushed to the results queue.
type ResultEvent struct {
	Type          string        `json:"type"`
	SessionID     string        `json:"session_id"`
	ExamID        string        `json:"exam_id"`
	ParticipantID int           `json:"participant_id"`
	Score         int           `json:"score"`
	TotalMarks    int           `json:"total_marks"`
	Percentage    float64       `json:"percentage"`
	Trigger       model.Trigger `json:"trigger"`
	FinalizedAt   time.Time     `json:"finalized_at"`
}

// ResultPublisher fans a finalized Result out to Redis: a pub/sub message for live
// monitors and a list entry for downstream consumers.
type ResultPublisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

var _ attempt.ResultPublisher = (*ResultPublisher)(nil)

// NewResultPublisher creates a new ResultPublisher.
func NewResultPublisher(rdb *redis.Client, log zerolog.Logger) *ResultPublisher {
	return &ResultPublisher{
		rdb: rdb,
		log: log.With().Str("component", "result_publisher").Logger(),
	}
}

// PublishResult sends both notifications in one pipeline.
func (p *ResultPublisher) PublishResult(ctx context.Context, r model.Result) error {
	payload, err := json.Marshal(ResultEvent{
		Type:          EventResultFinalized,
		SessionID:     r.SessionID.String(),
		ExamID:        r.ExamID.String(),
		ParticipantID: r.ParticipantID,
		Score:         r.Score,
		TotalMarks:    r.TotalMarks,
		Percentage:    r.Percentage,
		Trigger:       r.Trigger,
		FinalizedAt:   r.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal result event: %w", err)
	}

	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(r.ExamID.String()), payload)
	pipe.RPush(ctx, config.WorkerKey.AttemptResultsQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}

	p.log.Debug().
		Str("session_id", r.SessionID.String()).
		Int("score", r.Score).
		Msg("Result published")
	return nil
}
