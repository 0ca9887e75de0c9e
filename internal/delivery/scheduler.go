package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/metrics"
)

// ReasonDeactivated closes jobs of a webhook that was disabled or removed.
const ReasonDeactivated = "webhook deactivated"

// RetryConfig holds the backoff policy.
type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryConfig returns a 1s base delay capped at 5 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Minute,
	}
}

// Scheduler decides what happens to a job after an attempt. It is the only
// place that advances an event's retry count.
type Scheduler struct {
	store  *events.Store
	config RetryConfig
	active func(webhookID string) bool
	now    func() time.Time
}

// NewScheduler creates a scheduler. active reports whether a webhook may
// still receive retries; nil means always.
func NewScheduler(store *events.Store, config RetryConfig, active func(webhookID string) bool) *Scheduler {
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if active == nil {
		active = func(string) bool { return true }
	}
	return &Scheduler{store: store, config: config, active: active, now: time.Now}
}

// Backoff returns the delay before the retry that follows attempt.
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := s.config.BaseDelay * time.Duration(1<<attempt)
	if delay <= 0 || delay > s.config.MaxDelay {
		delay = s.config.MaxDelay
	}
	return delay
}

// Schedule applies the outcome of an attempt to its job. Success and
// permanent failures close the job. Transient failures reschedule it until
// the event's retries are used up or the webhook is no longer active. The
// finalized event is returned once the last job of the event closes.
func (s *Scheduler) Schedule(ctx context.Context, event *events.Event, job *events.Job, out Outcome) (*events.Event, error) {
	switch out.Kind {
	case KindSuccess:
		return s.store.CompleteJob(ctx, job, events.OutcomeDelivered, "")
	case KindPermanent:
		return s.store.CompleteJob(ctx, job, events.OutcomePermanent, out.Reason)
	}

	if job.Attempt >= event.MaxRetries {
		log.Info().
			Str("event_id", event.ID).
			Str("target", job.TargetKey).
			Int("attempts", job.Attempt+1).
			Msg("Retries exhausted")
		return s.store.CompleteJob(ctx, job, events.OutcomeExhausted, out.Reason)
	}

	if !s.active(event.WebhookID) {
		return s.store.CompleteJob(ctx, job, events.OutcomeSkipped, ReasonDeactivated)
	}

	next := job.Attempt + 1
	if err := s.store.RecordRetry(ctx, event.ID, next); err != nil {
		return nil, fmt.Errorf("recording retry: %w", err)
	}

	at := s.now().Add(s.Backoff(job.Attempt))
	if err := s.store.RescheduleJob(ctx, job, at, next, out.Reason); err != nil {
		return nil, err
	}
	metrics.RecordRetryScheduled()

	log.Debug().
		Str("event_id", event.ID).
		Str("target", job.TargetKey).
		Int("attempt", next).
		Time("next_retry", at).
		Msg("Scheduled delivery retry")

	return nil, nil
}

// Skip closes a job without attempting it, used when the webhook was
// deactivated between retries.
func (s *Scheduler) Skip(ctx context.Context, job *events.Job, reason string) (*events.Event, error) {
	return s.store.CompleteJob(ctx, job, events.OutcomeSkipped, reason)
}
