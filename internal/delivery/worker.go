package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/matcher"
	"github.com/watzon/hookrelay/internal/routing"
)

// WorkerConfig tunes the queue worker.
type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

// DefaultWorkerConfig returns the defaults used by serve.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:      16,
		PollInterval: time.Second,
		BatchSize:    100,
		Lease:        2 * time.Minute,
	}
}

// WebhookSource looks up routing configuration by webhook id.
type WebhookSource interface {
	Webhook(id string) (*routing.Webhook, error)
}

// Worker drains the delivery queue with a bounded pool. Route jobs fan an
// event out into deliver jobs; deliver jobs make one attempt each.
type Worker struct {
	store      *events.Store
	webhooks   WebhookSource
	conns      Connections
	dispatcher *Dispatcher
	scheduler  *Scheduler
	config     WorkerConfig

	notify chan struct{}
	sem    chan struct{}
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
	now    func() time.Time
}

// NewWorker creates a worker. Call Start to begin polling.
func NewWorker(store *events.Store, webhooks WebhookSource, conns Connections, dispatcher *Dispatcher, scheduler *Scheduler, config WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Lease <= 0 {
		config.Lease = def.Lease
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:      store,
		webhooks:   webhooks,
		conns:      conns,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		config:     config,
		notify:     make(chan struct{}, 1),
		sem:        make(chan struct{}, config.Workers),
		ctx:        ctx,
		cancel:     cancel,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

func (w *Worker) Start() {
	log.Info().
		Int("workers", w.config.Workers).
		Dur("poll_interval", w.config.PollInterval).
		Dur("lease", w.config.Lease).
		Msg("Starting delivery worker")

	go w.run()
}

// Stop ends polling and waits for in-flight attempts until ctx is done,
// then cancels them. Cancelled jobs are picked up again after their lease
// expires.
func (w *Worker) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping delivery worker")
	close(w.stop)
	<-w.done

	idle := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-idle
		return ctx.Err()
	}
}

// Notify wakes the worker without waiting for the next poll. It never
// blocks.
func (w *Worker) Notify() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.notify:
		}

		if _, err := w.ProcessDue(w.ctx); err != nil {
			log.Error().Err(err).Msg("Error processing delivery queue")
		}
	}
}

// ProcessDue claims as many due jobs as there are free workers and starts
// them. It returns the number of jobs started.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	started := 0
	for {
		free := cap(w.sem) - len(w.sem)
		if free <= 0 {
			return started, nil
		}
		limit := min(free, w.config.BatchSize)

		jobs, err := w.store.ClaimDue(ctx, w.now(), limit, w.config.Lease)
		if err != nil {
			return started, err
		}
		for _, job := range jobs {
			w.sem <- struct{}{}
			w.wg.Add(1)
			go func(job *events.Job) {
				defer func() {
					<-w.sem
					w.wg.Done()
				}()
				w.handle(w.ctx, job)
			}(job)
		}
		started += len(jobs)

		if len(jobs) < limit {
			return started, nil
		}
	}
}

// Wait blocks until every started job has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) handle(ctx context.Context, job *events.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job_id", job.ID).Msg("Delivery job panicked")
		}
	}()

	var err error
	switch job.Kind {
	case events.JobRoute:
		err = w.route(ctx, job)
	case events.JobDeliver:
		err = w.deliver(ctx, job)
	default:
		_, err = w.store.CompleteJob(ctx, job, events.OutcomeSkipped, "unknown job kind")
	}

	switch {
	case err == nil:
	case errors.Is(err, events.ErrJobNotOwned):
		log.Warn().Str("job_id", job.ID).Str("event_id", job.EventID).Msg("Job lease lost, another worker owns it")
	case errors.Is(err, context.Canceled):
	default:
		log.Error().Err(err).Str("job_id", job.ID).Str("event_id", job.EventID).Msg("Delivery job failed")
	}
}

// webhookFor returns the event's webhook or nil when it is unknown or
// inactive.
func (w *Worker) webhookFor(event *events.Event) *routing.Webhook {
	wh, err := w.webhooks.Webhook(event.WebhookID)
	if err != nil || !wh.IsActive() {
		return nil
	}
	return wh
}

func (w *Worker) route(ctx context.Context, job *events.Job) error {
	event, err := w.store.GetEvent(ctx, job.EventID)
	if err != nil {
		return err
	}
	if event.Status.Terminal() {
		_, err := w.store.CompleteJob(ctx, job, events.OutcomeSkipped, "")
		return err
	}

	wh := w.webhookFor(event)
	if wh == nil {
		_, err := w.scheduler.Skip(ctx, job, ReasonDeactivated)
		return err
	}

	targets := matcher.Route(event, wh, w.conns)
	jobTargets, err := matcher.JobTargets(targets)
	if err != nil {
		return err
	}

	updated, err := w.store.StartFanOut(ctx, job, jobTargets)
	if err != nil {
		return err
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("webhook_id", event.WebhookID).
		Int("targets", len(targets)).
		Str("status", string(updated.Status)).
		Msg("Event routed")

	if len(targets) > 0 {
		w.Notify()
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, job *events.Job) error {
	event, err := w.store.GetEvent(ctx, job.EventID)
	if err != nil {
		return err
	}

	wh := w.webhookFor(event)
	if wh == nil {
		_, err := w.scheduler.Skip(ctx, job, ReasonDeactivated)
		return err
	}

	target, err := matcher.DecodeTarget(job)
	if err != nil {
		_, cerr := w.store.CompleteJob(ctx, job, events.OutcomePermanent, err.Error())
		return cerr
	}

	attemptCtx, release := w.keepLease(ctx, job)
	out, err := w.dispatcher.Deliver(attemptCtx, event, wh, target, job.Attempt)
	if release() {
		return events.ErrJobNotOwned
	}
	if err != nil {
		return err
	}

	finalized, err := w.scheduler.Schedule(ctx, event, job, out)
	if err != nil {
		return err
	}
	if finalized != nil {
		log.Info().
			Str("event_id", finalized.ID).
			Str("webhook_id", finalized.WebhookID).
			Str("status", string(finalized.Status)).
			Str("failed_reason", finalized.FailedReason).
			Msg("Event finalized")
	}
	return nil
}

// keepLease renews job's lease every third of the lease period while an
// attempt runs. If the lease is taken over anyway the returned context is
// cancelled. release stops renewing and reports whether the lease was lost.
func (w *Worker) keepLease(ctx context.Context, job *events.Job) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(ctx)
	interval := max(w.config.Lease/3, time.Millisecond)

	var lost atomic.Bool
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := w.store.ExtendLease(ctx, job, w.now().Add(w.config.Lease))
			switch {
			case err == nil:
			case errors.Is(err, events.ErrJobNotOwned):
				lost.Store(true)
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn().Err(err).Str("job_id", job.ID).Msg("Extending job lease failed")
			}
		}
	}()

	return ctx, func() bool {
		close(stop)
		<-done
		cancel()
		return lost.Load()
	}
}
