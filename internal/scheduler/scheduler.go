// Package scheduler runs periodic maintenance: the connection sweep,
// retention purges and pool metrics.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one maintenance task.
type Job func(ctx context.Context) error

type entry struct {
	id   cron.EntryID
	spec string
	job  Job
}

// Scheduler runs named jobs on cron schedules. A job that is still running
// when its next activation comes is skipped for that activation.
type Scheduler struct {
	cron   *cron.Cron
	parser *CronParser
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*entry
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	parser := NewCronParser()
	logger := cronLogger{}

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser.parser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		parser: parser,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Add registers job under name. Names are unique.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	id, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, name, job) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.jobs[name] = &entry{id: id, spec: spec, job: job}
	return nil
}

// RunNow runs a registered job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	return s.run(ctx, name, e.job)
}

func (s *Scheduler) run(ctx context.Context, name string, job Job) error {
	start := time.Now()
	err := job(ctx)
	if err != nil {
		log.Error().Err(err).Str("job", name).Dur("duration", time.Since(start)).Msg("Maintenance job failed")
		return err
	}
	log.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("Maintenance job finished")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.Entries())).Msg("Maintenance scheduler started")
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info().Msg("Maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EntryInfo describes a registered job.
type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Entries lists registered jobs by name.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntryInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		ce := s.cron.Entry(e.id)
		out = append(out, EntryInfo{Name: name, Spec: e.spec, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
