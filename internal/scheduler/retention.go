package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/metrics"
	"github.com/watzon/hookrelay/internal/storage"
)

// Archiver stores events before they are purged.
type Archiver interface {
	Archive(ctx context.Context, records []storage.Record) ([]string, error)
}

const (
	defaultMaxAge    = 7 * 24 * time.Hour
	defaultBatchSize = 500
)

// Purger deletes terminal events older than the retention window, archiving
// each batch first when an archiver is set.
type Purger struct {
	store     *events.Store
	archiver  Archiver
	maxAge    time.Duration
	batchSize int
	now       func() time.Time
}

// NewPurger creates a purger. archiver may be nil.
func NewPurger(store *events.Store, archiver Archiver, cfg config.RetentionConfig) *Purger {
	p := &Purger{
		store:     store,
		archiver:  archiver,
		maxAge:    cfg.MaxAge,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
	if p.maxAge <= 0 {
		p.maxAge = defaultMaxAge
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	return p
}

// Run purges batches until none remain and returns the number deleted. A
// batch whose archive write fails is left in place.
func (p *Purger) Run(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.maxAge)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		expired, err := p.store.ListExpired(ctx, cutoff, p.batchSize)
		if err != nil {
			return total, err
		}
		if len(expired) == 0 {
			break
		}

		if p.archiver != nil {
			records := make([]storage.Record, 0, len(expired))
			for _, e := range expired {
				reqs, err := p.store.ListRequests(ctx, e.ID)
				if err != nil {
					return total, err
				}
				records = append(records, storage.Record{Event: e, Requests: reqs})
			}
			if _, err := p.archiver.Archive(ctx, records); err != nil {
				return total, fmt.Errorf("archiving events: %w", err)
			}
		}

		ids := make([]string, len(expired))
		for i, e := range expired {
			ids[i] = e.ID
		}
		n, err := p.store.DeleteEvents(ctx, ids)
		if err != nil {
			return total, err
		}
		total += int(n)
		metrics.AddEventsPurged(int(n))

		if len(expired) < p.batchSize {
			break
		}
	}

	if total > 0 {
		log.Info().Int("purged", total).Time("cutoff", cutoff).Msg("Purged expired events")
	}
	return total, nil
}

// Job adapts Run to a scheduler Job.
func (p *Purger) Job() Job {
	return func(ctx context.Context) error {
		_, err := p.Run(ctx)
		return err
	}
}
