package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/events"
)

// Record is one archived event with its delivery attempts.
type Record struct {
	Event    *events.Event     `json:"event"`
	Requests []*events.Request `json:"requests"`
}

// Archiver writes purged events to a backend as zstd-compressed JSON lines,
// one object per webhook and day:
//
//	events/{webhookId}/{yyyy}/{mm}/{dd}/{batch}.jsonl.zst
type Archiver struct {
	backend Backend
	bucket  string
	now     func() time.Time
}

func NewArchiver(backend Backend, bucket string) *Archiver {
	if bucket == "" {
		bucket = "hookrelay"
	}
	return &Archiver{backend: backend, bucket: bucket, now: time.Now}
}

// Archive writes records and returns the keys written. Nothing is written
// for an empty batch.
func (a *Archiver) Archive(ctx context.Context, records []Record) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	groups := make(map[string][]Record)
	for _, rec := range records {
		prefix := objectPrefix(rec.Event)
		groups[prefix] = append(groups[prefix], rec)
	}

	prefixes := make([]string, 0, len(groups))
	for p := range groups {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	batch := a.now().UTC().Format("20060102T150405Z") + "-" + uuid.New().String()[:8]
	keys := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		data, err := encodeLines(groups[prefix])
		if err != nil {
			return keys, err
		}

		key := prefix + batch + ".jsonl.zst"
		if err := a.backend.Put(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
			return keys, fmt.Errorf("writing %s: %w", key, err)
		}
		keys = append(keys, key)

		log.Debug().
			Str("key", key).
			Int("events", len(groups[prefix])).
			Int("bytes", len(data)).
			Msg("Archived events")
	}
	return keys, nil
}

// Read returns the records stored under key.
func (a *Archiver) Read(ctx context.Context, key string) ([]Record, error) {
	rc, err := a.backend.Get(ctx, a.bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return decodeLines[Record](rc)
}

func objectPrefix(e *events.Event) string {
	t := e.CreatedAt.UTC()
	return fmt.Sprintf("events/%s/%04d/%02d/%02d/", e.WebhookID, t.Year(), int(t.Month()), t.Day())
}
