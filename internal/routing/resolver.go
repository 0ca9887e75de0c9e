package routing

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/metrics"
)

// ErrNoSnapshot is returned by lookups before the first successful load.
var ErrNoSnapshot = errors.New("routing config not loaded")

// Snapshot is an immutable, validated routing document with lookup indexes.
type Snapshot struct {
	Webhooks []*Webhook
	LoadedAt time.Time

	byID     map[string]*Webhook
	byName   map[string]*Webhook
	byTunnel map[string]*Webhook
}

func newSnapshot(doc *Document) *Snapshot {
	s := &Snapshot{
		Webhooks: doc.Webhooks,
		LoadedAt: time.Now(),
		byID:     make(map[string]*Webhook, len(doc.Webhooks)),
		byName:   make(map[string]*Webhook, len(doc.Webhooks)),
		byTunnel: make(map[string]*Webhook),
	}
	for _, wh := range doc.Webhooks {
		s.byID[wh.ID] = wh
		if key := wh.Key(); key != "" {
			s.byName[key] = wh
		}
		if wh.TunnelID != "" {
			s.byTunnel[wh.TunnelID] = wh
		}
	}
	return s
}

func (s *Snapshot) Webhook(id string) (*Webhook, bool) {
	wh, ok := s.byID[id]
	return wh, ok
}

// ByName looks a webhook up by org and name, case-insensitively.
func (s *Snapshot) ByName(org, name string) (*Webhook, bool) {
	wh, ok := s.byName[nameKey(org, name)]
	return wh, ok
}

func (s *Snapshot) ByTunnel(tunnelID string) (*Webhook, bool) {
	wh, ok := s.byTunnel[tunnelID]
	return wh, ok
}

// Resolver serves the last-known-good snapshot and swaps it on successful
// reloads. Readers never block.
type Resolver struct {
	src     Source
	current atomic.Pointer[Snapshot]
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// NewStaticResolver wraps an already loaded snapshot.
func NewStaticResolver(snap *Snapshot) *Resolver {
	r := &Resolver{}
	r.current.Store(snap)
	return r
}

// Reload loads the source again. On failure the previous snapshot stays in
// effect and the error is returned.
func (r *Resolver) Reload() error {
	if r.src == nil {
		return errors.New("resolver has no source")
	}

	snap, err := Load(r.src)
	metrics.RecordRoutingReload(err == nil)
	if err != nil {
		if r.current.Load() != nil {
			log.Error().Err(err).Str("source", r.src.String()).Msg("Routing reload failed, keeping previous config")
		}
		return err
	}

	r.current.Store(snap)
	log.Info().
		Str("source", r.src.String()).
		Int("webhooks", len(snap.Webhooks)).
		Msg("Routing config loaded")
	return nil
}

// Current returns the active snapshot, or nil before the first load.
func (r *Resolver) Current() *Snapshot {
	return r.current.Load()
}

func (r *Resolver) Source() Source {
	return r.src
}

func (r *Resolver) Webhook(id string) (*Webhook, error) {
	snap := r.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	wh, ok := snap.Webhook(id)
	if !ok {
		return nil, &UnknownWebhookError{Ref: id}
	}
	return wh, nil
}

func (r *Resolver) ByName(org, name string) (*Webhook, error) {
	snap := r.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	wh, ok := snap.ByName(org, name)
	if !ok {
		return nil, &UnknownWebhookError{Ref: org + "/" + name}
	}
	return wh, nil
}

func (r *Resolver) ByTunnel(tunnelID string) (*Webhook, error) {
	snap := r.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	wh, ok := snap.ByTunnel(tunnelID)
	if !ok {
		return nil, &UnknownWebhookError{Ref: tunnelID}
	}
	return wh, nil
}

// IsActive reports whether the webhook exists in the current snapshot and is
// active.
func (r *Resolver) IsActive(id string) bool {
	wh, err := r.Webhook(id)
	return err == nil && wh.IsActive()
}

// UnknownWebhookError is returned when a lookup finds nothing.
type UnknownWebhookError struct {
	Ref string
}

func (e *UnknownWebhookError) Error() string {
	return "unknown webhook " + e.Ref
}

// IsUnknownWebhook reports whether err is an *UnknownWebhookError.
func IsUnknownWebhook(err error) bool {
	var uw *UnknownWebhookError
	return errors.As(err, &uw)
}
