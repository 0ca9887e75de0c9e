// Package registry tracks live tunnel connections per webhook.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/tunnel"
)

// DefaultHeartbeatTimeout is how long a connection may stay silent.
const DefaultHeartbeatTimeout = 30 * time.Second

var ErrNotRegistered = errors.New("connection not registered")

// Conn is the transport behind a registration.
type Conn interface {
	Deliver(ctx context.Context, msg *tunnel.Message) (*tunnel.Message, error)
	Send(msg *tunnel.Message) error
	Close(reason string)
}

// Registration describes one live connection.
type Registration struct {
	ConnectionID string    `json:"connectionId"`
	WebhookID    string    `json:"webhookId"`
	ClientID     string    `json:"clientId,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastSeen     time.Time `json:"lastSeen"`

	// Destinations served by this client. Empty means all.
	Destinations []string `json:"destinations,omitempty"`

	// Sources accepted by this client. Empty means all.
	Sources []string `json:"sources,omitempty"`

	RemoteAddr string `json:"remoteAddr,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// Serves reports whether the connection handles the named destination.
func (r Registration) Serves(destination string) bool {
	return len(r.Destinations) == 0 || contains(r.Destinations, destination)
}

// Accepts reports whether the connection wants events from source.
func (r Registration) Accepts(source string) bool {
	return len(r.Sources) == 0 || contains(r.Sources, source) || contains(r.Sources, "*")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Presence mirrors registrations to a shared store so other instances can
// see them.
type Presence interface {
	Put(ctx context.Context, reg Registration) error
	Touch(ctx context.Context, webhookID, connectionID string) error
	Remove(ctx context.Context, webhookID, connectionID string) error
	List(ctx context.Context, webhookID string) ([]Registration, error)
}

type entry struct {
	reg  Registration
	conn Conn
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Registry holds live connections. Each webhook has its own shard and lock;
// every mutation of a webhook's connections, including the owner index and
// the OnChange callback, happens under that lock.
type Registry struct {
	shards sync.Map // webhookID -> *shard
	owners sync.Map // connectionID -> webhookID

	timeout  time.Duration
	presence Presence
	now      func() time.Time

	// OnChange runs under the webhook's lock after a connection is added or
	// removed, with the new live count for that webhook. It must not call
	// back into the registry.
	OnChange func(webhookID string, live int)

	stopOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithPresence mirrors registrations to p.
func WithPresence(p Presence) Option {
	return func(r *Registry) { r.presence = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry. A non-positive timeout uses the default.
func New(timeout time.Duration, opts ...Option) *Registry {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	r := &Registry{
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shard(webhookID string) *shard {
	if s, ok := r.shards.Load(webhookID); ok {
		return s.(*shard)
	}
	s, _ := r.shards.LoadOrStore(webhookID, &shard{entries: make(map[string]*entry)})
	return s.(*shard)
}

// Register adds a connection and returns its id.
func (r *Registry) Register(reg Registration, conn Conn) string {
	if reg.ConnectionID == "" {
		reg.ConnectionID = uuid.New().String()
	}
	now := r.now()
	reg.ConnectedAt = now
	reg.LastSeen = now

	s := r.shard(reg.WebhookID)
	s.mu.Lock()
	s.entries[reg.ConnectionID] = &entry{reg: reg, conn: conn}
	r.owners.Store(reg.ConnectionID, reg.WebhookID)
	r.changed(reg.WebhookID, len(s.entries))
	s.mu.Unlock()

	log.Info().
		Str("connection_id", reg.ConnectionID).
		Str("webhook_id", reg.WebhookID).
		Str("client_id", reg.ClientID).
		Msg("Connection registered")

	if r.presence != nil {
		if err := r.presence.Put(context.Background(), reg); err != nil {
			log.Warn().Err(err).Str("connection_id", reg.ConnectionID).Msg("Presence put failed")
		}
	}

	return reg.ConnectionID
}

// Heartbeat refreshes a connection. It returns false for unknown ids.
func (r *Registry) Heartbeat(connectionID string) bool {
	webhookID, ok := r.owners.Load(connectionID)
	if !ok {
		return false
	}

	s := r.shard(webhookID.(string))
	s.mu.Lock()
	e, ok := s.entries[connectionID]
	if ok {
		e.reg.LastSeen = r.now()
	}
	s.mu.Unlock()

	if ok && r.presence != nil {
		if err := r.presence.Touch(context.Background(), webhookID.(string), connectionID); err != nil {
			log.Debug().Err(err).Str("connection_id", connectionID).Msg("Presence touch failed")
		}
	}
	return ok
}

// Unregister removes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(connectionID string) {
	r.remove(connectionID, "", nil)
}

// remove drops a connection and, when closeReason is set, closes it. When
// keep is non-nil it is checked under the shard lock and a registration it
// reports true for stays. It returns whether the connection was removed.
func (r *Registry) remove(connectionID, closeReason string, keep func(Registration) bool) bool {
	webhookID, ok := r.owners.Load(connectionID)
	if !ok {
		return false
	}
	wh := webhookID.(string)

	s := r.shard(wh)
	s.mu.Lock()
	e, ok := s.entries[connectionID]
	if !ok || (keep != nil && keep(e.reg)) {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, connectionID)
	r.owners.Delete(connectionID)
	r.changed(wh, len(s.entries))
	s.mu.Unlock()

	if closeReason != "" && e.conn != nil {
		e.conn.Close(closeReason)
	}

	if r.presence != nil {
		if err := r.presence.Remove(context.Background(), wh, connectionID); err != nil {
			log.Warn().Err(err).Str("connection_id", connectionID).Msg("Presence remove failed")
		}
	}

	log.Info().
		Str("connection_id", connectionID).
		Str("webhook_id", wh).
		Msg("Connection unregistered")

	return true
}

func (r *Registry) changed(webhookID string, live int) {
	if r.OnChange != nil {
		r.OnChange(webhookID, live)
	}
}

func (r *Registry) alive(reg Registration, now time.Time) bool {
	return now.Sub(reg.LastSeen) <= r.timeout
}

// ListLive returns the webhook's live connections, newest first. Expired
// entries are hidden even before the sweep removes them.
func (r *Registry) ListLive(webhookID string) []Registration {
	v, ok := r.shards.Load(webhookID)
	if !ok {
		return nil
	}
	s := v.(*shard)
	now := r.now()

	s.mu.Lock()
	out := make([]Registration, 0, len(s.entries))
	for _, e := range s.entries {
		if r.alive(e.reg, now) {
			out = append(out, e.reg)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectionID > out[j].ConnectionID
		}
		return out[i].ConnectedAt.After(out[j].ConnectedAt)
	})
	return out
}

// Get returns a live connection and its registration.
func (r *Registry) Get(connectionID string) (Registration, Conn, bool) {
	webhookID, ok := r.owners.Load(connectionID)
	if !ok {
		return Registration{}, nil, false
	}

	s := r.shard(webhookID.(string))
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[connectionID]
	if !ok || !r.alive(e.reg, r.now()) {
		return Registration{}, nil, false
	}
	return e.reg, e.conn, true
}

// Count returns the number of live connections across all webhooks.
func (r *Registry) Count() int {
	now := r.now()
	total := 0
	r.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		for _, e := range s.entries {
			if r.alive(e.reg, now) {
				total++
			}
		}
		s.mu.Unlock()
		return true
	})
	return total
}

// Sweep removes and closes expired connections and returns how many were
// removed.
func (r *Registry) Sweep(now time.Time) int {
	var expired []string
	r.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		for id, e := range s.entries {
			if now.Sub(e.reg.LastSeen) > r.timeout {
				expired = append(expired, id)
			}
		}
		s.mu.Unlock()
		return true
	})

	// A heartbeat may land between the scan and the removal.
	fresh := func(reg Registration) bool { return now.Sub(reg.LastSeen) <= r.timeout }

	removed := 0
	for _, id := range expired {
		if r.remove(id, "heartbeat timeout", fresh) {
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Swept stale connections")
	}
	return removed
}

// Broadcast sends msg to every live connection of a webhook and returns the
// number of connections it was queued for.
func (r *Registry) Broadcast(webhookID string, msg *tunnel.Message) int {
	v, ok := r.shards.Load(webhookID)
	if !ok {
		return 0
	}
	s := v.(*shard)
	now := r.now()

	s.mu.Lock()
	conns := make([]Conn, 0, len(s.entries))
	for _, e := range s.entries {
		if r.alive(e.reg, now) && e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(msg); err == nil {
			sent++
		}
	}
	return sent
}

// Presence returns the configured mirror or nil.
func (r *Registry) Presence() Presence {
	return r.presence
}

// Stop closes every connection. Sweeping is driven by the caller.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		var ids []string
		r.owners.Range(func(k, _ any) bool {
			ids = append(ids, k.(string))
			return true
		})
		for _, id := range ids {
			r.remove(id, "server shutting down", nil)
		}
	})
}
