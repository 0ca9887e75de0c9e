// Package integration exercises the relay end to end: ingress, delivery
// with retries, and retention with archiving.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/database"
	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/routing"
	"github.com/watzon/hookrelay/internal/server"
	"github.com/watzon/hookrelay/internal/storage"
)

type destination struct {
	server *httptest.Server
	calls  atomic.Int32

	mu      sync.Mutex
	bodies  []string
	headers []http.Header
}

// newDestination answers 503 for the first failures calls, then 200.
func newDestination(t *testing.T, failures int32) *destination {
	t.Helper()
	d := &destination{}
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := d.calls.Add(1)
		body, _ := io.ReadAll(r.Body)

		d.mu.Lock()
		d.bodies = append(d.bodies, string(body))
		d.headers = append(d.headers, r.Header.Clone())
		d.mu.Unlock()

		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(d.server.Close)
	return d
}

type relay struct {
	srv     *server.Server
	http    *httptest.Server
	archive string
}

func startRelay(t *testing.T, doc string) *relay {
	t.Helper()

	archiveDir := t.TempDir()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")
	cfg.Delivery.PollInterval = 20 * time.Millisecond
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond
	cfg.Retention.Enabled = true
	cfg.Retention.MaxAge = time.Nanosecond
	cfg.Archive = config.ArchiveConfig{
		Enabled: true,
		Backend: "filesystem",
		Bucket:  "archive",
		Path:    archiveDir,
	}

	db, err := database.Open(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolver := routing.NewResolver(routing.BytesSource{Name: "relay.yaml", Data: []byte(doc)})
	require.NoError(t, resolver.Reload())

	backend, err := storage.NewBackend(context.Background(), cfg.Archive)
	require.NoError(t, err)

	srv, err := server.New(cfg, db, resolver,
		server.WithArchiver(storage.NewArchiver(backend, cfg.Archive.Bucket)),
	)
	require.NoError(t, err)

	srv.Worker().Start()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &relay{srv: srv, http: ts, archive: archiveDir}
}

func (r *relay) post(t *testing.T, path, source, body string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, r.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if source != "" {
		req.Header.Set("x-unhook-source", source)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted struct {
		EventID string `json:"eventId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	return accepted.EventID
}

func (r *relay) waitStatus(t *testing.T, eventID string, want events.Status) *events.Event {
	t.Helper()
	var event *events.Event
	require.Eventually(t, func() bool {
		e, err := r.srv.Store().GetEvent(context.Background(), eventID)
		if err != nil {
			return false
		}
		event = e
		return e.Status == want
	}, 10*time.Second, 20*time.Millisecond)
	return event
}

func TestRelay_RetryUntilDelivered(t *testing.T) {
	dest := newDestination(t, 2)
	r := startRelay(t, `
webhooks:
  - id: wh_orders
    org: shop
    name: orders
    maxRetries: 3
    to:
      - name: api
        url: `+dest.server.URL+`
        headers:
          X-Relay-Token: abc
    forward:
      - to: api
`)

	eventID := r.post(t, "/webhook/shop/orders", "", `{"order":42}`)
	event := r.waitStatus(t, eventID, events.StatusCompleted)

	assert.Equal(t, 2, event.RetryCount)
	assert.EqualValues(t, 3, dest.calls.Load())

	dest.mu.Lock()
	for _, body := range dest.bodies {
		assert.Equal(t, `{"order":42}`, body)
	}
	assert.Equal(t, "abc", dest.headers[0].Get("X-Relay-Token"))
	dest.mu.Unlock()

	requests, err := r.srv.Store().ListRequests(context.Background(), eventID)
	require.NoError(t, err)
	require.Len(t, requests, 3)
	for i, req := range requests {
		assert.Equal(t, events.ModeHTTP, req.Destination.Mode)
		if i < 2 {
			assert.Equal(t, events.RequestFailed, req.Status)
		}
	}
	last := requests[2]
	assert.Equal(t, events.RequestCompleted, last.Status)
	require.NotNil(t, last.Response)
	assert.Equal(t, http.StatusOK, last.Response.Status)
}

func TestRelay_RetriesExhausted(t *testing.T) {
	dest := newDestination(t, 100)
	r := startRelay(t, `
webhooks:
  - id: wh_orders
    org: shop
    name: orders
    maxRetries: 1
    to:
      - name: api
        url: `+dest.server.URL+`
    forward:
      - to: api
`)

	eventID := r.post(t, "/webhook/shop/orders", "", `{}`)
	event := r.waitStatus(t, eventID, events.StatusFailed)

	assert.Equal(t, 1, event.RetryCount)
	assert.NotEmpty(t, event.FailedReason)
	assert.EqualValues(t, 2, dest.calls.Load())
}

func TestRelay_SourceRulesAndConditions(t *testing.T) {
	paid := newDestination(t, 0)
	rest := newDestination(t, 0)
	r := startRelay(t, `
webhooks:
  - id: wh_billing
    org: shop
    name: billing
    to:
      - name: paid
        url: `+paid.server.URL+`
      - name: rest
        url: `+rest.server.URL+`
    forward:
      - from: stripe
        to: paid
        when: request.path.endsWith("/paid")
      - from: "*"
        to: rest
`)

	paidID := r.post(t, "/webhook/shop/billing/paid", "stripe", `{"type":"invoice.paid"}`)
	otherID := r.post(t, "/webhook/shop/billing/created", "stripe", `{"type":"invoice.created"}`)

	r.waitStatus(t, paidID, events.StatusCompleted)
	r.waitStatus(t, otherID, events.StatusCompleted)

	assert.EqualValues(t, 1, paid.calls.Load())
	assert.EqualValues(t, 2, rest.calls.Load())
}

func TestRelay_RetentionArchivesAndPurges(t *testing.T) {
	dest := newDestination(t, 0)
	r := startRelay(t, `
webhooks:
  - id: wh_orders
    org: shop
    name: orders
    to:
      - name: api
        url: `+dest.server.URL+`
    forward:
      - to: api
`)

	eventID := r.post(t, "/webhook/shop/orders", "", `{"archive":true}`)
	r.waitStatus(t, eventID, events.StatusCompleted)

	require.NoError(t, r.srv.Scheduler().RunNow(context.Background(), "retention"))

	_, err := r.srv.Store().GetEvent(context.Background(), eventID)
	require.True(t, events.IsNotFound(err), "event should be purged, got %v", err)

	var archived []string
	require.NoError(t, filepath.WalkDir(r.archive, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl.zst") {
			archived = append(archived, path)
		}
		return nil
	}))
	require.Len(t, archived, 1)

	key, err := filepath.Rel(filepath.Join(r.archive, "archive"), archived[0])
	require.NoError(t, err)

	backend := storage.NewFilesystemBackend(r.archive)
	records, err := storage.NewArchiver(backend, "archive").Read(context.Background(), filepath.ToSlash(key))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, eventID, records[0].Event.ID)
	assert.Equal(t, `{"archive":true}`, string(records[0].Event.Request.Body))
	assert.Len(t, records[0].Requests, 1)
}
