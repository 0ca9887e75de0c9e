package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/database"
	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/routing"
	"github.com/watzon/hookrelay/internal/tunnel"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		WALMode:      true,
		ForeignKeys:  true,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		CacheSize:    -2000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type harness struct {
	store    *events.Store
	registry *registry.Registry
	resolver *routing.Resolver
	worker   *Worker
	webhook  *routing.Webhook
}

func newHarness(t *testing.T, doc string) *harness {
	t.Helper()

	snap, err := routing.Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, snap.Webhooks, 1)

	store := events.NewStore(testDB(t))
	reg := registry.New(time.Minute)
	resolver := routing.NewStaticResolver(snap)

	scheduler := NewScheduler(store, RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, resolver.IsActive)
	dispatcher := NewDispatcher(store, reg, DispatcherConfig{DefaultTimeout: 2 * time.Second, UserAgent: "hookrelay-test"})
	worker := NewWorker(store, resolver, reg, dispatcher, scheduler, WorkerConfig{Workers: 4, Lease: time.Minute})

	return &harness{
		store:    store,
		registry: reg,
		resolver: resolver,
		worker:   worker,
		webhook:  snap.Webhooks[0],
	}
}

func (h *harness) ingest(t *testing.T, source string, maxRetries int) *events.Event {
	t.Helper()
	event := &events.Event{
		WebhookID: h.webhook.ID,
		Source:    source,
		Request: events.OriginRequest{
			Method:      http.MethodPost,
			Path:        "/webhook/acme/payments",
			Headers:     map[string]string{"Content-Type": "application/json"},
			Body:        []byte(`{"type":"invoice.paid"}`),
			ContentType: "application/json",
			Size:        23,
		},
		MaxRetries: maxRetries,
	}
	require.NoError(t, h.store.CreateEvent(context.Background(), event))
	return event
}

// drain runs the queue until the event is terminal.
func (h *harness) drain(t *testing.T, eventID string) *events.Event {
	t.Helper()
	ctx := context.Background()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, err := h.worker.ProcessDue(ctx)
		require.NoError(t, err)
		h.worker.Wait()

		event, err := h.store.GetEvent(ctx, eventID)
		require.NoError(t, err)
		if event.Status.Terminal() {
			return event
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("event %s did not finish", eventID)
	return nil
}

func (h *harness) requests(t *testing.T, eventID string) []*events.Request {
	t.Helper()
	reqs, err := h.store.ListRequests(context.Background(), eventID)
	require.NoError(t, err)
	return reqs
}

func httpDoc(url string, maxRetries int) string {
	return fmt.Sprintf(`
webhooks:
  - id: wh_1
    maxRetries: %d
    to:
      - name: backend
        url: %s
        signingSecret: whsec_c2VjcmV0LXNpZ25pbmcta2V5
        headers:
          X-Env: test
    forward:
      - to: backend
`, maxRetries, url)
}

type statusServer struct {
	*httptest.Server
	hits     atomic.Int32
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

// newStatusServer answers each request with the next status in seq,
// repeating the last one.
func newStatusServer(t *testing.T, seq ...int) *statusServer {
	s := &statusServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.hits.Add(1)) - 1
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.requests = append(s.requests, r)
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()

		status := seq[len(seq)-1]
		if n < len(seq) {
			status = seq[n]
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(s.Close)
	return s
}

func TestWorker_HTTP404IsPermanent(t *testing.T) {
	srv := newStatusServer(t, http.StatusNotFound)
	h := newHarness(t, httpDoc(srv.URL, 3))
	event := h.ingest(t, "stripe", 3)

	final := h.drain(t, event.ID)

	assert.Equal(t, events.StatusFailed, final.Status)
	assert.Equal(t, "HTTP 404", final.FailedReason)
	assert.Zero(t, final.RetryCount)
	assert.Equal(t, int32(1), srv.hits.Load())

	reqs := h.requests(t, event.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, events.RequestFailed, reqs[0].Status)
	assert.Equal(t, events.ModeHTTP, reqs[0].Destination.Mode)
}

func TestWorker_RetriesExhausted(t *testing.T) {
	srv := newStatusServer(t, http.StatusInternalServerError)
	h := newHarness(t, httpDoc(srv.URL, 2))
	event := h.ingest(t, "stripe", 2)

	final := h.drain(t, event.ID)

	assert.Equal(t, events.StatusFailed, final.Status)
	assert.Equal(t, "HTTP 500", final.FailedReason)
	assert.Equal(t, 2, final.RetryCount)
	assert.LessOrEqual(t, final.RetryCount, final.MaxRetries)
	assert.Equal(t, int32(3), srv.hits.Load())

	reqs := h.requests(t, event.ID)
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Equal(t, i, r.Attempt)
		assert.Equal(t, events.RequestFailed, r.Status)
	}

	// Terminal state is idempotent.
	again, err := h.store.FinalizeEvent(context.Background(), event.ID, "")
	require.NoError(t, err)
	assert.Equal(t, events.StatusFailed, again.Status)
	assert.Equal(t, 2, again.RetryCount)
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	srv := newStatusServer(t, http.StatusServiceUnavailable, http.StatusOK)
	h := newHarness(t, httpDoc(srv.URL, 3))
	event := h.ingest(t, "stripe", 3)

	final := h.drain(t, event.ID)

	assert.Equal(t, events.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)

	reqs := h.requests(t, event.ID)
	require.Len(t, reqs, 2)
	assert.Equal(t, events.RequestFailed, reqs[0].Status)
	assert.Equal(t, events.RequestCompleted, reqs[1].Status)
	require.NotNil(t, reqs[1].Response)
	assert.Equal(t, http.StatusOK, reqs[1].Response.Status)
	assert.JSONEq(t, `{"ok":true}`, string(reqs[1].Response.Body))
}

func TestWorker_HTTPRequestShape(t *testing.T) {
	srv := newStatusServer(t, http.StatusOK)
	h := newHarness(t, httpDoc(srv.URL, 0))
	event := h.ingest(t, "stripe", 0)

	h.drain(t, event.ID)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.requests, 1)
	r := srv.requests[0]

	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, `{"type":"invoice.paid"}`, srv.bodies[0])
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(t, "test", r.Header.Get("X-Env"))
	assert.Equal(t, "hookrelay-test", r.Header.Get("User-Agent"))
	assert.Equal(t, event.ID, r.Header.Get(HeaderEventID))
	assert.Equal(t, "stripe", r.Header.Get(HeaderSource))
	assert.Equal(t, "1", r.Header.Get(HeaderAttempt))
	assert.Equal(t, event.ID, r.Header.Get("webhook-id"))
	assert.Contains(t, r.Header.Get("webhook-signature"), "v1,")
}

func TestWorker_ZeroRulesCompletes(t *testing.T) {
	h := newHarness(t, `
webhooks:
  - id: wh_1
    to:
      - name: local
`)
	event := h.ingest(t, "stripe", 3)

	final := h.drain(t, event.ID)
	assert.Equal(t, events.StatusCompleted, final.Status)
	assert.Empty(t, h.requests(t, event.ID))
}

func TestWorker_PartialSuccessCompletes(t *testing.T) {
	ok := newStatusServer(t, http.StatusOK)
	bad := newStatusServer(t, http.StatusBadRequest)
	h := newHarness(t, fmt.Sprintf(`
webhooks:
  - id: wh_1
    to:
      - name: good
        url: %s
      - name: bad
        url: %s
    forward:
      - to: good
      - to: bad
`, ok.URL, bad.URL))
	event := h.ingest(t, "stripe", 3)

	final := h.drain(t, event.ID)
	assert.Equal(t, events.StatusCompleted, final.Status)
	assert.Empty(t, final.FailedReason)
	assert.Len(t, h.requests(t, event.ID), 2)
}

// barrierConn acks once want deliveries are in flight at the same time.
type barrierConn struct {
	want     int32
	seen     atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
	allIn    chan struct{}

	mu   sync.Mutex
	msgs []*tunnel.Message
}

func newBarrierConn(want int32) *barrierConn {
	return &barrierConn{want: want, allIn: make(chan struct{})}
}

func (c *barrierConn) Deliver(ctx context.Context, msg *tunnel.Message) (*tunnel.Message, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()

	n := c.inflight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if c.seen.Add(1) == c.want {
		close(c.allIn)
	}

	select {
	case <-c.allIn:
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
	c.inflight.Add(-1)
	return &tunnel.Message{Type: tunnel.TypeAck, RequestID: msg.RequestID}, nil
}

func (c *barrierConn) Send(*tunnel.Message) error { return nil }
func (c *barrierConn) Close(string)               {}

func TestWorker_StripeScenarioFansOutConcurrently(t *testing.T) {
	h := newHarness(t, `
webhooks:
  - id: wh_1
    to:
      - name: local
      - name: audit
    forward:
      - from: "*"
        to: local
      - from: stripe
        to: audit
`)
	conn := newBarrierConn(2)
	connID := h.registry.Register(registry.Registration{WebhookID: "wh_1", ClientID: "laptop"}, conn)

	event := h.ingest(t, "stripe", 3)
	final := h.drain(t, event.ID)

	assert.Equal(t, events.StatusCompleted, final.Status)
	assert.Equal(t, int32(2), conn.peak.Load(), "both destinations should be attempted concurrently")

	reqs := h.requests(t, event.ID)
	require.Len(t, reqs, 2)
	names := []string{reqs[0].Destination.Name, reqs[1].Destination.Name}
	assert.ElementsMatch(t, []string{"local", "audit"}, names)
	for _, r := range reqs {
		assert.Equal(t, events.RequestCompleted, r.Status)
		assert.Equal(t, events.ModeLive, r.Destination.Mode)
		assert.Equal(t, connID, r.Destination.ConnectionID)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, msg := range conn.msgs {
		assert.Equal(t, tunnel.TypeEvent, msg.Type)
		assert.Equal(t, event.ID, msg.Event.ID)
		assert.NotEmpty(t, msg.RequestID)
	}
}

type replyConn struct {
	reply func(ctx context.Context, msg *tunnel.Message) (*tunnel.Message, error)
	calls atomic.Int32
}

func (c *replyConn) Deliver(ctx context.Context, msg *tunnel.Message) (*tunnel.Message, error) {
	c.calls.Add(1)
	return c.reply(ctx, msg)
}

func (c *replyConn) Send(*tunnel.Message) error { return nil }
func (c *replyConn) Close(string)               {}

const liveDoc = `
webhooks:
  - id: wh_1
    from:
      - name: stripe
        defaultTimeout: 50ms
    to:
      - name: local
    forward:
      - to: local
`

func TestWorker_LiveRejectIsPermanent(t *testing.T) {
	h := newHarness(t, liveDoc)
	conn := &replyConn{reply: func(_ context.Context, msg *tunnel.Message) (*tunnel.Message, error) {
		return &tunnel.Message{Type: tunnel.TypeReject, RequestID: msg.RequestID, Message: "not today"}, nil
	}}
	h.registry.Register(registry.Registration{WebhookID: "wh_1"}, conn)

	event := h.ingest(t, "stripe", 3)
	final := h.drain(t, event.ID)

	assert.Equal(t, events.StatusFailed, final.Status)
	assert.Equal(t, "rejected by client: not today", final.FailedReason)
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestWorker_LiveResponseStatus(t *testing.T) {
	h := newHarness(t, liveDoc)
	conn := &replyConn{reply: func(_ context.Context, msg *tunnel.Message) (*tunnel.Message, error) {
		return &tunnel.Message{
			Type:      tunnel.TypeResponse,
			RequestID: msg.RequestID,
			Status:    http.StatusCreated,
			Headers:   map[string]string{"X-Handled": "yes"},
			Body:      []byte("created"),
		}, nil
	}}
	h.registry.Register(registry.Registration{WebhookID: "wh_1"}, conn)

	event := h.ingest(t, "stripe", 3)
	final := h.drain(t, event.ID)
	assert.Equal(t, events.StatusCompleted, final.Status)

	reqs := h.requests(t, event.ID)
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Response)
	assert.Equal(t, http.StatusCreated, reqs[0].Response.Status)
	assert.Equal(t, "created", string(reqs[0].Response.Body))
}

func TestWorker_LiveTimeoutUsesProviderDefault(t *testing.T) {
	h := newHarness(t, liveDoc)
	conn := &replyConn{reply: func(ctx context.Context, _ *tunnel.Message) (*tunnel.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h.registry.Register(registry.Registration{WebhookID: "wh_1"}, conn)

	event := h.ingest(t, "stripe", 1)
	final := h.drain(t, event.ID)

	assert.Equal(t, events.StatusFailed, final.Status)
	assert.Equal(t, "timed out after 50ms waiting for client", final.FailedReason)
	assert.Equal(t, 1, final.RetryCount)
	assert.Equal(t, int32(2), conn.calls.Load())
}

func TestWorker_PendingLiveWithoutConnection(t *testing.T) {
	h := newHarness(t, liveDoc)
	event := h.ingest(t, "stripe", 0)

	final := h.drain(t, event.ID)
	assert.Equal(t, events.StatusFailed, final.Status)
	assert.Equal(t, ReasonNoConnection, final.FailedReason)

	reqs := h.requests(t, event.ID)
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Destination.ConnectionID)
}

func TestWorker_DeactivationStopsRetries(t *testing.T) {
	srv := newStatusServer(t, http.StatusBadGateway)
	h := newHarness(t, httpDoc(srv.URL, 5))
	event := h.ingest(t, "stripe", 5)
	ctx := context.Background()

	// Route, then the first delivery attempt.
	for i := 0; i < 2; i++ {
		_, err := h.worker.ProcessDue(ctx)
		require.NoError(t, err)
		h.worker.Wait()
	}
	require.Equal(t, int32(1), srv.hits.Load())

	inactive := false
	h.webhook.Active = &inactive

	final := h.drain(t, event.ID)
	assert.Equal(t, events.StatusFailed, final.Status)
	assert.Equal(t, "HTTP 502", final.FailedReason)
	assert.Equal(t, int32(1), srv.hits.Load())

	jobs, err := h.store.ListJobs(ctx, event.ID)
	require.NoError(t, err)
	var skipped int
	for _, j := range jobs {
		if j.Outcome == events.OutcomeSkipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestWorker_StartStop(t *testing.T) {
	srv := newStatusServer(t, http.StatusOK)
	h := newHarness(t, httpDoc(srv.URL, 0))
	h.worker.Start()

	event := h.ingest(t, "stripe", 0)
	h.worker.Notify()

	assert.Eventually(t, func() bool {
		ev, err := h.store.GetEvent(context.Background(), event.ID)
		return err == nil && ev.Status == events.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.worker.Stop(ctx))
}

// slowServer holds each request for hold, or until the client gives up,
// and tracks how many requests are in flight at once.
type slowServer struct {
	*httptest.Server
	hits        atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	cancelled   atomic.Int32
}

func newSlowServer(t *testing.T, hold time.Duration) *slowServer {
	s := &slowServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		n := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		for {
			cur := s.maxInFlight.Load()
			if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}

		select {
		case <-time.After(hold):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
			s.cancelled.Add(1)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (h *harness) workerWithLease(lease time.Duration) *Worker {
	return NewWorker(h.store, h.resolver, h.registry, h.worker.dispatcher, h.worker.scheduler,
		WorkerConfig{Workers: 4, Lease: lease})
}

func TestWorker_AttemptLongerThanLeaseRunsOnce(t *testing.T) {
	srv := newSlowServer(t, 600*time.Millisecond)
	h := newHarness(t, httpDoc(srv.URL, 3))
	w := h.workerWithLease(150 * time.Millisecond)
	ctx := context.Background()

	event := h.ingest(t, "stripe", 3)

	n, err := w.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	w.Wait()

	n, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Poll well past the original lease while the attempt is still running.
	for range 4 {
		time.Sleep(100 * time.Millisecond)
		n, err := w.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "running job was claimed again")
	}
	w.Wait()

	assert.Equal(t, int32(1), srv.hits.Load())
	assert.Equal(t, int32(1), srv.maxInFlight.Load())

	final, err := h.store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, events.StatusCompleted, final.Status)

	reqs := h.requests(t, event.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, events.RequestCompleted, reqs[0].Status)
}

func TestWorker_LostLeaseCancelsAttempt(t *testing.T) {
	srv := newSlowServer(t, 5*time.Second)
	h := newHarness(t, httpDoc(srv.URL, 3))
	w := h.workerWithLease(150 * time.Millisecond)
	ctx := context.Background()

	event := h.ingest(t, "stripe", 3)

	_, err := w.ProcessDue(ctx)
	require.NoError(t, err)
	w.Wait()
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Another claimant takes the job over, as if this worker had stalled.
	taken, err := h.store.ClaimDue(ctx, time.Now().Add(time.Hour), 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, taken, 1)

	start := time.Now()
	w.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Eventually(t, func() bool { return srv.cancelled.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), srv.maxInFlight.Load())

	reqs := h.requests(t, event.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, events.RequestFailed, reqs[0].Status)

	jobs, err := h.store.ListJobs(ctx, event.ID)
	require.NoError(t, err)
	var running int
	for _, j := range jobs {
		if j.Status == events.JobRunning {
			running++
		}
	}
	assert.Equal(t, 1, running, "job stays with its new owner")
}
