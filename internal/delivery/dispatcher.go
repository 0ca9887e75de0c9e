// Package delivery sends events to their targets, classifies failures and
// schedules retries.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/filter"
	"github.com/watzon/hookrelay/internal/matcher"
	"github.com/watzon/hookrelay/internal/metrics"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/routing"
	"github.com/watzon/hookrelay/internal/tunnel"
	"github.com/watzon/hookrelay/internal/webhooks"
)

// DefaultTimeout bounds an attempt when neither the destination nor the
// source provider sets one.
const DefaultTimeout = 18 * time.Second

// maxResponseBody caps how much of a destination response is stored.
const maxResponseBody = 1 << 20

// Headers added to direct HTTP deliveries.
const (
	HeaderEventID = "X-Hookrelay-Event-Id"
	HeaderSource  = "X-Hookrelay-Source"
	HeaderAttempt = "X-Hookrelay-Attempt"
)

// Failure reasons.
const (
	ReasonNoConnection   = "no live connection for destination"
	ReasonConnectionGone = "live connection gone"
	ReasonBodyOmitted    = "request body exceeded the storage limit and cannot be replayed"
)

// Kind classifies an attempt.
type Kind string

const (
	KindSuccess   Kind = "success"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Outcome is the result of one attempt.
type Outcome struct {
	Kind     Kind
	Request  *events.Request
	Response *events.Response
	Reason   string
	Elapsed  time.Duration
}

// Success reports whether the attempt delivered the event.
func (o Outcome) Success() bool { return o.Kind == KindSuccess }

// Connections is the registry view the dispatcher needs.
type Connections interface {
	Get(connectionID string) (registry.Registration, registry.Conn, bool)
	ListLive(webhookID string) []registry.Registration
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	DefaultTimeout time.Duration
	UserAgent      string
}

// Dispatcher performs delivery attempts and records one Request per attempt.
type Dispatcher struct {
	store      *events.Store
	conns      Connections
	httpClient *http.Client
	config     DispatcherConfig
	now        func() time.Time
}

// NewDispatcher creates a dispatcher. conns may be nil when no tunnels are
// served.
func NewDispatcher(store *events.Store, conns Connections, config DispatcherConfig) *Dispatcher {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	return &Dispatcher{
		store: store,
		conns: conns,
		// Per-attempt timeouts come from the request context. Redirects are
		// returned as is and classified like any other 3xx.
		httpClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config:     config,
		now:        time.Now,
	}
}

// Timeout returns the attempt timeout for a destination: its own timeout,
// then the source provider's default, then the dispatcher default.
func (d *Dispatcher) Timeout(wh *routing.Webhook, dest *routing.Destination, source string) time.Duration {
	if dest != nil && dest.Timeout > 0 {
		return dest.Timeout.Std()
	}
	if wh != nil {
		if p, ok := wh.Provider(source); ok && p.DefaultTimeout > 0 {
			return p.DefaultTimeout.Std()
		}
	}
	return d.config.DefaultTimeout
}

// Deliver makes one attempt of event to target. attempt is zero for the
// first try. The returned error is reserved for storage failures; delivery
// failures are reported through the Outcome.
func (d *Dispatcher) Deliver(ctx context.Context, event *events.Event, wh *routing.Webhook, target matcher.Target, attempt int) (Outcome, error) {
	dest, _ := wh.Destination(target.Destination)
	timeout := d.Timeout(wh, dest, event.Source)

	resolved, conn, reason := d.bind(event, target, attempt)

	req, err := d.store.CreateRequest(ctx, event.ID, resolved.EventDestination(), attempt)
	if err != nil {
		return Outcome{}, fmt.Errorf("creating request: %w", err)
	}

	start := d.now()
	var out Outcome
	switch {
	case reason != "":
		out = Outcome{Kind: KindTransient, Reason: reason}
	case resolved.Mode == events.ModeLive:
		out = d.deliverLive(ctx, conn, req.ID, event, resolved, timeout)
	default:
		out = d.deliverHTTP(ctx, event, dest, resolved, attempt, timeout)
	}
	out.Elapsed = d.now().Sub(start)
	out.Request = req

	// The attempt context may be cancelled by now; the row is still closed.
	if err := d.record(context.WithoutCancel(ctx), req, out); err != nil {
		return out, err
	}

	metrics.RecordDelivery(string(resolved.Mode), string(out.Kind), out.Elapsed)

	l := log.Debug()
	if !out.Success() {
		l = log.Warn()
	}
	l.Str("event_id", event.ID).
		Str("webhook_id", event.WebhookID).
		Str("request_id", req.ID).
		Str("destination", resolved.Destination).
		Str("mode", string(resolved.Mode)).
		Int("attempt", attempt).
		Str("outcome", string(out.Kind)).
		Str("reason", out.Reason).
		Dur("elapsed", out.Elapsed).
		Msg("Delivery attempt finished")

	return out, nil
}

// bind resolves which connection or URL an attempt uses. A pending live
// target takes the newest live connection. A connection that has gone away
// is a transient failure on the first attempt; on retries the destination
// URL is used when there is one, otherwise the newest live connection.
func (d *Dispatcher) bind(event *events.Event, target matcher.Target, attempt int) (matcher.Target, registry.Conn, string) {
	if target.Mode != events.ModeLive {
		return target, nil, ""
	}

	if target.ConnectionID != "" && d.conns != nil {
		if _, conn, ok := d.conns.Get(target.ConnectionID); ok {
			return target, conn, ""
		}
	}

	if target.ConnectionID != "" {
		if attempt == 0 {
			return target, nil, ReasonConnectionGone
		}
		if target.URL != "" {
			target.Mode = events.ModeHTTP
			target.ConnectionID = ""
			return target, nil, ""
		}
	}

	if d.conns != nil {
		for _, reg := range d.conns.ListLive(event.WebhookID) {
			if !reg.Serves(target.Destination) || !reg.Accepts(event.Source) {
				continue
			}
			if _, conn, ok := d.conns.Get(reg.ConnectionID); ok {
				target.ConnectionID = reg.ConnectionID
				return target, conn, ""
			}
		}
	}

	if target.ConnectionID != "" {
		return target, nil, ReasonConnectionGone
	}
	return target, nil, ReasonNoConnection
}

func (d *Dispatcher) deliverLive(ctx context.Context, conn registry.Conn, requestID string, event *events.Event, target matcher.Target, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := conn.Deliver(ctx, tunnel.EventMessage(requestID, target.Destination, event))
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return Outcome{Kind: KindTransient, Reason: fmt.Sprintf("timed out after %s waiting for client", timeout)}
		case errors.Is(err, tunnel.ErrClosed):
			return Outcome{Kind: KindTransient, Reason: ReasonConnectionGone}
		default:
			return Outcome{Kind: KindTransient, Reason: err.Error()}
		}
	}

	switch reply.Type {
	case tunnel.TypeReject:
		reason := "rejected by client"
		if reply.Message != "" {
			reason += ": " + reply.Message
		}
		return Outcome{Kind: KindPermanent, Reason: reason}
	case tunnel.TypeResponse:
		resp := &events.Response{Status: reply.Status, Headers: reply.Headers, Body: reply.Body}
		if reply.Status == 0 {
			resp.Status = http.StatusOK
		}
		return classifyStatus(resp)
	default:
		return Outcome{Kind: KindSuccess, Response: &events.Response{Status: http.StatusAccepted}}
	}
}

func (d *Dispatcher) deliverHTTP(ctx context.Context, event *events.Event, dest *routing.Destination, target matcher.Target, attempt int, timeout time.Duration) Outcome {
	if target.URL == "" {
		return Outcome{Kind: KindPermanent, Reason: "destination has no url"}
	}
	if event.Request.BodyOmitted {
		return Outcome{Kind: KindPermanent, Reason: ReasonBodyOmitted}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := event.Request.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(event.Request.Body))
	if err != nil {
		return Outcome{Kind: KindPermanent, Reason: fmt.Sprintf("creating request: %v", err)}
	}

	filter.ToHTTP(event.Request.Headers, req.Header)
	if dest != nil {
		for k, v := range dest.Headers {
			req.Header.Set(k, v)
		}
	}
	if d.config.UserAgent != "" {
		req.Header.Set("User-Agent", d.config.UserAgent)
	}
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderSource, event.Source)
	req.Header.Set(HeaderAttempt, fmt.Sprint(attempt+1))

	if dest != nil && dest.SigningSecret != "" {
		if err := webhooks.Sign(req.Header, dest.SigningSecret, event.ID, d.now(), event.Request.Body); err != nil {
			return Outcome{Kind: KindPermanent, Reason: err.Error()}
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{Kind: KindTransient, Reason: fmt.Sprintf("timed out after %s", timeout)}
		}
		return Outcome{Kind: KindTransient, Reason: networkReason(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("destination", target.Destination).
			Int("status", resp.StatusCode).
			Int("read", len(body)).
			Msg("Destination response body truncated")
	}
	return classifyStatus(&events.Response{
		Status:  resp.StatusCode,
		Headers: filter.FromHTTP(resp.Header),
		Body:    body,
	})
}

// classifyStatus maps a response status: 2xx succeeds, 5xx is retried,
// anything else fails permanently.
func classifyStatus(resp *events.Response) Outcome {
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return Outcome{Kind: KindSuccess, Response: resp}
	case resp.Status >= 500:
		return Outcome{Kind: KindTransient, Response: resp, Reason: fmt.Sprintf("HTTP %d", resp.Status)}
	default:
		return Outcome{Kind: KindPermanent, Response: resp, Reason: fmt.Sprintf("HTTP %d", resp.Status)}
	}
}

func networkReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "network timeout"
	default:
		return fmt.Sprintf("HTTP request failed: %v", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, req *events.Request, out Outcome) error {
	if out.Success() {
		return d.store.CompleteRequest(ctx, req.ID, *out.Response, out.Elapsed)
	}
	return d.store.FailRequest(ctx, req.ID, out.Reason, out.Elapsed)
}
