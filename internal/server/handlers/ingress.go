package handlers

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/watzon/hookrelay/internal/auth"
	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/filter"
	"github.com/watzon/hookrelay/internal/metrics"
	"github.com/watzon/hookrelay/internal/requestctx"
	"github.com/watzon/hookrelay/internal/routing"
	"github.com/watzon/hookrelay/internal/webhooks"
)

// Ingress request parameters.
const (
	HeaderSource = "x-unhook-source"
	HeaderAPIKey = "x-unhook-api-key"
	QuerySource  = "source"
	QueryAPIKey  = "apiKey"
)

// Notifier wakes the delivery worker.
type Notifier interface {
	Notify()
}

// IngressHandlers accept inbound webhooks and persist them as events.
type IngressHandlers struct {
	resolver *routing.Resolver
	store    *events.Store
	keys     *auth.KeyChecker
	notifier Notifier
	relay    config.RelayConfig
}

func NewIngressHandlers(resolver *routing.Resolver, store *events.Store, keys *auth.KeyChecker, notifier Notifier, relay config.RelayConfig) *IngressHandlers {
	return &IngressHandlers{
		resolver: resolver,
		store:    store,
		keys:     keys,
		notifier: notifier,
		relay:    relay,
	}
}

type acceptedResponse struct {
	EventID     string `json:"eventId"`
	Message     string `json:"message"`
	OrgName     string `json:"orgName,omitempty"`
	WebhookName string `json:"webhookName,omitempty"`
}

// ByName handles /webhook/{orgName}/{webhookName}.
func (h *IngressHandlers) ByName(w http.ResponseWriter, r *http.Request) {
	org, name := r.PathValue("orgName"), r.PathValue("webhookName")
	if org == "" || name == "" {
		h.reject(w, http.StatusBadRequest, "MISSING_IDENTIFIERS", "Organization and webhook name are required")
		return
	}
	wh, err := h.resolver.ByName(org, name)
	h.accept(w, r, wh, err)
}

// ByTunnel handles /tunnel/{tunnelId}.
func (h *IngressHandlers) ByTunnel(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.PathValue("tunnelId")
	if tunnelID == "" {
		h.reject(w, http.StatusBadRequest, "MISSING_IDENTIFIERS", "Tunnel id is required")
		return
	}
	wh, err := h.resolver.ByTunnel(tunnelID)
	h.accept(w, r, wh, err)
}

func (h *IngressHandlers) accept(w http.ResponseWriter, r *http.Request, wh *routing.Webhook, lookupErr error) {
	switch {
	case routing.IsUnknownWebhook(lookupErr):
		h.reject(w, http.StatusNotFound, "WEBHOOK_NOT_FOUND", "Webhook not found")
		return
	case lookupErr != nil:
		requestctx.Logger(r.Context()).Error().Err(lookupErr).Msg("Webhook lookup failed")
		h.reject(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Routing configuration unavailable")
		return
	}

	ctx := requestctx.WithWebhookID(r.Context(), wh.ID)
	logger := requestctx.Logger(ctx)

	if !wh.IsActive() {
		h.reject(w, http.StatusForbidden, "WEBHOOK_DISABLED", "Webhook is disabled")
		return
	}

	if !wh.MethodAllowed(r.Method) {
		w.Header().Set("Allow", strings.Join(wh.Methods(), ", "))
		h.reject(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method "+r.Method+" is not allowed for this webhook")
		return
	}

	source := SourceFrom(r)
	if !wh.SourceAllowed(source) {
		h.reject(w, http.StatusForbidden, "SOURCE_BLOCKED", "Source "+source+" is not allowed for this webhook")
		return
	}

	if wh.Private {
		if err := h.keys.Check(wh.APIKeys, APIKeyFrom(r)); err != nil {
			code := "INVALID_API_KEY"
			if errors.Is(err, auth.ErrMissingAPIKey) {
				code = "MISSING_API_KEY"
			}
			h.reject(w, http.StatusUnauthorized, code, err.Error())
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.reject(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
			return
		}
		h.reject(w, http.StatusBadRequest, "BAD_REQUEST", "Failed to read request body")
		return
	}

	rawHeaders := filter.FromHTTP(r.Header)
	if p, ok := wh.Provider(source); ok && p.Verification != nil {
		result := webhooks.Verify(p.Verification, rawHeaders, body, requestctx.RequestTime(ctx))
		if !result.Valid {
			logger.Warn().Str("source", source).Str("reason", result.Error).Msg("Signature verification failed")
			h.reject(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Signature verification failed: "+result.Error)
			return
		}
	}

	policy := wh.FilterPolicy(h.relay.MaxRequestBodySize)
	captured := filter.Capture(body, policy)

	event := &events.Event{
		WebhookID:  wh.ID,
		Source:     source,
		MaxRetries: wh.RetryLimit(h.relay.DefaultMaxRetries),
		Request: events.OriginRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Headers:     filter.Headers(rawHeaders, policy),
			Body:        captured.Body,
			BodyOmitted: captured.Omitted,
			ContentType: r.Header.Get("Content-Type"),
			ClientIP:    ClientIP(r),
			SourceURL:   sourceURL(r),
			Size:        captured.Size,
			Timestamp:   requestctx.RequestTime(ctx).UTC(),
		},
	}

	if err := h.store.CreateEvent(ctx, event); err != nil {
		logger.Error().Err(err).Msg("Failed to store event")
		metrics.RecordIngress("error")
		Error(w, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to store event")
		return
	}

	if h.notifier != nil {
		h.notifier.Notify()
	}
	metrics.RecordIngress("accepted")

	logger.Debug().
		Str("event_id", event.ID).
		Str("source", source).
		Int64("size", captured.Size).
		Bool("body_omitted", captured.Omitted).
		Msg("Event accepted")

	JSON(w, http.StatusAccepted, acceptedResponse{
		EventID:     event.ID,
		Message:     "Webhook received",
		OrgName:     wh.Org,
		WebhookName: wh.Name,
	})
}

func (h *IngressHandlers) reject(w http.ResponseWriter, status int, code, message string) {
	metrics.RecordIngress("rejected")
	Error(w, status, code, message)
}

// SourceFrom returns the declared source, defaulting to the wildcard.
func SourceFrom(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get(HeaderSource)); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.URL.Query().Get(QuerySource)); s != "" {
		return s
	}
	return routing.Wildcard
}

// APIKeyFrom returns the API key from the header or query string.
func APIKeyFrom(r *http.Request) string {
	if k := r.Header.Get(HeaderAPIKey); k != "" {
		return k
	}
	return r.URL.Query().Get(QueryAPIKey)
}

// ClientIP prefers the first X-Forwarded-For hop over the socket address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sourceURL is the request URL with the API key removed.
func sourceURL(r *http.Request) string {
	u := *r.URL
	q := u.Query()
	if q.Has(QueryAPIKey) {
		q.Del(QueryAPIKey)
		u.RawQuery = q.Encode()
	}
	return u.RequestURI()
}
