package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/delivery"
	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/requestctx"
	"github.com/watzon/hookrelay/internal/routing"
)

const maxListLimit = 500

// EventHandlers serve the admin read API.
type EventHandlers struct {
	resolver   *routing.Resolver
	store      *events.Store
	registry   *registry.Registry
	dispatcher *delivery.Dispatcher
	notifier   Notifier
	relay      config.RelayConfig
}

func NewEventHandlers(resolver *routing.Resolver, store *events.Store, reg *registry.Registry, dispatcher *delivery.Dispatcher, notifier Notifier, relay config.RelayConfig) *EventHandlers {
	return &EventHandlers{
		resolver:   resolver,
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		notifier:   notifier,
		relay:      relay,
	}
}

type eventListResponse struct {
	Events     []*events.Event `json:"events"`
	NextBefore string          `json:"nextBefore,omitempty"`
}

// ListEvents handles GET /api/webhooks/{webhookId}/events.
func (h *EventHandlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")
	q := r.URL.Query()

	f := events.ListFilter{WebhookID: webhookID}

	if s := q.Get("status"); s != "" {
		f.Status = events.Status(s)
		if !f.Status.Valid() {
			BadRequest(w, "Unknown status "+s)
			return
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	if s := q.Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			BadRequest(w, "before must be an RFC 3339 timestamp")
			return
		}
		f.Before = t
	}

	list, err := h.store.ListEvents(r.Context(), f)
	if err != nil {
		requestctx.Logger(r.Context()).Error().Err(err).Msg("Failed to list events")
		InternalError(w, "Failed to list events")
		return
	}

	resp := eventListResponse{Events: list}
	if resp.Events == nil {
		resp.Events = []*events.Event{}
	}
	limit := f.Limit
	if limit == 0 {
		limit = events.DefaultListLimit
	}
	if len(list) == limit {
		resp.NextBefore = list[len(list)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	JSON(w, http.StatusOK, resp)
}

type eventDetailResponse struct {
	Event    *events.Event     `json:"event"`
	Requests []*events.Request `json:"requests"`
}

// GetEvent handles GET /api/events/{eventId}.
func (h *EventHandlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.loadEvent(w, r)
	if !ok {
		return
	}

	requests, err := h.store.ListRequests(r.Context(), event.ID)
	if err != nil {
		requestctx.Logger(r.Context()).Error().Err(err).Str("event_id", event.ID).Msg("Failed to list requests")
		InternalError(w, "Failed to load requests")
		return
	}
	if requests == nil {
		requests = []*events.Request{}
	}
	JSON(w, http.StatusOK, eventDetailResponse{Event: event, Requests: requests})
}

// Replay handles POST /api/events/{eventId}/replay. The copy is a new
// pending event with the same origin request and the webhook's current
// retry budget.
func (h *EventHandlers) Replay(w http.ResponseWriter, r *http.Request) {
	original, ok := h.loadEvent(w, r)
	if !ok {
		return
	}

	wh, err := h.resolver.Webhook(original.WebhookID)
	if err != nil {
		Error(w, http.StatusNotFound, "WEBHOOK_NOT_FOUND", "Webhook no longer exists")
		return
	}
	if !wh.IsActive() {
		Error(w, http.StatusForbidden, "WEBHOOK_DISABLED", "Webhook is disabled")
		return
	}

	replay := &events.Event{
		WebhookID:  original.WebhookID,
		Source:     original.Source,
		Request:    original.Request,
		MaxRetries: wh.RetryLimit(h.relay.DefaultMaxRetries),
	}
	if err := h.store.CreateEvent(r.Context(), replay); err != nil {
		requestctx.Logger(r.Context()).Error().Err(err).Str("event_id", original.ID).Msg("Failed to store replay")
		Error(w, http.StatusInternalServerError, "STORAGE_ERROR", "Failed to store event")
		return
	}
	if h.notifier != nil {
		h.notifier.Notify()
	}

	JSON(w, http.StatusAccepted, map[string]string{
		"eventId":  replay.ID,
		"replayOf": original.ID,
	})
}

func (h *EventHandlers) loadEvent(w http.ResponseWriter, r *http.Request) (*events.Event, bool) {
	event, err := h.store.GetEvent(r.Context(), r.PathValue("eventId"))
	if err != nil {
		if events.IsNotFound(err) {
			Error(w, http.StatusNotFound, "EVENT_NOT_FOUND", "Event not found")
			return nil, false
		}
		requestctx.Logger(r.Context()).Error().Err(err).Msg("Failed to load event")
		InternalError(w, "Failed to load event")
		return nil, false
	}
	return event, true
}

type connectionsResponse struct {
	Local  []registry.Registration `json:"local"`
	Remote []registry.Registration `json:"remote,omitempty"`
}

// Connections handles GET /api/webhooks/{webhookId}/connections. Remote
// entries come from the presence mirror and exclude this instance's own.
func (h *EventHandlers) Connections(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")
	if _, err := h.resolver.Webhook(webhookID); err != nil {
		Error(w, http.StatusNotFound, "WEBHOOK_NOT_FOUND", "Webhook not found")
		return
	}

	local := h.registry.ListLive(webhookID)
	resp := connectionsResponse{Local: local}
	if resp.Local == nil {
		resp.Local = []registry.Registration{}
	}

	if p := h.registry.Presence(); p != nil {
		all, err := p.List(r.Context(), webhookID)
		if err != nil {
			requestctx.Logger(r.Context()).Warn().Err(err).Msg("Presence list failed")
		}
		seen := make(map[string]bool, len(local))
		for _, reg := range local {
			seen[reg.ConnectionID] = true
		}
		for _, reg := range all {
			if !seen[reg.ConnectionID] {
				resp.Remote = append(resp.Remote, reg)
			}
		}
	}

	JSON(w, http.StatusOK, resp)
}

// PingDestination handles POST /api/webhooks/{webhookId}/destinations/{name}/ping.
func (h *EventHandlers) PingDestination(w http.ResponseWriter, r *http.Request) {
	wh, err := h.resolver.Webhook(r.PathValue("webhookId"))
	if err != nil {
		Error(w, http.StatusNotFound, "WEBHOOK_NOT_FOUND", "Webhook not found")
		return
	}
	dest, ok := wh.Destination(r.PathValue("name"))
	if !ok {
		Error(w, http.StatusNotFound, "DESTINATION_NOT_FOUND", "Destination not found")
		return
	}

	result, err := h.dispatcher.Ping(r.Context(), wh, dest)
	if err != nil {
		if errors.Is(err, delivery.ErrNoPingURL) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, err.Error())
		return
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusBadGateway
	}
	JSON(w, status, result)
}
