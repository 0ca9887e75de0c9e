package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/watzon/hookrelay/internal/auth"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/requestctx"
	"github.com/watzon/hookrelay/internal/routing"
	"github.com/watzon/hookrelay/internal/tunnel"
)

// TunnelHandlers upgrade development clients to live tunnel connections.
type TunnelHandlers struct {
	resolver *routing.Resolver
	registry *registry.Registry
	keys     *auth.KeyChecker
	tokens   *auth.JWTService

	// PingInterval overrides the websocket ping period. Used by tests.
	PingInterval time.Duration
}

func NewTunnelHandlers(resolver *routing.Resolver, reg *registry.Registry, keys *auth.KeyChecker, tokens *auth.JWTService) *TunnelHandlers {
	return &TunnelHandlers{
		resolver: resolver,
		registry: reg,
		keys:     keys,
		tokens:   tokens,
	}
}

// Connect handles GET /connect/{webhookId}.
func (h *TunnelHandlers) Connect(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookId")
	wh, err := h.resolver.Webhook(webhookID)
	if err != nil {
		if routing.IsUnknownWebhook(err) {
			Error(w, http.StatusNotFound, "WEBHOOK_NOT_FOUND", "Webhook not found")
			return
		}
		InternalError(w, "Routing configuration unavailable")
		return
	}
	if !wh.IsActive() {
		Error(w, http.StatusForbidden, "WEBHOOK_DISABLED", "Webhook is disabled")
		return
	}

	if status, code, msg := h.authorize(r, wh); status != 0 {
		Error(w, status, code, msg)
		return
	}

	ctx := requestctx.WithWebhookID(r.Context(), wh.ID)
	logger := requestctx.Logger(ctx)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to accept tunnel websocket")
		return
	}

	client := tunnel.NewClient(conn, tunnel.Options{
		WebhookID:    wh.ID,
		PingInterval: h.PingInterval,
		OnHeartbeat: func(id string) {
			h.registry.Heartbeat(id)
		},
		OnClose: h.registry.Unregister,
	})

	h.registry.Register(registry.Registration{
		ConnectionID: client.ID,
		WebhookID:    wh.ID,
		ClientID:     param(r, "clientId"),
		Destinations: listParam(r, "destinations"),
		Sources:      listParam(r, "sources"),
		RemoteAddr:   ClientIP(r),
		UserAgent:    r.UserAgent(),
	}, client)

	if err := client.Send(&tunnel.Message{Type: tunnel.TypeConnected, ConnectionID: client.ID}); err != nil {
		client.Close("failed to send connected message")
		return
	}

	logger.Info().Str("connection_id", client.ID).Msg("Tunnel client connected")
	client.Run()
	logger.Info().Str("connection_id", client.ID).Msg("Tunnel client disconnected")
}

// authorize returns a non-zero status when the request may not connect.
// Private webhooks need an API key or a bearer token scoped to the webhook.
// A bearer token, when sent, must be valid even for public webhooks.
func (h *TunnelHandlers) authorize(r *http.Request, wh *routing.Webhook) (int, string, string) {
	if token := auth.BearerToken(r); token != "" {
		claims, err := h.tokens.ValidateToken(token)
		switch {
		case errors.Is(err, auth.ErrTokensDisabled):
			return http.StatusUnauthorized, "INVALID_TOKEN", "Token auth is not configured"
		case err != nil:
			return http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token"
		case !claims.Allows(wh.ID):
			return http.StatusForbidden, "FORBIDDEN", "Token is not valid for this webhook"
		}
		return 0, "", ""
	}

	if !wh.Private {
		return 0, "", ""
	}
	if err := h.keys.Check(wh.APIKeys, APIKeyFrom(r)); err != nil {
		if errors.Is(err, auth.ErrMissingAPIKey) {
			return http.StatusUnauthorized, "MISSING_API_KEY", "API key or bearer token required"
		}
		return http.StatusUnauthorized, "INVALID_API_KEY", err.Error()
	}
	return 0, "", ""
}

// param reads a handshake value from the query string or an x-unhook-*
// header.
func param(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return r.Header.Get("X-Unhook-" + name)
}

func listParam(r *http.Request, name string) []string {
	raw := param(r, name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
