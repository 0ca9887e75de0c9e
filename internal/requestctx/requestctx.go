// Package requestctx carries per-request values through handler contexts.
package requestctx

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	requestTimeKey contextKey = "request_time"
	webhookIDKey   contextKey = "webhook_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithRequestTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey, t)
}

// WithWebhookID records the webhook a request was resolved to.
func WithWebhookID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, webhookIDKey, id)
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestTime returns when the request arrived, or now if unknown.
func RequestTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey).(time.Time); ok {
		return t
	}
	return time.Now()
}

func WebhookID(ctx context.Context) string {
	if id, ok := ctx.Value(webhookIDKey).(string); ok {
		return id
	}
	return ""
}

// Logger returns the global logger with the request's ids attached.
func Logger(ctx context.Context) *zerolog.Logger {
	lc := log.With()
	if id := RequestID(ctx); id != "" {
		lc = lc.Str("request_id", id)
	}
	if id := WebhookID(ctx); id != "" {
		lc = lc.Str("webhook_id", id)
	}
	l := lc.Logger()
	return &l
}
