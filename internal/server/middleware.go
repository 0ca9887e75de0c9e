package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/metrics"
	"github.com/watzon/hookrelay/internal/requestctx"
	"github.com/watzon/hookrelay/internal/server/handlers"
)

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("stack", string(debug.Stack())).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				handlers.InternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := requestctx.WithRequestID(r.Context(), requestID)
		ctx = requestctx.WithRequestTime(ctx, time.Now())

		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := requestctx.RequestID(r.Context())

		wrapped := &responseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		evt := log.Info()
		if wrapped.status >= http.StatusInternalServerError {
			evt = log.Warn()
		} else if strings.HasPrefix(r.URL.Path, "/health") {
			evt = log.Debug()
		}
		evt.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Int("bytes", wrapped.bytes).
			Dur("duration", duration).
			Str("remote_addr", r.RemoteAddr).
			Msg("Request completed")
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack implements http.Hijacker to support WebSocket upgrades.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

// Flush implements http.Flusher for streaming responses.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func CORSMiddleware(cfg config.CORSConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := false
				for _, o := range cfg.AllowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)

					if cfg.AllowCredentials {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
					}

					if len(cfg.ExposedHeaders) > 0 {
						w.Header().Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposedHeaders, ", "))
					}
				}
			}

			if r.Method == http.MethodOptions {
				methods := cfg.AllowedMethods()
				if len(methods) > 0 {
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
				}
				headers := cfg.AllowedHeaders()
				if len(headers) > 0 {
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
				}
				if cfg.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(cfg.MaxAge.Seconds())))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodySizeMiddleware enforces the hard server limit. Bodies above it are
// rejected before the handler reads them.
func MaxBodySizeMiddleware(maxSize int64) Middleware {
	return func(next http.Handler) http.Handler {
		if maxSize <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				metrics.RecordIngress("rejected")
				handlers.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts and latency by route pattern.
// Tunnel websockets and the metrics endpoint itself are not counted.
func MetricsMiddleware(metricsPath string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == metricsPath || strings.HasPrefix(r.URL.Path, "/connect/") {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			metrics.IncrementInFlight()
			defer metrics.DecrementInFlight()

			wrapped := &responseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			metrics.RecordHTTPRequest(r.Method, routeLabel(r), wrapped.status, time.Since(start))
		})
	}
}

// routeLabel uses the matched mux pattern so path values do not explode
// label cardinality.
func routeLabel(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" || pattern == "/" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}
	return metrics.NormalizePath(pattern)
}
