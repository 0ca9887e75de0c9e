package server

import (
	"net/http"

	"github.com/watzon/hookrelay/internal/auth"
	"github.com/watzon/hookrelay/internal/metrics"
	"github.com/watzon/hookrelay/internal/server/handlers"
)

type Router struct {
	server      *Server
	mux         *http.ServeMux
	middlewares []Middleware
}

type Middleware func(http.Handler) http.Handler

func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

// setupMiddleware installs the chain outermost first. MetricsMiddleware is
// innermost so it sees the pattern the mux matched.
func (r *Router) setupMiddleware() {
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	if r.server.cfg.Server.CORS.Enabled {
		r.Use(CORSMiddleware(r.server.cfg.Server.CORS))
	}
	if r.server.cfg.Metrics.Enabled {
		r.Use(MetricsMiddleware(r.server.cfg.Metrics.Path))
	}
}

func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

func (r *Router) setupRoutes() {
	s := r.server
	cfg := s.cfg

	var redis handlers.Pinger
	if s.presence != nil {
		redis = s.presence
	}
	health := handlers.NewHealthHandlers(s.db, s.resolver, s.registry, redis, s.version)
	r.mux.HandleFunc("GET /health", r.wrap(health.Health))
	r.mux.HandleFunc("GET /health/live", r.wrap(health.Liveness))
	r.mux.HandleFunc("GET /health/ready", r.wrap(health.Readiness))

	if cfg.Metrics.Enabled {
		r.mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	// Ingress accepts every method; allowedMethods is checked per webhook.
	ingress := handlers.NewIngressHandlers(s.resolver, s.store, s.keys, s.worker, cfg.Relay)
	limit := MaxBodySizeMiddleware(cfg.Server.MaxBodySize)
	r.mux.Handle("/webhook/{orgName}/{webhookName}", limit(r.wrap(ingress.ByName)))
	r.mux.Handle("/webhook/{orgName}/{webhookName}/{path...}", limit(r.wrap(ingress.ByName)))
	r.mux.Handle("/tunnel/{tunnelId}", limit(r.wrap(ingress.ByTunnel)))
	r.mux.Handle("/tunnel/{tunnelId}/{path...}", limit(r.wrap(ingress.ByTunnel)))

	tunnels := handlers.NewTunnelHandlers(s.resolver, s.registry, s.keys, s.tokens)
	r.mux.HandleFunc("GET /connect/{webhookId}", r.wrap(tunnels.Connect))

	if s.tokens.Enabled() {
		admin := handlers.NewEventHandlers(s.resolver, s.store, s.registry, s.dispatcher, s.worker, cfg.Relay)
		r.mux.Handle("GET /api/webhooks/{webhookId}/events", r.wrapAdmin(admin.ListEvents))
		r.mux.Handle("GET /api/webhooks/{webhookId}/connections", r.wrapAdmin(admin.Connections))
		r.mux.Handle("POST /api/webhooks/{webhookId}/destinations/{name}/ping", r.wrapAdmin(admin.PingDestination))
		r.mux.Handle("GET /api/events/{eventId}", r.wrapAdmin(admin.GetEvent))
		r.mux.Handle("POST /api/events/{eventId}/replay", r.wrapAdmin(admin.Replay))
		r.mux.Handle("GET /api/stats", r.wrapAdmin(health.Stats))
	}

	r.mux.HandleFunc("/", r.wrap(func(w http.ResponseWriter, req *http.Request) {
		handlers.NotFound(w, "Route not found")
	}))
}

func (r *Router) wrap(fn handlers.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		fn(w, req)
	}
}

func (r *Router) wrapAdmin(fn handlers.HandlerFunc) http.Handler {
	return auth.RequireAdmin(r.server.tokens)(r.wrap(fn))
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler := http.Handler(r.mux)

	for i := len(r.middlewares) - 1; i >= 0; i-- {
		handler = r.middlewares[i](handler)
	}

	handler.ServeHTTP(w, req)
}
