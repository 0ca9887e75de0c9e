package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/hookrelay/internal/auth"
	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/database"
	"github.com/watzon/hookrelay/internal/delivery"
	"github.com/watzon/hookrelay/internal/events"
	"github.com/watzon/hookrelay/internal/metrics"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/routing"
	"github.com/watzon/hookrelay/internal/scheduler"
	"github.com/watzon/hookrelay/internal/server/handlers"
	"github.com/watzon/hookrelay/internal/tunnel"
)

// Server owns the relay's long-lived components and the HTTP listener.
type Server struct {
	cfg        *config.Config
	db         *database.DB
	resolver   *routing.Resolver
	store      *events.Store
	bus        *events.Bus
	registry   *registry.Registry
	presence   *registry.RedisPresence
	dispatcher *delivery.Dispatcher
	worker     *delivery.Worker
	tokens     *auth.JWTService
	keys       *auth.KeyChecker
	cron       *scheduler.Scheduler
	archiver   scheduler.Archiver
	version    string

	httpServer  *http.Server
	router      *Router
	unsubscribe func()
}

type Option func(*Server)

// WithPresence mirrors tunnel registrations to Redis.
func WithPresence(p *registry.RedisPresence) Option {
	return func(s *Server) {
		s.presence = p
	}
}

// WithArchiver archives events before the retention purge deletes them.
func WithArchiver(a scheduler.Archiver) Option {
	return func(s *Server) {
		s.archiver = a
	}
}

func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New wires the store, registry, delivery pipeline and HTTP routes. The
// resolver must already hold a loaded routing snapshot.
func New(cfg *config.Config, db *database.DB, resolver *routing.Resolver, opts ...Option) (*Server, error) {
	srv := &Server{
		cfg:      cfg,
		db:       db,
		resolver: resolver,
		store:    events.NewStore(db),
		bus:      events.NewBus(),
		tokens:   auth.NewJWTService(cfg.Auth.JWT),
		keys:     auth.NewKeyChecker(cfg.Auth.APIKeyCacheTTL),
		cron:     scheduler.New(),
		version:  "dev",
	}

	for _, opt := range opts {
		opt(srv)
	}

	var regOpts []registry.Option
	if srv.presence != nil {
		regOpts = append(regOpts, registry.WithPresence(srv.presence))
	}
	srv.registry = registry.New(cfg.Relay.HeartbeatTimeout, regOpts...)
	srv.registry.OnChange = metrics.SetLiveConnections

	srv.store.SetListener(srv.bus.Publish)
	srv.unsubscribe = srv.bus.Subscribe("*", func(_ context.Context, event *events.Event) {
		srv.registry.Broadcast(event.WebhookID, tunnel.StatusMessage(event))
	})

	srv.dispatcher = delivery.NewDispatcher(srv.store, srv.registry, delivery.DispatcherConfig{
		DefaultTimeout: cfg.Relay.DefaultTimeout,
		UserAgent:      cfg.Delivery.UserAgent,
	})
	retries := delivery.NewScheduler(srv.store, delivery.RetryConfig{
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
	}, resolver.IsActive)
	srv.worker = delivery.NewWorker(srv.store, resolver, srv.registry, srv.dispatcher, retries, delivery.WorkerConfig{
		Workers:      cfg.Delivery.Workers,
		PollInterval: cfg.Delivery.PollInterval,
		BatchSize:    cfg.Delivery.BatchSize,
		Lease:        cfg.Delivery.Lease,
	})

	if err := srv.scheduleMaintenance(); err != nil {
		return nil, err
	}

	handlers.SetDocsURL(cfg.Relay.DocsURL)
	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv, nil
}

func (s *Server) scheduleMaintenance() error {
	now := time.Now
	if err := s.cron.Add("sweep", scheduler.Every(s.cfg.Relay.SweepInterval), func(context.Context) error {
		s.registry.Sweep(now())
		return nil
	}); err != nil {
		return err
	}

	if s.cfg.Metrics.Enabled {
		if err := s.cron.Add("db-stats", scheduler.Every(15*time.Second), func(context.Context) error {
			stats := s.db.Stats()
			metrics.UpdateDBStats(stats.OpenConnections, stats.InUse, stats.Idle)
			return nil
		}); err != nil {
			return err
		}
	}

	if s.cfg.Retention.Enabled {
		purger := scheduler.NewPurger(s.store, s.archiver, s.cfg.Retention)
		if err := s.cron.Add("retention", s.cfg.Retention.Schedule, purger.Job()); err != nil {
			return fmt.Errorf("scheduling retention: %w", err)
		}
	}
	return nil
}

// Start runs the background components and blocks serving HTTP.
func (s *Server) Start(ctx context.Context) error {
	webhooks := 0
	if snap := s.resolver.Current(); snap != nil {
		webhooks = len(snap.Webhooks)
	}
	log.Info().
		Str("addr", s.cfg.Server.Address()).
		Int("webhooks", webhooks).
		Msg("Starting server")

	s.worker.Start()
	s.cron.Start()

	var err error
	if tls := s.cfg.Server.TLS; tls != nil && tls.Enabled {
		err = s.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes every tunnel connection and
// drains in-flight deliveries.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	httpErr := s.httpServer.Shutdown(ctx)

	if err := s.cron.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Maintenance jobs did not stop in time")
	}

	// Closing tunnels first fails pending live deliveries fast; they are
	// rescheduled rather than lost.
	s.unsubscribe()
	s.registry.Stop()

	if err := s.worker.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Delivery worker did not drain in time")
	}

	if s.presence != nil {
		if err := s.presence.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing redis presence")
		}
	}

	return httpErr
}

func (s *Server) Config() *config.Config {
	return s.cfg
}

func (s *Server) Store() *events.Store {
	return s.store
}

func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func (s *Server) Worker() *delivery.Worker {
	return s.worker
}

func (s *Server) Resolver() *routing.Resolver {
	return s.resolver
}

func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.cron
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
