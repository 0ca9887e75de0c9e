package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/hookrelay/internal/config"
	"github.com/watzon/hookrelay/internal/database"
	"github.com/watzon/hookrelay/internal/registry"
	"github.com/watzon/hookrelay/internal/routing"
	"github.com/watzon/hookrelay/internal/server"
	"github.com/watzon/hookrelay/internal/storage"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort    int
	serveHost    string
	serveRoutes  string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay server.

The server will:
  - Open the event database and run migrations
  - Load the routing document
  - Accept webhooks and tunnel connections
  - Deliver events with retries
  - Reload the routing document when it changes

Use --no-watch to disable routing hot reload.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", config.DefaultHost, "Host to bind to")
	serveCmd.Flags().StringVar(&serveRoutes, "routes", "", "Path to the routing document (overrides routing.path)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable routing hot reload")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if serveRoutes != "" {
		cfg.Routing.Path = serveRoutes
	}

	resolver := routing.NewResolver(routing.FileSource{Path: cfg.Routing.Path})
	if err := resolver.Reload(); err != nil {
		return fmt.Errorf("loading routing config: %w", err)
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []server.Option{server.WithVersion(version)}

	if cfg.Redis.Enabled {
		presence, err := registry.NewRedisPresence(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PresenceTTL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		opts = append(opts, server.WithPresence(presence))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Presence mirror enabled")
	}

	if cfg.Retention.Enabled && cfg.Archive.Enabled {
		backend, err := storage.NewBackend(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating archive backend: %w", err)
		}
		opts = append(opts, server.WithArchiver(storage.NewArchiver(backend, cfg.Archive.Bucket)))
		log.Info().Str("backend", cfg.Archive.Backend).Str("bucket", cfg.Archive.Bucket).Msg("Event archive enabled")
	}

	srv, err := server.New(cfg, db, resolver, opts...)
	if err != nil {
		return err
	}

	if !serveNoWatch && cfg.Routing.Watch {
		watcher, err := NewRoutingWatcher(cfg.Routing.Path, cfg.Routing.Debounce, resolver.Reload)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to watch routing config, continuing without hot reload")
		} else {
			watcher.Start(ctx)
			defer func() { _ = watcher.Stop() }()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownDone := make(chan error, 1)
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("Shutdown signal received")
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		shutdownDone <- srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(ctx); err != nil {
		cancel()
		<-shutdownDone
		return fmt.Errorf("server error: %w", err)
	}

	if err := <-shutdownDone; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}
