/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Nexus game-store server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, NEXUS_* variables, flags)
  2. Build the zap logger
  3. Open the profile store (memory, sqlite or supabase)
  4. Load the catalog
  5. Start the write-through worker and the session janitor
  6. Configure the HTTP router and serve

COMMAND-LINE FLAGS:
  -port     HTTP server port (default: 8080)
  -db       SQLite database path (default: nexus.db)
            Use ":memory:" for in-memory database
  -store    memory, sqlite or supabase (default: sqlite)
  -catalog  Catalog JSON file (default: catalog.json)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the session janitor
  4. Drain the write-through queue within the same deadline
  5. Close the store
  6. Exit

EXAMPLES:
  # Local development, in-memory profiles
  NEXUS_DEV=1 ./server -store=memory

  # Run with file database
  NEXUS_JWT_SECRET=... ./server -db="./data/nexus.db"

SEE ALSO:
  - config/config.go: Every NEXUS_* variable
  - api/server.go:    Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chat997709/nexus/api"
	"github.com/chat997709/nexus/catalog"
	"github.com/chat997709/nexus/config"
	"github.com/chat997709/nexus/ledger"
	"github.com/chat997709/nexus/ledger/store"
	"github.com/chat997709/nexus/logging"
	"github.com/chat997709/nexus/metrics"
	"github.com/chat997709/nexus/session"
	"github.com/chat997709/nexus/store/sqlite"
	"github.com/chat997709/nexus/store/supabase"
)

type backend interface {
	ledger.ProfileStore
	ledger.CredentialStore
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logCfg := logging.ConfigFromEnv()
	logCfg.Dev = logCfg.Dev || cfg.Dev
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	profiles, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	if c, ok := profiles.(io.Closer); ok {
		defer c.Close()
	}

	cat, err := catalog.LoadFile(cfg.CatalogPath, logger.Named("catalog"))
	if err != nil {
		return err
	}

	m := metrics.New()

	writer := ledger.NewWriter(profiles, ledger.WriterConfig{
		QueueSize:  cfg.WriteQueue,
		MaxTries:   cfg.WriteMaxTries,
		OnComplete: m.RecordWrite,
		Logger:     logger.Named("writethrough"),
	})
	writer.Start()

	ids, err := ledger.NewSnowflakeIDs(1)
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(session.Config{
		Profiles:    profiles,
		Credentials: profiles,
		Writer:      writer,
		Secret:      []byte(cfg.JWTSecret),
		TTL:         cfg.SessionTTL,
		IDs:         ids,
		Logger:      logger.Named("session"),
	})
	if err != nil {
		return err
	}
	m.SessionsGauge(sessions.ActiveSessions)

	janitor := session.NewJanitor(sessions, logger.Named("janitor"))
	janitor.Start()

	handler := api.NewHandler(sessions, cat, m, logger.Named("api"))
	if p, ok := profiles.(interface{ Ping(context.Context) error }); ok {
		handler.Ping = p.Ping
	}

	limiter := api.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	pruneCtx, stopPrune := context.WithCancel(context.Background())
	defer stopPrune()
	go limiter.PruneEvery(pruneCtx, time.Minute)

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Limiter:        limiter,
		Dev:            cfg.Dev,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("store", cfg.Store),
			zap.Int("titles", cat.Len()),
			zap.Bool("dev", cfg.Dev),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	janitor.Stop()
	if err := writer.Close(ctx); err != nil {
		logger.Error("write-through queue not drained", zap.Error(err), zap.Int("pending", writer.Pending()))
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.Config) (backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreSupabase:
		return supabase.New(supabase.Config{URL: cfg.SupabaseURL, Key: cfg.SupabaseKey})
	default:
		return sqlite.New(cfg.DBPath)
	}
}
