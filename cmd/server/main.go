package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manpreetbhatti/lattice/relay/internal/api"
	"github.com/manpreetbhatti/lattice/relay/internal/auth"
	"github.com/manpreetbhatti/lattice/relay/internal/config"
	"github.com/manpreetbhatti/lattice/relay/internal/db"
	"github.com/manpreetbhatti/lattice/relay/internal/logging"
	"github.com/manpreetbhatti/lattice/relay/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/relay/internal/snapshot"
	"github.com/manpreetbhatti/lattice/relay/internal/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	upgradesPerSecond = 5
	upgradeBurst      = 20
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	store, catalog := openStore(cfg, log)
	gateway := snapshot.NewGateway(store, cfg.SnapshotTimeout, log)
	defer func() {
		if err := gateway.Close(); err != nil {
			log.Warn("Failed to close snapshot store", zap.Error(err))
		}
	}()

	var authorizer auth.Authorizer = auth.Static{Role: cfg.DefaultRole}
	if cfg.AuthURL != "" {
		authorizer = auth.NewHTTPAuthorizer(cfg.AuthURL)
	}

	admission := ratelimit.NewClientLimiters(upgradesPerSecond, upgradeBurst)
	defer admission.Stop()

	hub := ws.NewHub(gateway, ws.Options{
		AwarenessInterval: cfg.AwarenessInterval,
		SnapshotInterval:  cfg.SnapshotInterval,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		SendQueueSize:     cfg.SendQueueSize,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		Authorizer:        authorizer,
		Admission:         admission,
	}, log)
	hub.Start()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(api.New(hub, catalog, log)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Lattice relay starting",
			zap.String("addr", server.Addr),
			zap.String("backend", cfg.SnapshotBackend),
			zap.Stringer("defaultRole", cfg.DefaultRole),
			zap.Bool("externalAuth", cfg.AuthURL != ""))
		log.Info("Endpoints",
			zap.String("websocket", "/ws?doc={documentId}"),
			zap.String("health", "GET /health"),
			zap.String("stats", "GET /api/stats"),
			zap.String("rooms", "GET /api/rooms, GET /api/rooms/{id}"),
			zap.String("documents", "GET /api/documents, GET/DELETE /api/documents/{id}"),
			zap.String("metrics", "GET /metrics"))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := hub.Drain(shutdownCtx); err != nil {
			log.Warn("Drain did not finish", zap.Error(err))
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown failed", zap.Error(err))
		}
		hub.Stop()
		log.Info("Server stopped")
		return nil
	})

	return g.Wait()
}

// openStore connects the configured snapshot backend. When it cannot be
// reached the relay still serves, but without persistence.
func openStore(cfg config.Config, log *zap.Logger) (snapshot.Store, api.Catalog) {
	var (
		store   snapshot.Store
		catalog api.Catalog
		err     error
	)

	switch cfg.SnapshotBackend {
	case config.BackendSQLite:
		var database *db.Database
		database, err = db.New(cfg.DBPath, log)
		if err == nil {
			store, catalog = database, database
		}
	case config.BackendBadger:
		store, err = snapshot.NewBadgerStore(cfg.BadgerDir)
	case config.BackendRedis:
		store, err = snapshot.NewRedisStore(cfg.RedisAddr)
	case config.BackendMongo:
		store, err = snapshot.NewMongoStore(cfg.MongoURI, cfg.MongoDatabase)
	case config.BackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.SnapshotTimeout)
		store, err = snapshot.NewPostgresStore(ctx, cfg.PostgresURL)
		cancel()
	case config.BackendMemory:
		store = snapshot.NewMemoryStore()
	}

	if err != nil {
		log.Error("Snapshot store unavailable, running without persistence",
			zap.String("backend", cfg.SnapshotBackend), zap.Error(err))
		return snapshot.NopStore{}, nil
	}
	log.Info("Snapshot store ready", zap.String("backend", cfg.SnapshotBackend))
	return store, catalog
}
