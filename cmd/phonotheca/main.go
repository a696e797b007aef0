// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phonotheca/phonotheca/internal/analyzer"
	"github.com/phonotheca/phonotheca/internal/api"
	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/authz"
	"github.com/phonotheca/phonotheca/internal/cache"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/identity"
	"github.com/phonotheca/phonotheca/internal/lifecycle"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/middleware"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/outbox"
	"github.com/phonotheca/phonotheca/internal/playlist"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
	"github.com/phonotheca/phonotheca/internal/streaming"
	"github.com/phonotheca/phonotheca/internal/supervisor"
	"github.com/phonotheca/phonotheca/internal/supervisor/services"
	"github.com/phonotheca/phonotheca/internal/telemetry"
	"github.com/phonotheca/phonotheca/internal/upload"
	"github.com/phonotheca/phonotheca/internal/ws"
)

// Build metadata, stamped by the release build via
// -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Str("environment", cfg.Server.Environment).
		Msg("Starting Phonotheca")
	metrics.SetBuildInfo(version, commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Document store.
	docs, err := store.New(store.Config{
		Dir:        cfg.Store.Dir,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
		GCInterval: cfg.Store.GCInterval,
	}, models.IndexSpecs()...)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open document store")
	}
	defer func() {
		if err := docs.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing document store")
		}
	}()
	logging.Info().Str("dir", cfg.Store.Dir).Msg("Document store ready")

	// Stream URL cache. The master key arrives as hex so it can live in
	// an environment variable.
	masterKey, err := hex.DecodeString(cfg.Cache.MasterKeyHex)
	if err != nil {
		logging.Fatal().Err(err).Msg("PHONO_CACHE_MASTER_KEY is not valid hex")
	}
	urls, err := cache.New(cache.Config{
		Dir:        cfg.Cache.Dir,
		InMemory:   cfg.Cache.InMemory,
		MasterKey:  masterKey,
		KeyVersion: cfg.Cache.KeyVersion,
		DefaultTTL: cfg.Cache.DefaultTTL,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open URL cache")
	}
	defer func() {
		if err := urls.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing URL cache")
		}
	}()

	// Object store. EnsureBucket doubles as the startup probe: a bad
	// endpoint or credentials fail here, not on the first upload.
	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		Region:    cfg.ObjectStore.Region,
		UseSSL:    cfg.ObjectStore.UseSSL,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create object store client")
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Object store unreachable")
	}
	logging.Info().
		Str("endpoint", cfg.ObjectStore.Endpoint).
		Str("bucket", cfg.ObjectStore.Bucket).
		Msg("Object store ready")

	// Shared failure policy, one pipeline per dependency.
	storePipe := newPipeline("store", cfg.Resilience.Store)
	objectPipe := newPipeline("object", cfg.Resilience.Object)
	busPipe := newPipeline("bus", cfg.Resilience.Bus)
	cachePipe := newPipeline("cache", cfg.Resilience.Cache)

	trail := audit.New(docs, storePipe)

	jwtMgr, err := auth.NewManager(cfg.Security.JWTSecret, cfg.Identity.AccessTokenTTL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
	}
	enforcer, err := authz.New(cfg.Authz)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize authorization enforcer")
	}
	identitySvc, err := identity.New(docs, storePipe, jwtMgr, trail, cfg.Identity)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize identity service")
	}
	if len(cfg.Identity.AdminEmails) == 0 {
		logging.Warn().Msg("No admin emails configured; moderation and audit endpoints will be unreachable")
	}

	rollup, err := telemetry.NewRollup(cfg.Telemetry.Rollup)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open telemetry store")
	}
	defer func() {
		if err := rollup.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing telemetry store")
		}
	}()
	logging.Info().Str("path", cfg.Telemetry.Rollup.Path).Msg("Telemetry store ready")

	// Event consumers, then the bus that feeds them.
	ingestor := upload.NewIngestor(docs, objects, storePipe, objectPipe, trail)
	audioAnalyzer := analyzer.New(cfg.Analyzer, docs, objects, storePipe, objectPipe, trail)
	hub := ws.NewHub()
	forwarder := ws.NewForwarder(hub)

	busc, err := initBus(cfg, ingestor, audioAnalyzer, forwarder, rollup)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize event bus")
	}
	defer func() {
		// The serve context is already canceled here; the broker drain
		// needs its own deadline.
		shutdownCtx, release := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer release()
		busc.Shutdown(shutdownCtx)
	}()

	// Request-path services.
	uploads := upload.NewCoordinator(cfg.Upload, docs, objects, storePipe, objectPipe)
	streams := streaming.NewIssuer(cfg.Streaming, docs, objects, urls, storePipe, objectPipe, cachePipe)
	tracks := lifecycle.NewService(cfg.Lifecycle, docs, storePipe, streams, trail)
	playlists := playlist.NewService(cfg.Playlists, docs, storePipe)
	ingest := telemetry.NewIngest(cfg.Telemetry, busc.publisher, busPipe)

	// Background workers.
	drainer := outbox.NewDrainer(outbox.Config{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: cfg.Outbox.InitialBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
	}, docs, busc.publisher, busPipe, storePipe)
	purger := lifecycle.NewPurger(cfg.Lifecycle, docs, objects, storePipe, objectPipe, trail)
	reaper := lifecycle.NewReaper(cfg.Lifecycle, docs, storePipe, trail)
	relay := objectstore.NewRelay(objects, busc.publisher, busPipe)

	router := api.NewRouter(api.Deps{
		Identity:    identitySvc,
		Uploads:     uploads,
		Streams:     streams,
		Lifecycle:   tracks,
		Playlists:   playlists,
		Ingest:      ingest,
		Rollup:      rollup,
		Trail:       trail,
		Store:       docs,
		StorePipe:   storePipe,
		Objects:     objects,
		ObjectPipe:  objectPipe,
		Hub:         hub,
		Perf:        middleware.NewPerformanceMonitor(1024),
		ReadyChecks: readyChecks(docs, objects, busc),
		Config:      cfg,
		Version:     version,
	}, jwtMgr, enforcer)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build supervisor tree")
	}

	tree.AddWorker(services.NewWorkerService("outbox-drainer", drainer))
	tree.AddWorker(services.NewWorkerService("purge-worker", purger))
	tree.AddWorker(services.NewWorkerService("session-reaper", reaper))
	tree.AddWorker(services.NewWorkerService("telemetry-rollup", rollup))
	tree.AddMessaging(hub)
	tree.AddMessaging(relay)
	tree.AddMessaging(services.NewRouterService("event-router", busc.router))
	tree.AddAPI(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// Graceful shutdown on SIGINT and SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain until the supervisor closes the channel.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Phonotheca stopped gracefully")
}

func newPipeline(name string, cfg config.PipelineConfig) *resilience.Pipeline {
	return resilience.New(resilience.Config{
		Name:          name,
		Timeout:       cfg.Timeout,
		MaxConcurrent: cfg.MaxConcurrent,
	})
}

// readyChecks builds the dependency probes behind /readyz. The store
// and object store checks read a key that cannot exist: ErrNotFound
// proves reads are being served, anything else is a real fault.
func readyChecks(docs *store.Badger, objects *objectstore.Client, busc *busComponents) []api.ReadyCheck {
	return []api.ReadyCheck{
		{
			Name: "store",
			Check: func(ctx context.Context) error {
				_, err := docs.Load(ctx, models.CollectionUsers, "readyz-probe")
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return err
			},
		},
		{
			Name: "object-store",
			Check: func(ctx context.Context) error {
				_, err := objects.Stat(ctx, "readyz-probe")
				if errors.Is(err, objectstore.ErrNotFound) {
					return nil
				}
				return err
			},
		},
		{
			Name: "event-bus",
			Check: func(ctx context.Context) error {
				if !busc.streams.IsHealthy(ctx) {
					return errors.New("event streams not answering")
				}
				return nil
			},
		},
	}
}
