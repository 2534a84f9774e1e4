package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/thought-mesh/internal/api"
	"github.com/example/thought-mesh/internal/audit"
	"github.com/example/thought-mesh/internal/config"
	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/history"
	"github.com/example/thought-mesh/internal/mesh"
	"github.com/example/thought-mesh/internal/observability"
	"github.com/example/thought-mesh/internal/peer"
	"github.com/example/thought-mesh/internal/snapshot"
	"github.com/example/thought-mesh/internal/storage"
	"github.com/example/thought-mesh/internal/types"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("node", cfg.NodeID).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		NodeID:       cfg.NodeID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	node := types.NodeID(cfg.NodeID)
	journal := storage.NewJournal(resources.Postgres)
	replica := crdt.NewReplica(node, logger)

	caughtUp, err := snapshot.Restore(ctx, journal, replica, resources.Object, cfg.ObjectBucket, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to restore replica")
	}
	if caughtUp > 0 {
		if err := journal.RecordCheckpoint(ctx, node, caughtUp); err != nil {
			logger.Error().Err(err).Msg("checkpoint after restore failed")
		}
	}

	trail := audit.NewTrail(node, logger)
	trail.Record("node.start", "", map[string]any{"caught_up_seq": caughtUp})

	bus := mesh.NewBus(resources.Redis, replica, logger)
	bus.Start(ctx)

	roster := mesh.NewRoster(resources.Redis, node, cfg.AdvertiseAddr, replica.Clock, logger)
	roster.Start(ctx)

	syncer := peer.NewSyncer(replica, roster, cfg.SyncPeers, cfg.SyncInterval, logger)
	syncer.Start(ctx)

	snapshotWorker := snapshot.NewWorker(journal, replica, resources.Object, cfg.ObjectBucket, logger)
	snapshotWorker.Start(ctx)

	go checkpointLoop(ctx, journal, node, logger, cfg.HealthcheckProbe)

	historySvc := history.NewService(journal, cfg.ObjectBucket, history.NewObjectLoader(resources.Object), logger, history.ServiceConfig{})

	mux := http.NewServeMux()
	apiServer := api.NewServer(replica, journal, trail, bus, resources, logger)
	apiServer.Routes(mux)
	mux.Handle("GET /history", history.NewHTTPHandler(historySvc, node, logger))
	mux.Handle("GET /sync", peer.NewHandler(replica, logger))

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	trail.Record("node.stop", "", nil)
	roster.Leave(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpServer.Shutdown(shutdownCtx)
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

func checkpointLoop(ctx context.Context, journal *storage.Journal, node types.NodeID, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			seq, err := journal.LatestSeq(ctx, node)
			if err != nil {
				logger.Error().Err(err).Msg("failed to read latest journal seq")
				continue
			}
			if seq == 0 {
				continue
			}
			if err := journal.RecordCheckpoint(ctx, node, seq); err != nil {
				logger.Error().Err(err).Msg("failed to persist checkpoint")
				continue
			}
			if backlog, err := journal.MutationCountAfterSeq(ctx, node, seq); err == nil {
				journal.RecordBacklogMetric(node, backlog)
			}
		case <-ctx.Done():
			return
		}
	}
}
