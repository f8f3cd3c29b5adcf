package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evita-erp/offline-sync/backend"
	"github.com/evita-erp/offline-sync/config"
	"github.com/evita-erp/offline-sync/connectivity"
	"github.com/evita-erp/offline-sync/queue"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue daemon: gRPC and gRPC-Web APIs, replay on reconnect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment()
			if err != nil {
				return err
			}
			defer env.close()
			return serve(cmd.Context(), env)
		},
	}
}

// replayBackend is the executor of the configured system of record and the probe telling
// whether it is reachable.
type replayBackend struct {
	executor queue.Executor
	probe    connectivity.ProbeFunc
	close    func()
}

func newReplayBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*replayBackend, error) {
	switch {
	case cfg.BackendDatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.BackendDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		executor := backend.NewPostgresExecutor(pool, cfg.BackendConflictColumn, logger)
		return &replayBackend{
			executor: executor.Execute,
			probe:    pool.Ping,
			close:    pool.Close,
		}, nil

	case cfg.BackendURL != "":
		executor := backend.NewRESTExecutor(cfg.BackendURL, cfg.BackendAPIKey, nil, logger)
		healthURL := cfg.HealthURL
		if healthURL == "" {
			healthURL = cfg.BackendURL + "/rest/v1/"
		}
		header := http.Header{}
		if cfg.BackendAPIKey != "" {
			header.Set("apikey", cfg.BackendAPIKey)
		}
		return &replayBackend{
			executor: executor.Execute,
			probe:    connectivity.HTTPProbe(nil, healthURL, header),
			close:    func() {},
		}, nil

	default:
		return nil, errors.New("no backend configured: set BACKEND_URL or BACKEND_DATABASE_URL")
	}
}

func serve(ctx context.Context, env *environment) error {
	cfg, logger := env.config, env.logger
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	replay, err := newReplayBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer replay.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	queueMetrics := queue.NewMetrics(registry)
	serverMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	registry.MustRegister(serverMetrics)

	prober := connectivity.NewProber(replay.probe, cfg.ProbeInterval, logger)
	signals := []connectivity.Signal{prober}
	if cfg.SyncSchedule != "" {
		schedule, err := connectivity.NewSchedule(cfg.SyncSchedule)
		if err != nil {
			return err
		}
		schedule.Start()
		defer schedule.Stop()
		signals = append(signals, schedule)
	}

	g, gctx := errgroup.WithContext(ctx)
	hub := newQueueHub(env.storage, connectivity.Join(signals...), replay.executor, env.queueOptions(queueMetrics), logger)
	if err := hub.start(gctx); err != nil {
		return fmt.Errorf("failed to start queues: %w", err)
	}
	defer hub.stop()

	grpcServer := CreateServer(cfg, NewQueueServer(cfg, hub), serverMetrics)
	grpcListener, err := net.Listen("tcp", cfg.GrpcListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddress,
		Handler:           newHTTPHandler(grpcServer, registry, cfg.AllowedOrigins()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		prober.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server listening", "address", cfg.GrpcListenAddress)
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		logger.Info("http server listening", "address", cfg.HTTPListenAddress)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})
	return g.Wait()
}
