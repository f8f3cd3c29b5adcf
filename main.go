package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/evita-erp/offline-sync/api"
	"github.com/evita-erp/offline-sync/config"
	"github.com/evita-erp/offline-sync/queue"
	"github.com/evita-erp/offline-sync/store"
	"github.com/evita-erp/offline-sync/store/postgres"
	"github.com/evita-erp/offline-sync/store/sqlite"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "offline-sync",
		Short:         "Durable offline write queue with replay on reconnect",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("store", "", "store ID to operate on (defaults to DEFAULT_STORE_ID)")
	root.AddCommand(
		newServeCommand(),
		newStatusCommand(),
		newReplayCommand(),
		newImportCommand(),
		newClearCommand(),
		newRequeueCommand(),
	)
	return root
}

// environment holds what every command needs: configuration, logger and the queue
// storage.
type environment struct {
	config  *config.Config
	logger  *slog.Logger
	storage store.ItemStorage
	closers []io.Closer
}

func openEnvironment() (*environment, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	env := &environment{config: cfg, logger: logger, closers: []io.Closer{logCloser}}
	storage, err := openStorage(cfg)
	if err != nil {
		env.close()
		return nil, err
	}
	env.storage = storage
	env.closers = append(env.closers, storage)
	return env, nil
}

func (e *environment) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			e.logger.Warn("failed to close resource", "error", err)
		}
	}
}

func (e *environment) queueOptions(metrics *queue.Metrics) queue.Options {
	return queue.Options{
		Key:         e.config.QueueKey,
		ItemTimeout: e.config.ItemTimeout,
		MaxAttempts: e.config.MaxAttempts,
		Logger:      e.logger,
		Metrics:     metrics,
	}
}

func (e *environment) storeID(cmd *cobra.Command) string {
	storeID, _ := cmd.Flags().GetString("store")
	if storeID == "" {
		return e.config.DefaultStoreID
	}
	return storeID
}

type closableStorage interface {
	store.ItemStorage
	io.Closer
}

func openStorage(cfg *config.Config) (closableStorage, error) {
	if cfg.PgDatabaseUrl != "" {
		storage, err := postgres.NewPGSyncStorage(cfg.PgDatabaseUrl)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return storage, nil
	}
	if err := os.MkdirAll(cfg.SQLiteDirPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", cfg.SQLiteDirPath, err)
	}
	storage, err := sqlite.NewSQLiteSyncStorage(filepath.Join(cfg.SQLiteDirPath, "queue.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
	}
	return storage, nil
}

func CreateServer(config *config.Config, queueServer api.OfflineQueueServer, metrics *grpcprom.ServerMetrics) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
	}
	if metrics != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
		)
	}
	s := grpc.NewServer(opts...)
	api.RegisterOfflineQueueServer(s, queueServer)
	if metrics != nil {
		metrics.InitializeMetrics(s)
	}
	return s
}

// newHTTPHandler serves gRPC-Web for browsers and Prometheus metrics on one listener.
func newHTTPHandler(grpcServer *grpc.Server, gatherer prometheus.Gatherer, origins []string) http.Handler {
	wrapped := grpcweb.WrapServer(grpcServer,
		// origins are enforced by the CORS handler below
		grpcweb.WithOriginFunc(func(string) bool { return true }),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if wrapped.IsGrpcWebRequest(r) {
			wrapped.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})

	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"grpc-status", "grpc-message"},
	}).Handler(mux)
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
