// Command receiptsd is the reference receipts boundary: HTTP API, extraction workers and
// a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/receipts-reconcile/internal/async"
	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
	"github.com/joseph-ayodele/receipts-reconcile/internal/extract"
	"github.com/joseph-ayodele/receipts-reconcile/internal/pipeline"
	"github.com/joseph-ayodele/receipts-reconcile/internal/repository"
	"github.com/joseph-ayodele/receipts-reconcile/internal/runner"
	"github.com/joseph-ayodele/receipts-reconcile/internal/server"
	"github.com/joseph-ayodele/receipts-reconcile/internal/storage"
	"github.com/joseph-ayodele/receipts-reconcile/internal/upload"
)

func main() {
	_ = godotenv.Load()
	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("receiptsd.exit", "error", err)
		os.Exit(1)
	}
}

func run(cfg *common.Config, logger *slog.Logger) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, ready, closeRepo, err := openRepository(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	blobs, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open blob storage: %w", err)
	}

	extractor, err := newExtractor(cfg.Extraction, logger)
	if err != nil {
		return err
	}
	processor := pipeline.NewProcessor(repo, blobs, extractor, logger)
	queue := async.NewQueue(processor, logger,
		async.WithWorkers(cfg.Extraction.Workers),
		async.WithQueueSize(cfg.Extraction.QueueSize),
		// the extractor retries inside one job
		async.WithProcessTimeout(3*cfg.Extraction.Timeout),
	)
	if _, err := pipeline.Requeue(ctx, repo, queue, logger); err != nil {
		logger.Warn("receiptsd.requeue.failed", "error", err)
	}

	receipts := server.NewReceiptsHandler(server.ReceiptsDeps{
		Repo:            repo,
		Blobs:           blobs,
		Queue:           queue,
		Watcher:         processor,
		Uploads:         upload.New(upload.WithMaxBytes(cfg.Upload.MaxBytes)),
		ImmediateBudget: cfg.Server.ImmediateBudget,
		Logger:          logger,
	})
	healthHandler := server.NewHealthHandler(map[string]server.ReadinessChecker{"database": ready})
	router := server.NewRouter(receipts, healthHandler, server.NewJWTAuth(cfg.Auth, logger), logger)

	grpcServer, grpcHealth, err := serveGRPCHealth(cfg.Server.GRPCAddr, logger)
	if err != nil {
		return err
	}

	runErr := server.New(cfg.Server, router, logger).Run(ctx)

	if grpcServer != nil {
		grpcHealth.Shutdown()
		grpcServer.GracefulStop()
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := queue.Shutdown(drainCtx); err != nil {
		logger.Warn("receiptsd.queue.drain_incomplete", "error", err)
	}
	logger.Info("receiptsd.stopped")
	return runErr
}

// openRepository picks Postgres when DB_URL is set and the in-memory store otherwise.
func openRepository(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (repository.ReceiptRepository, server.ReadinessChecker, func(), error) {
	if cfg.DSN == "" {
		logger.Warn("receiptsd.repository.memory", "reason", "DB_URL not set; records are lost on restart")
		return repository.NewMemory(), nil, func() {}, nil
	}

	if cfg.AutoMigrate {
		if err := repository.Migrate(cfg.DSN, logger); err != nil {
			return nil, nil, nil, err
		}
	}
	pool, err := repository.Open(ctx, repository.Config{
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	ready := server.ReadinessFunc(func(ctx context.Context) error {
		return repository.HealthCheck(ctx, pool, 2*time.Second)
	})
	return repository.NewPostgres(pool, logger), ready, func() { repository.Close(pool, logger) }, nil
}

func newExtractor(cfg common.ExtractionConfig, logger *slog.Logger) (extract.Extractor, error) {
	switch strings.ToLower(cfg.Mode) {
	case "http":
		return extract.NewHTTPExtractor(cfg.ServiceURL, cfg.Timeout, logger), nil
	case "command":
		return extract.NewCommandExtractor(cfg.Command, runner.Exec{Logger: logger}, logger), nil
	}
	return nil, fmt.Errorf("unknown OCR_MODE %q", cfg.Mode)
}

// serveGRPCHealth exposes grpc.health.v1 for orchestrators that health-check over gRPC. An empty
// address disables it.
func serveGRPCHealth(addr string, logger *slog.Logger) (*grpc.Server, *health.Server, error) {
	if addr == "" {
		return nil, nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen grpc %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("receipts.v1.Receipts", healthpb.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("grpc.health.serving", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc.health.serve_failed", "error", err)
		}
	}()
	return srv, hs, nil
}
