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

	"github.com/maneesh/gridbox/internal/config"
	"github.com/maneesh/gridbox/internal/filestore"
	"github.com/maneesh/gridbox/internal/handlers"
	"github.com/maneesh/gridbox/internal/logger"
	"github.com/maneesh/gridbox/internal/storage"
	"github.com/maneesh/gridbox/internal/tracing"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	fs := pflag.NewFlagSet("gridbox", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	// Load configuration
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Output:   cfg.LogOutput,
		Filename: cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("server exited")
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting gridbox service", zap.String("config", cfg.String()))

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint, cfg.TracingEnabled, log)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn("error shutting down tracer", zap.Error(err))
		}
	}()

	backend, pending, closers, err := openBackend(cfg, log)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn("error closing backend client", zap.Error(err))
			}
		}
	}()
	if err != nil {
		return err
	}

	svc := filestore.New(backend, pending, log)
	h := handlers.New(svc, log)

	// Downloads and zips stream for as long as they take, so there is no
	// write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServicePort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// openBackend connects the configured chunk store. The returned closers are
// valid even when err is non-nil.
func openBackend(cfg *config.Config, log *zap.Logger) (storage.Backend, storage.PendingSet, []io.Closer, error) {
	if cfg.StorageBackend == config.BackendMemory {
		log.Warn("using in-memory storage, data is lost on exit")
		mem := storage.NewMemoryStore(cfg.GetChunkSizeBytes())
		return mem, mem, nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var closers []io.Closer

	log.Info("connecting to TiDB")
	tidbClient, err := storage.NewTiDBClient(ctx, cfg.GetDSN())
	if err != nil {
		return nil, nil, closers, fmt.Errorf("initialize TiDB client: %w", err)
	}
	closers = append(closers, tidbClient)
	if err := tidbClient.EnsureSchema(ctx); err != nil {
		return nil, nil, closers, fmt.Errorf("ensure schema: %w", err)
	}

	log.Info("connecting to MinIO")
	minioClient, err := storage.NewMinioClient(ctx,
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
		log,
	)
	if err != nil {
		return nil, nil, closers, fmt.Errorf("initialize MinIO client: %w", err)
	}

	log.Info("connecting to Redis")
	redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.RedisPendingKey)
	if err != nil {
		return nil, nil, closers, fmt.Errorf("initialize Redis client: %w", err)
	}
	closers = append(closers, redisClient)

	log.Info("storage backends ready")
	return storage.NewChunkStore(tidbClient, minioClient, cfg.GetChunkSizeBytes(), log), redisClient, closers, nil
}
