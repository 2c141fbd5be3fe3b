// Command speedcast serves traffic speed predictions over HTTP from the
// checkpoints written by cmd/train.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/okian/speedcast/internal/adapters/http/api"
	"github.com/okian/speedcast/internal/adapters/http/swagger"
	"github.com/okian/speedcast/internal/adapters/publisher"
	"github.com/okian/speedcast/internal/adapters/repository"
	"github.com/okian/speedcast/internal/adapters/source"
	"github.com/okian/speedcast/internal/app"
	"github.com/okian/speedcast/internal/config"
	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	statsInterval     = time.Minute
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc, cleanup, err := buildService(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, "failed to build service", logger.Error(err))
	}
	defer cleanup()

	if err := svc.Start(ctx); err != nil {
		log.Fatal(ctx, "failed to start service", logger.Error(err))
	}

	go logStats(ctx, svc)

	srv := newHTTPServer(&cfg.Server, newRouter(svc))
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "HTTP server failed", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error(ctx, "service stop failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
}

// buildService loads checkpoints, the segment catalog and the event
// publisher. Unreadable checkpoints leave the service degraded, not failed.
// The returned cleanup releases the Redis connection.
func buildService(ctx context.Context, cfg *config.Config) (*app.Service, func(), error) {
	log := logger.Get()
	cleanup := func() {}

	store := repository.NewFileStore(cfg.Models.CheckpointDir)
	reg := app.NewRegistry(store,
		app.WithDefaultModel(cfg.DefaultModel()),
		app.WithSynthesisNoise(cfg.Models.SynthesisNoise, cfg.Models.SynthesisSeed),
	)
	if err := reg.LoadAll(ctx); err != nil {
		log.Warn(ctx, "some checkpoints failed to load",
			logger.String("checkpoint_dir", cfg.Models.CheckpointDir),
			logger.Error(err),
		)
	}

	opts := []app.Option{
		app.WithWorkerCount(cfg.Publisher.Workers),
		app.WithQueueSize(cfg.Publisher.QueueSize),
		app.WithPublishTimeout(cfg.Publisher.PublishTimeout),
	}

	if cfg.Source.SegmentsPath != "" {
		segs, err := source.LoadSegments(ctx, cfg.Source.SegmentsPath)
		if err != nil {
			return nil, cleanup, err
		}
		opts = append(opts, app.WithSegments(segs, cfg.Features.AdjacencyThreshold))
	}

	if cfg.Publisher.RedisAddr != "" {
		client, err := publisher.Dial(ctx, cfg.Publisher.RedisAddr, cfg.Publisher.RedisPassword, cfg.Publisher.RedisDB)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() { _ = client.Close() }
		opts = append(opts, app.WithPublisher(publisher.NewRedis(client,
			publisher.WithChannel(cfg.Publisher.Channel),
			publisher.WithBreaker(cfg.Publisher.BreakerFailures, cfg.Publisher.BreakerTimeout),
		)))
		log.Info(ctx, "publishing predictions to redis",
			logger.String("addr", cfg.Publisher.RedisAddr),
			logger.String("channel", cfg.Publisher.Channel),
		)
	}

	return app.New(reg, opts...), cleanup, nil
}

// newRouter mounts the API and its documentation.
func newRouter(svc *app.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	api.NewServer(svc).Register(r)
	swagger.Register(r)
	return r
}

func newHTTPServer(cfg *config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// logStats periodically logs serving counters until ctx is done.
func logStats(ctx context.Context, svc *app.Service) {
	log := logger.Get().Named("stats")
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := svc.GetStats()
			active, _ := stats["active_model"].(traffic.ModelType)
			log.Info(ctx, "service stats",
				logger.String("active_model", string(active)),
				logger.Any("predictions_served", stats["predictions_served"]),
				logger.Any("events_dropped", stats["events_dropped"]),
				logger.Any("queue_length", stats["queue_length"]),
			)
		}
	}
}
