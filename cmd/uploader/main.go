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

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/resumable_uploader/internal/cleanup"
	"github.com/italolelis/resumable_uploader/internal/config"
	"github.com/italolelis/resumable_uploader/internal/digest"
	"github.com/italolelis/resumable_uploader/internal/http/rest"
	"github.com/italolelis/resumable_uploader/internal/logctx"
	"github.com/italolelis/resumable_uploader/internal/notifier"
	"github.com/italolelis/resumable_uploader/internal/storage"
	"github.com/italolelis/resumable_uploader/internal/storage/badgerstore"
	"github.com/italolelis/resumable_uploader/internal/storage/sqlite"
	"github.com/italolelis/resumable_uploader/internal/telemetry"
	"github.com/italolelis/resumable_uploader/internal/transfer"
	"github.com/italolelis/resumable_uploader/internal/transport/httpapi"
	"github.com/italolelis/resumable_uploader/internal/upload"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("resumable uploader starting...", "log_level", cfg.LogLevel, "server", cfg.UploadServerURL)

	if err := run(logctx.WithLogger(ctx, logger), cfg, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, files []string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Task Store
	store, err := buildStore(cfg)
	if err != nil {
		logger.Error("task store error", "driver", cfg.StoreDriver, "err", err)

		return err
	}
	defer store.Close()

	// The uploader and the sweeper share one mirror so both follow the
	// memory copy once the primary stops persisting.
	tasks := storage.NewFallbackStore(storage.NewInstrumentedStore(store, tel))

	// =========================================================================
	// Start Upload Client
	httpClient, err := httpapi.NewClient(cfg.UploadServerURL,
		httpapi.WithToken(cfg.UploadToken),
		httpapi.WithTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to build upload client: %w", err)
	}

	client := transfer.NewInstrumentedClient(httpClient, tel, "upload_server")

	// =========================================================================
	// Start Uploader
	engine, err := digest.NewEngine(digest.Algorithm(cfg.DigestAlgorithm), cfg.HashWindow)
	if err != nil {
		return fmt.Errorf("failed to build digest engine: %w", err)
	}

	uploader := upload.New(engine, tasks, client, upload.Config{
		ChunkSize:      cfg.ChunkSize,
		Concurrency:    cfg.Concurrency,
		PurgeOnSuccess: cfg.PurgeOnSuccess,
	}, upload.WithHooks(setupHooks(ctx, cfg)), upload.WithTelemetry(tel))
	defer uploader.Close()

	// =========================================================================
	// Start Cleanup
	cleanup.NewSweeper(tasks, cfg.KeepCompletedFor, cfg.CleanupInterval).Start(ctx)

	// =========================================================================
	// Start Uploads
	uploads := make(chan error, 1)

	go func() {
		uploads <- runUploads(ctx, cfg, uploader, files)
	}()

	if !cfg.Web.Enabled {
		return <-uploads
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, uploader, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	for {
		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case err := <-uploads:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("uploads finished with errors", "err", err)
			}

			uploads = nil
		case <-ctx.Done():
			logger.Info("start shutdown")

			return shutdown(ctx, server, uploads, cfg.Web.ShutdownTimeout)
		}
	}
}

// shutdown stops the server and waits for the uploads to persist their
// paused status, both bounded by timeout. uploads may be nil.
func shutdown(ctx context.Context, server *http.Server, uploads <-chan error, timeout time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	// Give outstanding requests a deadline for completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	if uploads == nil {
		return nil
	}

	select {
	case <-uploads:
	case <-ctx.Done():
		logger.Warn("uploads did not stop before the shutdown timeout")
	}

	return nil
}

// buildStore is an abstract factory for the task store.
func buildStore(cfg *config.Config) (storage.TaskStore, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return sqlite.Open(cfg.DBPath)
	case "badger":
		return badgerstore.Open(cfg.BadgerDir)
	case "memory":
		return storage.NewMemoryStore(), nil
	}

	return nil, fmt.Errorf("invalid store driver: %s", cfg.StoreDriver)
}

// runUploads resumes leftover tasks and uploads the given files, at most
// MaxParallelFiles at once. Failures are logged; the first one is returned.
func runUploads(ctx context.Context, cfg *config.Config, uploader *upload.Uploader, files []string) error {
	logger := logctx.LoggerFromContext(ctx)

	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxParallelFiles)

	if cfg.ResumeOnStart {
		tasks, err := uploader.Resumable(ctx)
		if err != nil {
			logger.Error("failed to list resumable uploads", "err", err)
		}

		for _, task := range tasks {
			if task.SourcePath == "" {
				continue
			}

			logger.Info("resuming upload from previous run",
				"file_digest", task.FileDigest,
				"file_name", task.FileName,
				"status", task.Status,
				"progress", task.Progress().Percent)

			g.Go(func() error {
				_, err := uploader.Resume(ctx, task.FileDigest)

				return report(ctx, task.FileName, err)
			})
		}
	}

	for _, path := range files {
		g.Go(func() error {
			src, err := upload.OpenFile(path)
			if err != nil {
				return report(ctx, path, err)
			}

			_, err = uploader.Submit(ctx, src)

			return report(ctx, path, err)
		})
	}

	return g.Wait()
}

func report(ctx context.Context, name string, err error) error {
	switch {
	case err == nil, errors.Is(err, transfer.ErrPaused):
		return nil
	case errors.Is(err, upload.ErrActive):
		logctx.LoggerFromContext(ctx).Warn("upload already running", "file_name", name)

		return nil
	}

	logctx.LoggerFromContext(ctx).Error("upload failed", "file_name", name, "retryable", transfer.IsRetryable(err), "err", err)

	return fmt.Errorf("upload %s: %w", name, err)
}

func setupHooks(ctx context.Context, cfg *config.Config) upload.Hooks {
	logger := logctx.LoggerFromContext(ctx)

	var dispatcher *notifier.Dispatcher
	if cfg.DiscordWebhookURL != "" {
		dispatcher = notifier.NewDispatcher(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))

		go dispatcher.Run(ctx)
	}

	return upload.Hooks{
		OnState: func(ev upload.Event) {
			if ev.State == upload.StateComplete {
				logger.Info("upload finished", "file_digest", ev.Digest, "file_name", ev.FileName, "instant", ev.Instant)
			}

			if dispatcher != nil {
				dispatcher.OnState(ev)
			}
		},
		OnProgress: func(digest string, p storage.Progress) {
			logger.Debug("upload progress", "file_digest", digest, "completed", p.Completed, "total", p.Total, "percent", p.Percent)
		},
		OnHashProgress: func(fileName string, percent int) {
			logger.Debug("hashing progress", "file_name", fileName, "percent", percent)
		},
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, uploader *upload.Uploader, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tHandler := rest.NewTaskHandler(ctx, uploader, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle(telemetry.MetricsPath, tel.Handler())
	r.Mount("/", tHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
