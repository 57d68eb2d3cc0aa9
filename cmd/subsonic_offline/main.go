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

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/italolelis/subsonic_offline/internal/cleanup"
	"github.com/italolelis/subsonic_offline/internal/config"
	"github.com/italolelis/subsonic_offline/internal/downloader"
	"github.com/italolelis/subsonic_offline/internal/http/rest"
	"github.com/italolelis/subsonic_offline/internal/jobs"
	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/notifier"
	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/storage/sqlite"
	"github.com/italolelis/subsonic_offline/internal/subsonic"
	"github.com/italolelis/subsonic_offline/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tcfg := telemetryConfig(cfg)

	logExport, err := telemetry.NewLogExport(ctx, tcfg)
	if err != nil {
		slog.Error("failed to set up log export", "err", err)
		os.Exit(1)
	}

	var extra []slog.Handler
	if logExport != nil {
		extra = append(extra, logExport.Handler())
	}

	logger := slog.New(logctx.NewHandler(os.Stdout, cfg.SlogLevel(), extra...))
	slog.SetDefault(logger)

	slog.Info("subsonic offline starting...", "log_level", cfg.LogLevel, "job_driver", cfg.JobDriver)

	err = run(logctx.WithLogger(ctx, logger), cfg)

	if shutdownErr := logExport.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
		slog.Error("failed to flush log export", "err", shutdownErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewStore(database)
	downloads := sqlite.NewInstrumentedDownloadRepository(store.Downloads(), tel)
	completions := sqlite.NewInstrumentedCompletionStore(store, tel)

	// =========================================================================
	// Start Media Client
	client := subsonic.NewClient(cfg.Subsonic.ClientName, cfg.Subsonic.Insecure)
	client.DownloadOriginal = cfg.Subsonic.DownloadOriginal

	if err := seedServer(ctx, store.Servers(), client, cfg); err != nil {
		return fmt.Errorf("failed to seed server: %w", err)
	}

	// =========================================================================
	// Start Worker
	worker := downloader.NewWorker(
		cfg.TargetDir,
		downloads,
		completions,
		store.Servers(),
		downloader.NewInstrumentedFetcher(client, tel, "subsonic"),
		downloader.WithNotifier(buildNotifier(cfg)),
		downloader.WithTelemetry(tel),
	)

	if n, err := cleanup.DeleteStaleStagingFiles(ctx, cfg.TargetDir, cfg.StagingMaxAge); err != nil {
		logger.Warn("failed to delete stale staging files", "err", err)
	} else if n > 0 {
		logger.Info("deleted stale staging files", "count", n)
	}

	// =========================================================================
	// Start Job Driver

	// Jobs outlive the signal context so active rows can be paused before
	// their workers are cancelled.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	driver, canceller, stopDriver, err := buildDriver(jobCtx, cfg, worker)
	if err != nil {
		return fmt.Errorf("failed to build job driver: %w", err)
	}

	if _, err := jobs.Resubmit(ctx, downloads, driver); err != nil {
		logger.Error("failed to resubmit unfinished downloads", "err", err)
	}

	// =========================================================================
	// Start Integrity Sweeper
	sweeper := cleanup.NewSweeper(store.Offline(), cfg.SweepInterval, cfg.PurgeUnavailable, cleanup.WithTelemetry(tel))
	sweeper.Run(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, store, downloads, driver, canceller, client, sweeper)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"max_parallel", cfg.MaxParallel,
		"sweep_interval", cfg.SweepInterval.String(),
	)

	select {
	case err := <-serverErrors:
		stopDriver()

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		// Paused rows are resumed by Resubmit on the next start.
		if n, err := downloads.PauseAllActive(shutdownCtx); err != nil {
			logger.Error("failed to pause active downloads", "err", err)
		} else {
			logger.Info("paused active downloads", "count", n)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				stopDriver()

				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		stopDriver()

		return ctx.Err()
	}
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	return telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	}
}

// seedServer stores the server from the environment as the active one. It is
// a no-op when SUBSONIC_BASE_URL is unset.
func seedServer(ctx context.Context, servers storage.ServerRepository, client *subsonic.Client, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.Subsonic.BaseURL == "" {
		return nil
	}

	server := storage.Server{
		Name:     cfg.Subsonic.Name,
		BaseURL:  cfg.Subsonic.BaseURL,
		Username: cfg.Subsonic.Username,
		Password: cfg.Subsonic.Password,
		IsActive: true,
	}

	if existing, err := servers.Active(ctx); err == nil && existing.BaseURL == server.BaseURL && existing.Username == server.Username {
		server.ID = existing.ID
		server.CreatedAt = existing.CreatedAt
	}

	if err := client.Ping(ctx, server); err != nil {
		logger.Warn("configured server did not answer ping", "base_url", server.BaseURL, "err", err)
	}

	return servers.Save(ctx, &server)
}

func buildNotifier(cfg *config.Config) *notifier.DownloadEvents {
	var sink notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		sink = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	return notifier.NewDownloadEvents(sink)
}

// This is an abstract factory for the job driver. The returned stop function
// cancels in-flight jobs and releases the driver.
func buildDriver(ctx context.Context, cfg *config.Config, exec jobs.Executor) (jobs.Driver, jobs.Canceller, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	switch cfg.JobDriver {
	case config.DriverPool:
		pool := jobs.NewPool(ctx, exec, cfg.MaxParallel, cfg.RetryCooldown, cfg.RetryExponent)

		go func() {
			for res := range pool.Results() {
				logger.Debug("download job finished",
					"download_id", res.Input.DownloadID,
					"outcome", res.Verdict.Outcome.String(),
					"attempts", res.Attempts,
				)
			}
		}()

		return pool, pool, pool.Close, nil
	case config.DriverAsynq:
		redis := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		driver := jobs.NewAsynqDriver(redis)

		srv := jobs.NewServer(ctx, redis, jobs.ServerConfig{
			Concurrency: cfg.MaxParallel,
			Cooldown:    cfg.RetryCooldown,
			Exponent:    cfg.RetryExponent,
		})

		if err := srv.Start(jobs.NewServeMux(exec)); err != nil {
			driver.Close() //nolint:errcheck

			return nil, nil, nil, fmt.Errorf("failed to start asynq server: %w", err)
		}

		stop := func() {
			srv.Shutdown()

			if err := driver.Close(); err != nil {
				logger.Error("failed to close asynq driver", "err", err)
			}
		}

		return driver, driver, stop, nil
	}

	return nil, nil, nil, fmt.Errorf("invalid job driver: %s", cfg.JobDriver)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	store *sqlite.Store,
	downloads storage.DownloadRepository,
	driver jobs.Driver,
	canceller jobs.Canceller,
	pinger rest.Pinger,
	sweeper rest.Sweeper,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(rest.BasicAuth(cfg.API.Username, cfg.API.Password))

		r.Mount("/downloads", rest.NewDownloadsHandler(downloads, driver, canceller).Routes())
		r.Mount("/offline", rest.NewOfflineHandler(store.Offline(), sweeper).Routes())
		r.Mount("/servers", rest.NewServersHandler(store.Servers(), pinger).Routes())
	})

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
