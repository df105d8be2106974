package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/internal/telemetry"
	"github.com/harborview/stowage/pkg/api"
	"github.com/harborview/stowage/pkg/api/handlers"
	"github.com/harborview/stowage/pkg/backend"
	"github.com/harborview/stowage/pkg/config"
	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/events"
	"github.com/harborview/stowage/pkg/metrics"
	"github.com/harborview/stowage/pkg/tus"
)

var pidFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Stowage gateway",
	Long: `Start the Stowage gateway with the specified configuration.

The gateway serves the object, bucket, signed URL, and resumable upload
endpoints on one HTTP port. In single-tenant mode database migrations run
automatically on startup; in multitenant mode run "stowage migrate" first.

Examples:
  # Start with the default config location
  stowage serve

  # Start with a custom config file
  stowage serve --config /etc/stowage/config.yaml

  # Start with environment variable overrides
  STOWAGE_LOGGING_LEVEL=DEBUG stowage serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (optional)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryShutdown, err := telemetry.Init(ctx, cfg.TelemetryConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	logger.Info("Stowage gateway starting", "version", Version)
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}

	// Live log-level reload on config file edits
	if err := watchLogLevel(GetConfigFile()); err != nil {
		logger.Debug("config watch disabled", logger.KeyError, err)
	}

	// In single-tenant mode the metadata schema migrates on boot. Multitenant
	// deployments migrate each tenant database via "stowage migrate".
	if !cfg.Tenant.Multitenant {
		if err := database.Migrate(ctx, cfg.Database.URL, logger.With(logger.KeyComponent, "migrate")); err != nil {
			return fmt.Errorf("failed to migrate metadata database: %w", err)
		}
	}

	db := database.NewManager(cfg.ManagerConfig())
	defer db.Stop()

	driver, err := config.CreateDriver(ctx, cfg.Backend)
	if err != nil {
		return fmt.Errorf("failed to create blob backend: %w", err)
	}
	logger.Info("Blob backend ready", "type", cfg.Backend.Type)

	resolver, err := config.CreateResolver(cfg)
	if err != nil {
		return fmt.Errorf("failed to create tenant resolver: %w", err)
	}
	logger.Info("Tenant resolution configured", "multitenant", cfg.Tenant.Multitenant)

	// Service pool for advisory locks, lock-release notifications, and the
	// event queue. Points at the metadata database in single-tenant mode and
	// at the shared registry database otherwise.
	svcURL := cfg.Database.URL
	if cfg.Tenant.Multitenant {
		svcURL = cfg.Tenant.RegistryURL
	}
	svcPool, err := pgxpool.New(ctx, svcURL)
	if err != nil {
		return fmt.Errorf("failed to create service pool: %w", err)
	}
	defer svcPool.Close()

	notifier, err := tus.NewNotifier(ctx, svcPool)
	if err != nil {
		return fmt.Errorf("failed to start lock notifier: %w", err)
	}
	defer notifier.Close()

	var locker tus.Locker
	switch cfg.Uploads.LockType {
	case "s3":
		s3Locker := tus.NewS3Locker(driver, cfg.Tenant.ID, notifier)
		s3Locker.StartSweeper(cfg.Uploads.LockSweepInterval)
		defer s3Locker.StopSweeper()
		locker = s3Locker
	default:
		locker = tus.NewPostgresLocker(svcPool, notifier)
	}
	logger.Info("Upload locking configured", "type", cfg.Uploads.LockType)

	tusMgr := tus.NewManager(locker, cfg.TusOptions()...)

	// Webhook event dispatch. The queue lives in the tenant metadata
	// database, so the dispatcher only runs in single-tenant mode; in
	// multitenant deployments each tenant runs its own worker.
	if !cfg.Tenant.Multitenant && cfg.Events.WebhookURL != "" {
		dispatcher := events.NewDispatcher(cfg.DispatcherConfig(), svcPool)
		dispatcher.Start()
		defer dispatcher.Stop()
		logger.Info("Event dispatch enabled", "webhook", cfg.Events.WebhookURL)
	}

	// Reap expired resumable uploads in the background.
	if !cfg.Tenant.Multitenant {
		go reapLoop(ctx, db, driver, cfg)
	}

	m := metrics.New(db.PoolCount)

	h := handlers.New(handlers.Deps{
		DB:           db,
		Driver:       driver,
		Multitenant:  cfg.Tenant.Multitenant,
		SignedURLTTL: cfg.Signing.DownloadTTL,
		UploadURLTTL: cfg.Signing.UploadTTL,
	})

	server := api.NewServer(cfg.API, api.RouterDeps{
		Handlers: h,
		Tenants:  resolver,
		Tus:      tusMgr,
		Metrics:  m.Middleware,
	})

	// Metrics endpoint on its own port so it is never exposed with the API.
	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, m, cfg.Metrics.Port)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	}

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Gateway is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", logger.KeyError, err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", logger.KeyError, err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// watchLogLevel applies logging changes from config file edits without a
// restart.
func watchLogLevel(configFile string) error {
	return config.Watch(configFile, func(cfg *config.Config) {
		logger.SetLevel(cfg.Logging.Level)
		logger.SetFormat(cfg.Logging.Format)
		logger.Info("Logging reconfigured", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	})
}

// reapLoop deletes expired resumable upload sessions and aborts their
// backend multipart uploads.
func reapLoop(ctx context.Context, db *database.Manager, driver backend.Driver, cfg *config.Config) {
	log := logger.With(logger.KeyComponent, "tus.reaper")
	ticker := time.NewTicker(cfg.Uploads.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conn, err := db.Acquire(ctx, database.AcquireOptions{TenantID: cfg.Tenant.ID})
		if err != nil {
			log.Warn("reap skipped", logger.KeyError, err)
			continue
		}

		expired, err := tus.ReapExpired(ctx, conn, 200)
		conn.Dispose()
		if err != nil {
			log.Warn("reap failed", logger.KeyError, err)
			continue
		}

		for _, e := range expired {
			if e.MultipartID == "" {
				continue
			}
			key := fmt.Sprintf("%s/%s/%s", e.ID.Tenant, e.ID.Bucket, e.ID.ObjectName)
			if err := driver.AbortMultipartUpload(ctx, key, e.ID.Version, e.MultipartID); err != nil {
				log.Warn("failed to abort expired multipart upload",
					logger.KeyUploadID, e.ID.Encode(),
					logger.KeyError, err,
				)
			}
		}

		if len(expired) > 0 {
			log.Info("reaped expired uploads", "count", len(expired))
		}
	}
}

// serveMetrics runs the Prometheus scrape endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, m *metrics.Metrics, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", logger.KeyError, err)
	}
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
