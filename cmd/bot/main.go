package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/azure/mentions-sync/internal/analytics"
	"github.com/azure/mentions-sync/internal/api"
	"github.com/azure/mentions-sync/internal/config"
	"github.com/azure/mentions-sync/internal/connectors"
	"github.com/azure/mentions-sync/internal/enrichment"
	"github.com/azure/mentions-sync/internal/metrics"
	"github.com/azure/mentions-sync/internal/models"
	"github.com/azure/mentions-sync/internal/notifications"
	"github.com/azure/mentions-sync/internal/scheduler"
	"github.com/azure/mentions-sync/internal/storage"
	"github.com/azure/mentions-sync/internal/syncer"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "mentions-sync",
	Short:        "Poll social platforms for mentions and keep tenant analytics current",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load environment variables from .env file if it exists
		if err := godotenv.Load(); err != nil {
			logrus.Debug("No .env file found, using environment variables")
		}

		if cmd.Name() == "connectors" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setupLogging(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file (defaults to $CONFIG_FILE)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(testConnectionCmd)
	rootCmd.AddCommand(connectorsCmd)
	rootCmd.AddCommand(settingsCmd)
}

func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}

// app holds the wired components shared by the commands
type app struct {
	store     *storage.Postgres
	registry  *connectors.Registry
	metrics   *metrics.Metrics
	syncer    *syncer.Service
	analytics *analytics.Job
}

func newApp(ctx context.Context, reg prometheus.Registerer) (*app, error) {
	db, err := storage.Connect(ctx, storage.DBConfig{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		return nil, err
	}
	store := storage.NewPostgres(db)

	m := metrics.New(reg)
	registry := connectors.DefaultRegistry()

	var archive storage.RawArchive
	if cfg.StorageAccount != "" {
		blob, err := storage.NewBlobArchive(ctx, cfg.StorageAccount, cfg.StorageContainer)
		if err != nil {
			logrus.Warnf("Raw payload archive disabled: %v", err)
		} else {
			archive = blob
		}
	}

	var enricher syncer.Enricher
	if client := enrichment.NewClient(enrichment.Config{BaseURL: cfg.EnrichmentURL, Timeout: cfg.EnrichmentTimeout}); client != nil {
		enricher = client
	} else {
		logrus.Info("ENRICHMENT_URL not set, enrichment triggers disabled")
	}

	var notifier analytics.Notifier
	if cfg.NotificationsEnabled() {
		notifier = notifications.NewService(cfg)
	}

	syncService := syncer.NewService(store, registry, enricher, archive, m, syncer.Options{
		BatchSize:         cfg.SyncBatchSize,
		FirstSyncBackfill: cfg.FirstSyncBackfill,
		EnrichmentTimeout: cfg.EnrichmentTimeout,
		Defaults:          syncDefaults(),
	})

	return &app{
		store:     store,
		registry:  registry,
		metrics:   m,
		syncer:    syncService,
		analytics: analytics.NewJob(store, notifier, m),
	}, nil
}

// syncDefaults are the settings used when the settings table has no row for a key
func syncDefaults() models.SyncSettings {
	return models.SyncSettings{
		AutoSyncEnabled:    cfg.AutoSyncEnabled,
		SyncPlatforms:      cfg.SyncPlatforms,
		MaxMentionsPerSync: cfg.MaxMentionsPerSync,
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP trigger/status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		logrus.Info("Starting mentions sync service")

		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

		a, err := newApp(ctx, reg)
		if err != nil {
			return err
		}
		defer a.store.Close()

		if err := a.store.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}

		schedulerService := scheduler.NewService(cfg, a.syncer, a.analytics, a.metrics)
		if err := schedulerService.Start(); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer schedulerService.Stop()

		router := api.NewServer(a.syncer, schedulerService, a.analytics, a.store, reg).Router()

		server := &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		// Start HTTP server in a goroutine
		serverErr := make(chan error, 1)
		go func() {
			logrus.Infof("HTTP server starting on port %s", cfg.Port)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()

		// Wait for interrupt signal to gracefully shutdown
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-serverErr:
			return fmt.Errorf("HTTP server failed: %w", err)
		}

		logrus.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("Server forced to shutdown: %v", err)
		}

		logrus.Info("Server exited")
		return nil
	},
}
