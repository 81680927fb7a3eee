package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/classcloud/roster-sync-server/internal/api"
	"github.com/classcloud/roster-sync-server/internal/config"
	"github.com/classcloud/roster-sync-server/internal/source"
	"github.com/classcloud/roster-sync-server/internal/store/postgres"
	pkgsync "github.com/classcloud/roster-sync-server/internal/sync"
	"github.com/classcloud/roster-sync-server/internal/sync/coordinator"
	"github.com/classcloud/roster-sync-server/internal/telemetry"
	"github.com/classcloud/roster-sync-server/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the roster sync server",
	Long: `Start the roster sync server.

The server requires a configuration file (--config) that specifies:
- Source API credentials and endpoints
- Database connection settings
- Sync engine and scheduling settings`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 5 * time.Minute  // sync runs execute within the request
	serverReadTimeout      = 10 * time.Second // enough for headers and small bodies
	serverWriteTimeout     = 6 * time.Minute  // must exceed serverRequestTimeout
	serverIdleTimeout      = 60 * time.Second // keep connections alive for reuse
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.GetServerAddress()
	}
	slog.Info("loaded configuration",
		"path", configPath,
		"source", cfg.Source.BaseURL,
		"address", address)

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return fmt.Errorf("failed to build database connection string: %w", err)
	}
	st, err := postgres.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	clientSecret, err := cfg.Source.GetClientSecret()
	if err != nil {
		return fmt.Errorf("failed to resolve source client secret: %w", err)
	}

	tokens := source.NewTokenManager(source.Credentials{
		ClientID:     cfg.Source.ClientID,
		ClientSecret: clientSecret,
		TokenURL:     cfg.Source.TokenURL,
		Scopes:       cfg.Source.Scopes,
	})

	clientOpts := []source.ClientOption{}
	if cfg.Source.PageSize > 0 {
		clientOpts = append(clientOpts, source.WithPageSize(cfg.Source.PageSize))
	}
	client := source.NewClient(cfg.Source.BaseURL, tokens, clientOpts...)
	feed := source.NewFeedReader(client, slog.Default())
	reader := pkgsync.NewSourceReader(client, feed)

	if cfg.Telemetry != nil && cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.GetVersionInfo().Version
	}
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down telemetry", "error", err)
		}
	}()

	syncMetrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	rosterMetrics, err := telemetry.NewRosterMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create roster metrics: %w", err)
	}

	manager := pkgsync.NewManager(st, reader,
		pkgsync.WithFanOut(cfg.GetFanOut()),
		pkgsync.WithLockTTL(cfg.GetLockTTL()),
		pkgsync.WithSyncMetrics(syncMetrics),
	)

	// Background schedule polling, if enabled
	var syncCoordinator coordinator.Coordinator
	if cfg.CoordinatorEnabled() {
		syncCoordinator = coordinator.New(manager, st,
			coordinator.WithPollingInterval(cfg.GetPollingInterval()),
			coordinator.WithRosterMetrics(rosterMetrics),
		)
		coordCtx, coordCancel := context.WithCancel(context.Background())
		defer coordCancel()
		go func() {
			if err := syncCoordinator.Start(coordCtx); err != nil {
				slog.Error("sync coordinator failed", "error", err)
			}
		}()
	}

	router := api.NewServer(manager, st,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server")

	if syncCoordinator != nil {
		if err := syncCoordinator.Stop(); err != nil {
			slog.Error("failed to stop sync coordinator", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		return err
	}

	slog.Info("server shutdown complete")
	return nil
}
