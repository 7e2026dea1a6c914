package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/cropio/usagegate/internal/api"
	"github.com/cropio/usagegate/internal/cleanup"
	"github.com/cropio/usagegate/internal/config"
	"github.com/cropio/usagegate/internal/errors"
	"github.com/cropio/usagegate/internal/gate"
	"github.com/cropio/usagegate/internal/ledger"
	"github.com/cropio/usagegate/internal/logging"
	"github.com/cropio/usagegate/internal/metrics"
	"github.com/cropio/usagegate/internal/notify"
	"github.com/cropio/usagegate/internal/policy"
	"github.com/cropio/usagegate/internal/ratewindow"
	"github.com/cropio/usagegate/internal/store"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the UsageGate server",
	Long: `Start the UsageGate server.

The server mounts the configured conversion routes behind the full gate
chain (rate limit, concurrent uploads, quota and size checks, usage
recording) and proxies admitted requests to the upstream conversion
backend. It also serves quota status, usage reports, and admin endpoints.

Example:
  usagegate serve --config config.yaml --db ./data/usagegate.db`,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("SHUTDOWN_TIMEOUT", 30*time.Second), "Shutdown timeout")

	RootCmd.AddCommand(serveCmd)
}

// loadConfig loads the configuration file, falling back to built-in
// defaults when the file does not exist.
func loadConfig(loader *config.Loader) (*config.Config, error) {
	cfg, err := loader.Load()
	if err != nil {
		if _, ok := err.(*errors.ErrConfigNotFound); ok {
			log.Printf("Config file not found, using defaults: %s", globalFlags.Config)
			return config.Default(), nil
		}
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if globalFlags.Verbose {
		log.Println("Starting UsageGate server...")
		log.Printf("Config path: %s", globalFlags.Config)
		log.Printf("Database path: %s", globalFlags.DBPath)
	}

	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loadConfig(loader)
	if err != nil {
		return err
	}

	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if globalFlags.DBPath != "" {
		cfg.Server.DBPath = globalFlags.DBPath
	}

	logger := logging.NewLogger(logging.WithLevel(logging.LogLevel(cfg.Server.LogLevel)))
	m := metrics.NewMetrics("usagegate")

	sqliteStore, err := store.NewSQLiteStore(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to create SQLite store: %w", err)
	}
	if globalFlags.Verbose {
		log.Printf("Database initialized at: %s", cfg.Server.DBPath)
	}

	policies, err := policy.NewTable(cfg.Tiers)
	if err != nil {
		return fmt.Errorf("failed to build tier policy table: %w", err)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notifications.Enabled {
		notifier = notify.NewTelegramNotifier(cfg.Notifications.TelegramToken, cfg.Notifications.TelegramChatID)
	}

	enforcement := cfg.Enforcement
	ldg := ledger.New(sqliteStore, policies,
		ledger.WithNotifier(notifier),
		ledger.WithMetrics(m),
		ledger.WithLogger(logger),
		ledger.WithExemption(enforcement.IsExempt),
		ledger.WithWarningRemaining(cfg.Notifications.WarningRemaining),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	windows := ratewindow.NewStore()
	windows.StartSweeper(ctx, cfg.RateLimit.SweepInterval, cfg.RateLimit.IdleKeyTTL)

	uploads := gate.NewUploadLimiter(policies, m)
	g := gate.New(ldg, windows, api.HeaderUserResolver,
		gate.WithMetrics(m),
		gate.WithLogger(logger),
		gate.WithUpgradeURL(cfg.Server.UpgradeURL),
		gate.WithUploadLimiter(uploads),
	)

	retention := time.Duration(cfg.Cleanup.RetentionDays) * 24 * time.Hour
	cleaner := cleanup.NewManager(sqliteStore, retention, cfg.Cleanup.Interval,
		cleanup.WithMetrics(m),
		cleanup.WithLogger(logger),
		cleanup.WithBatchSize(cfg.Cleanup.BatchSize),
	)
	if cfg.Cleanup.Enabled {
		cleaner.Start(ctx)
		if globalFlags.Verbose {
			log.Printf("Retention cleanup enabled: %d days, every %s", cfg.Cleanup.RetentionDays, cfg.Cleanup.Interval)
		}
	}

	server := api.NewServer(cfg, sqliteStore, policies, ldg, g, windows, cleaner, m, logger)

	if err := mountConversions(server, cfg, logger); err != nil {
		return err
	}

	// Hot-reload the tier table when the config file changes. A reload
	// that fails validation keeps the running table.
	loader.SetOnChange(func(next *config.Config) {
		if err := policies.Reload(next.Tiers); err != nil {
			logger.Error("policy reload rejected", "error", err.Error())
			return
		}
		logger.Info("tier policies reloaded", "count", len(next.Tiers))
	})
	if err := loader.Watch(ctx, logger); err != nil {
		logger.Warn("config watch unavailable", "error", err.Error())
	}

	setupGracefulShutdown(server, cancel, serveFlags.Timeout)

	log.Printf("Starting UsageGate HTTP server on %s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	log.Printf("Database: %s (WAL mode enabled)", cfg.Server.DBPath)

	if err := server.Run(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// mountConversions registers the configured conversion routes behind the
// gate chain, proxying admitted requests to the upstream backend.
func mountConversions(server *api.Server, cfg *config.Config, logger *logging.Logger) error {
	if cfg.Server.UpstreamURL == "" {
		logger.Warn("no upstream_url configured, conversion routes not mounted")
		return nil
	}

	upstream, err := url.Parse(cfg.Server.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream_url %q: %w", cfg.Server.UpstreamURL, err)
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	handler := func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	}

	for _, route := range cfg.Conversions {
		server.RegisterConversion(route.Route, route.Tool, route.Category, route.CheckFileSize, handler)
		if globalFlags.Verbose {
			log.Printf("Mounted conversion route %s (tool=%s category=%s)", route.Route, route.Tool, route.Category)
		}
	}
	return nil
}

// setupGracefulShutdown handles graceful shutdown of all components
func setupGracefulShutdown(server *api.Server, cancel context.CancelFunc, timeout time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v", sig)

		ctx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
		defer cancelShutdown()

		cancel()

		log.Println("Shutting down API server...")
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Error during server shutdown: %v", err)
		}

		log.Println("Graceful shutdown completed")
		os.Exit(0)
	}()
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
