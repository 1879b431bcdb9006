/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Collectif Connect points ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and configuration
  2. Open the store (sqlite, postgres or memory)
  3. Build the ledger core and the workflows
  4. Connect the event publisher (RabbitMQ, or log-only fallback)
  5. Seed the reward catalog file, if configured
  6. Start the ledger audit job and the HTTP server
  7. Graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides SERVER_PORT)
  -db      SQLite database path (overrides DATABASE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit job, close the publisher and the store
  4. Exit

EXAMPLES:
  # Run with file database
  JWT_SECRET=dev INTERNAL_API_KEY=dev ./server -db="./data/connect.db"

  # Run against PostgreSQL
  DATABASE_DRIVER=postgres DATABASE_URL=postgres://... ./server

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/collectif/connect-ledger/api"
	"github.com/collectif/connect-ledger/community"
	"github.com/collectif/connect-ledger/concierge"
	"github.com/collectif/connect-ledger/config"
	"github.com/collectif/connect-ledger/events"
	"github.com/collectif/connect-ledger/ledger"
	memstore "github.com/collectif/connect-ledger/ledger/store"
	"github.com/collectif/connect-ledger/rewards"
	"github.com/collectif/connect-ledger/store/postgres"
	"github.com/collectif/connect-ledger/store/sqlite"
)

func main() {
	// Flags
	port := flag.String("port", "", "HTTP server port (overrides SERVER_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.ServerPort = *port
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer store.Close()
	logger.Info("store ready", "driver", cfg.DatabaseDriver)

	// Ledger core
	rule, _ := ledger.ParseTierRule(cfg.TierRule)
	tx := ledger.NewTransactor(store, cfg.TxMaxAttempts, logger)
	accounts := ledger.NewAccounts(store, tx, ledger.NewPolicy(rule), logger)
	l := ledger.NewLedger(store, accounts, tx, logger)

	// Events
	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	// Workflows
	valuation, err := rewards.NewValuation(cfg.PointValue, cfg.PointCurrency)
	if err != nil {
		return fmt.Errorf("point valuation: %w", err)
	}
	rewardsSvc := rewards.NewService(store, l, valuation, publisher, logger)
	if cfg.RewardCatalogPath != "" {
		catalog, err := rewards.LoadCatalogFile(cfg.RewardCatalogPath)
		if err != nil {
			return fmt.Errorf("load reward catalog: %w", err)
		}
		if err := rewardsSvc.Seed(ctx, catalog); err != nil {
			return err
		}
	}

	auditor := api.NewLedgerAuditor(l, cfg.AuditInterval, logger)
	if err := auditor.Start(); err != nil {
		return err
	}
	defer auditor.Stop()

	handler := &api.Handler{
		Ledger:    l,
		Accounts:  accounts,
		Concierge: concierge.NewService(l, cfg.ServiceAwardPoints, publisher, logger),
		Rewards:   rewardsSvc,
		Community: community.NewService(l, cfg.ForumPostAwardPoints, publisher, logger),
		Auditor:   auditor,
		Publisher: publisher,
		Logger:    logger,
	}
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           &api.Authenticator{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.Origins(),
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DatabaseURL)
	case config.DriverMemory:
		return memstore.NewMemory(), nil
	default:
		return sqlite.New(cfg.DatabasePath)
	}
}

// newPublisher connects to RabbitMQ when configured. A broker that cannot be
// reached at startup degrades to the log-only publisher.
func newPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	if cfg.RabbitMQURL == "" {
		logger.Info("RABBITMQ_URL not set, events are logged only")
		return &events.Fallback{Logger: logger}
	}
	p, err := events.NewRabbitMQ(cfg.RabbitMQURL, cfg.EventsExchange, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable, events are logged only", "error", err)
		return &events.Fallback{Logger: logger}
	}
	return p
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
