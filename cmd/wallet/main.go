package main

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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"coinwallet/internal/checkout"
	checkoutapi "coinwallet/internal/checkout/api"
	substore "coinwallet/internal/checkout/store"
	"coinwallet/internal/common/database"
	"coinwallet/internal/common/events"
	"coinwallet/internal/common/middleware"
	natsclient "coinwallet/internal/common/nats"
	"coinwallet/internal/config"
	"coinwallet/internal/password"
	"coinwallet/internal/payment"
	"coinwallet/internal/providers/catalog"
	"coinwallet/internal/providers/orders"
	"coinwallet/internal/wallet"
	walletapi "coinwallet/internal/wallet/api"
	walletstore "coinwallet/internal/wallet/store"
)

const refundWorkerName = "checkout-refund-worker"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			return err
		}
	}

	// Connect to NATS. Without it events are dropped and failed refunds are
	// left to the sweeper.
	var publisher events.Publisher = events.NopPublisher{Logger: logger}
	var nc *natsclient.Client
	if cfg.NATS.Enabled {
		nc, err = natsclient.New(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		if _, err := nc.EnsureStream(ctx, cfg.NATS.Stream, cfg.NATS.StreamMaxAge); err != nil {
			return err
		}
		publisher = natsclient.NewPublisher(nc, logger)
	}

	// Create services
	wallets := walletstore.NewPostgres(db)
	walletService := wallet.NewService(wallets, logger)
	guard := password.NewGuard(wallets, publisher, cfg.Password, logger)
	ledger := payment.NewLedger(walletService, publisher, logger)

	coordinator := checkout.NewCoordinator(cfg.Checkout, checkout.Deps{
		Catalog:   catalog.NewClient(cfg.Catalog, logger),
		Orders:    orders.NewClient(cfg.Orders, logger),
		Passwords: guard,
		Wallets:   walletService,
		Payments:  ledger,
		Store:     substore.NewPostgres(db),
		Escalator: checkout.NewEventEscalator(publisher, logger),
		Publisher: publisher,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	// Refund worker
	if nc != nil {
		consumer, err := nc.EnsureConsumer(ctx, natsclient.ConsumerConfig{
			Name:          refundWorkerName,
			Stream:        cfg.NATS.Stream,
			FilterSubject: natsclient.Subject(events.EventPaymentRefundFailed),
			MaxDeliver:    -1,
			AckWait:       cfg.Checkout.OrderTimeout * 2,
		})
		if err != nil {
			return err
		}

		subscriber := natsclient.NewSubscriber(consumer, cfg.Checkout.RefundRetryDelay, logger)
		g.Go(func() error {
			if err := subscriber.Start(gctx, coordinator.HandleRefundFailed); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("refund worker: %w", err)
			}
			return nil
		})
	}

	// Recovery sweeper
	sweeper := checkout.NewSweeper(coordinator, logger)
	if err := sweeper.Start(gctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	// Create handlers
	walletHandler := walletapi.NewHandler(walletService, guard, ledger, coordinator, logger)
	checkoutHandler := checkoutapi.NewHandler(coordinator, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
		if nc != nil {
			if err := nc.HealthCheck(); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "unhealthy")
				return
			}
		}
		writeStatus(w, http.StatusOK, "healthy")
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ready")
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate([]byte(cfg.JWTSecret), cfg.JWTIssuer))
		r.Mount("/wallet", walletHandler.Routes())
		r.Mount("/checkout", checkoutHandler.Routes())

		r.Route("/operator", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleOperator))
			r.Mount("/wallet", walletHandler.OperatorRoutes())
		})
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting wallet service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		err := server.Shutdown(shutdownCtx)

		select {
		case <-sweeper.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("sweeper did not stop before shutdown timeout")
		}
		return err
	})

	return g.Wait()
}

func writeStatus(w http.ResponseWriter, status int, value string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"status":%q}`, value)
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
