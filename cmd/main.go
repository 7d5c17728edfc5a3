// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/meet-tables/internal/config"
	"github.com/Shivanand-hulikatti/meet-tables/internal/database"
	"github.com/Shivanand-hulikatti/meet-tables/internal/events"
	"github.com/Shivanand-hulikatti/meet-tables/internal/handler"
	"github.com/Shivanand-hulikatti/meet-tables/internal/liveview"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/memory"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/postgres"
	"github.com/Shivanand-hulikatti/meet-tables/internal/repository/sqlite"
	"github.com/Shivanand-hulikatti/meet-tables/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// ── 1. Open the store ─────────────────────────────────────────────────
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── 2. Event boundary ─────────────────────────────────────────────────
	var publisher events.Publisher = events.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		amqp, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		defer amqp.Close()
		publisher = events.Multi{publisher, amqp}
		logger.Info("publishing events to rabbitmq", "exchange", cfg.AMQPExchange)
	}

	// ── 3. Wire up layers ────────────────────────────────────────────────
	loc, _ := cfg.Location()
	clock := service.SystemClock
	lifecycle := service.NewLifecycleService(store, service.LifecycleConfig{
		Capacity: cfg.TableCapacity,
		Location: loc,
		Seed:     cfg.ScheduleSeed,
	}, clock, logger)
	booking := service.NewBookingService(store, publisher, cfg.BookingMaxAttempts, clock, logger)
	feedback := service.NewFeedbackService(store, publisher, service.FlagPolicy{Threshold: cfg.FlagThreshold}, clock, logger)
	live := liveview.New(store, liveview.Engine{
		LifecycleService: lifecycle,
		BookingService:   booking,
		TableStore:       store,
	}, liveview.WithClock(clock), liveview.WithRefresh(cfg.LiveRefresh), liveview.WithLogger(logger))
	sweeper := service.NewSweeper(lifecycle, cfg.SweepInterval, cfg.ExpiryRetention, clock, logger)

	tableHandler := handler.NewTableHandler(lifecycle, booking, feedback, live, clock, logger)

	// ── 4. Start server and background workers ───────────────────────────
	// Nothing runs in the background until wiring has succeeded.
	g, ctx := errgroup.WithContext(ctx)

	// Request contexts derive from ctx so event streams end on shutdown.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler.NewRouter(tableHandler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	if l, ok := store.(changeListener); ok {
		g.Go(func() error { return l.Listen(ctx) })
	}
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// changeListener is implemented by stores that relay changes committed by
// other processes.
type changeListener interface {
	Listen(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := database.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		store := postgres.New(pool, logger)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("connected to postgres")
		return store, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("opened sqlite store", "path", cfg.SQLitePath)
		return store, nil
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
}
