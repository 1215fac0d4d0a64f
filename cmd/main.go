// cmd/main.go is the application entry point.
// It wires together all layers and runs the HTTP server, the payment
// notification consumer and the outbox relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/config"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/database"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/gateway"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/handler"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/logger"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/notify"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/outbox"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/rabbit"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository/postgres"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository/sqlite"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/service"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("registration service failed")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Open the store ─────────────────────────────────────────────────
	store, err := openStore(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── 2. Broker and notification sink ───────────────────────────────────
	var rmq *rabbit.Client
	if cfg.Rabbit.URL != "" {
		rmq, err = rabbit.Dial(cfg.Rabbit.URL, log)
		if err != nil {
			return err
		}
		defer rmq.Close()
		if err := rmq.DeclareQueue(cfg.Rabbit.PaymentsQueue); err != nil {
			return err
		}
		log.Info().Msg("connected to RabbitMQ")
	}

	dispatcher, closeDispatcher, err := newDispatcher(ctx, cfg, rmq, log)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	// ── 3. Wire up layers ─────────────────────────────────────────────────
	gw := gateway.New(cfg.Gateway)
	eventSvc := service.NewEventService(store)
	regSvc := service.NewRegistrationService(store, gw, service.FlatPricer{}, log)
	reconciler := service.NewPaymentReconciler(store, gw, log)
	h := handler.New(eventSvc, regSvc, reconciler, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler.NewRouter(h, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── 4. Run everything until a signal or a fatal error ─────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	relay := outbox.NewRelay(store, dispatcher, cfg.Outbox.Interval, cfg.Outbox.BatchSize, cfg.Outbox.Lease, log)
	g.Go(func() error { return relay.Run(gctx) })

	if rmq != nil {
		consumer := worker.NewPaymentConsumer(rmq, cfg.Rabbit.PaymentsQueue, reconciler, log)
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		log.Warn().Msg("RABBIT_URL not set, payment notifications only arrive through the webhook")
	}

	err = g.Wait()
	log.Info().Msg("server stopped")
	return err
}

func openStore(ctx context.Context, cfg config.DBConfig, log zerolog.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
		return sqlite.New(db), nil
	default:
		pool, err := database.NewPool(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		log.Info().Msg("connected to PostgreSQL")
		return postgres.New(pool), nil
	}
}

func newDispatcher(ctx context.Context, cfg config.Config, rmq *rabbit.Client, log zerolog.Logger) (service.NotificationDispatcher, func(), error) {
	switch cfg.NotifyBackend {
	case "rabbit":
		if err := rmq.DeclareExchange(cfg.Rabbit.NotifyExchange); err != nil {
			return nil, nil, err
		}
		return notify.NewRabbitDispatcher(rmq, cfg.Rabbit.NotifyExchange), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")
		return notify.NewRedisDispatcher(client, cfg.Redis.NotifyList), func() { _ = client.Close() }, nil
	default:
		return notify.NewLogDispatcher(log), func() {}, nil
	}
}
