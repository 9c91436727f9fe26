package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/asset-store/internal/adapter/gateway"
	"github.com/rl1809/asset-store/internal/adapter/handler"
	"github.com/rl1809/asset-store/internal/adapter/publisher"
	"github.com/rl1809/asset-store/internal/adapter/storage"
	"github.com/rl1809/asset-store/internal/config"
	"github.com/rl1809/asset-store/internal/core/service"
	"github.com/rl1809/asset-store/internal/logging"
	"github.com/rl1809/asset-store/internal/metrics"
	"github.com/rl1809/asset-store/internal/port"
)

const healthInterval = 10 * time.Second

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	db      *sql.DB
	store   *storage.SQLAdapter
	rdb     *redis.Client
	cache   port.CacheRepository
}

// newApp loads config and opens the database and, when configured, Redis.
// strict also enforces the secrets the HTTP server needs.
func newApp(ctx context.Context, configPath string, strict bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if strict {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Database.Driver, err)
	}
	if cfg.Database.Driver == storage.DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Database.Driver, err)
	}
	logger.Info("connected to database", zap.String("driver", cfg.Database.Driver))

	store, err := storage.NewSQLAdapter(db, cfg.Database.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), db: db, store: store}

	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			// the guard and limiter are best effort; run without them
			logger.Warn("redis unavailable, continuing without it", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			a.rdb.Close()
			a.rdb = nil
		} else {
			a.cache = storage.NewRedisAdapter(a.rdb)
			logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		}
	}

	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.db.Close()
	a.logger.Sync()
}

func (a *app) newRelay() (*service.OutboxRelay, port.EventPublisher, error) {
	pub, err := publisher.New(a.cfg.Notify, a.logger)
	if err != nil {
		return nil, nil, err
	}
	relay := service.NewOutboxRelay(a.store, pub, service.RelayConfig{
		Workers:      a.cfg.Notify.Workers,
		BatchSize:    a.cfg.Notify.BatchSize,
		PollInterval: a.cfg.Notify.PollInterval,
	}, a.metrics, a.logger.Named("relay"))
	return relay, pub, nil
}

// Relay runs the outbox relay until SIGINT/SIGTERM.
func (a *app) Relay(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, pub, err := a.newRelay()
	if err != nil {
		return err
	}
	defer pub.Close()

	relay.Run(ctx)
	return nil
}

// Serve runs HTTP, gRPC and the relay until SIGINT/SIGTERM, then shuts them
// down in that order.
func (a *app) Serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	client := gateway.NewWompiClient(cfg.PaymentBaseURL(), cfg.Payment.PrivateKey, cfg.Payment.Timeout, logger.Named("wompi"))
	grants := service.NewGrantIssuer(a.metrics, logger)
	orders := service.NewOrderService(a.store, client, grants, service.OrderServiceConfig{
		OrderTTL:       cfg.Order.TTL,
		PaymentLinkTTL: cfg.Payment.LinkTTL,
		Currency:       cfg.Payment.Currency,
		StoreName:      cfg.Payment.StoreName,
		StoreBaseURL:   cfg.Server.BaseURL,
	}, logger)
	reconciler := service.NewReconciler([]byte(cfg.Payment.WebhookSecret), client, orders, a.cache, a.metrics, logger.Named("webhook"))
	downloads := service.NewDownloadService(a.store, []byte(cfg.Download.SigningKey), cfg.Download.LinkTTL)

	// Bind both ports before starting anything that has to be stopped.
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listen %s: %w", cfg.Server.HTTPAddr, err)
	}

	relay, pub, err := a.newRelay()
	if err != nil {
		grpcLis.Close()
		httpLis.Close()
		return err
	}
	defer pub.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()

	// gRPC health
	grpcHandler := handler.NewGRPCHandler(a.store.Ping, logger)
	grpcServer := grpc.NewServer()
	grpcHandler.Register(grpcServer)

	wg.Add(1)
	go func() {
		defer wg.Done()
		grpcHandler.Watch(ctx, healthInterval)
	}()
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP
	httpHandler := handler.NewHTTPHandler(orders, reconciler, downloads, a.store.Ping, logger)
	httpServer := &http.Server{
		Handler: handler.NewRouter(httpHandler, handler.RouterConfig{
			Metrics:           a.metrics,
			Logger:            logger.Named("http"),
			Limiter:           a.cache,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	case err = <-serverErr:
		logger.Error("HTTP server error", zap.Error(err))
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(shutdownErr))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	cancel()
	wg.Wait()
	logger.Info("relay stopped")

	return err
}
