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
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/medistock/internal/adapter/handler"
	"github.com/rl1809/medistock/internal/adapter/messaging"
	"github.com/rl1809/medistock/internal/adapter/storage"
	"github.com/rl1809/medistock/internal/config"
	"github.com/rl1809/medistock/internal/core/service"
	"github.com/rl1809/medistock/internal/port"
	"github.com/rl1809/medistock/pkg/logger"
	"github.com/rl1809/medistock/pkg/metrics"
	"github.com/rl1809/medistock/pkg/tracer"
)

const (
	devJWTSecret   = "medistock-dev-secret"
	eventWorkers   = 4
	eventQueueSize = 10000
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracer.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	cache, closeCache, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	var publisher port.EventPublisher = port.NopPublisher{}
	if cfg.Kafka.Enabled() {
		kafkaPublisher := messaging.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		async := messaging.NewAsyncPublisher(kafkaPublisher, eventWorkers, eventQueueSize, log)
		defer func() {
			async.Close()
			if err := kafkaPublisher.Close(); err != nil {
				log.Warn("failed to close kafka writer", zap.Error(err))
			}
			log.Info("event publisher stopped")
		}()
		publisher = async
		log.Info("publishing events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector("medistock", reg)
	opts := []service.Option{service.WithMetrics(m)}

	reservations := service.NewReservationService(store, cache, publisher, cfg.Reservation, log, opts...)
	fulfillment := service.NewFulfillmentService(store, publisher, cfg.Reservation.MaxTxRetries, log, opts...)
	ledger := service.NewLedgerService(store, log, opts...)
	inventory := service.NewInventoryService(store)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		log.Warn("JWT_SECRET not set, using development secret")
		secret = devJWTSecret
	}
	verifier := handler.NewTokenVerifier(secret)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.AuthInterceptor(verifier)))
	handler.RegisterDispenserServer(grpcServer, handler.NewGRPCHandler(reservations, fulfillment, inventory, log))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	limiter := handler.NewClientLimiter(cfg.Server.PickupRatePerMinute, cfg.Server.PickupBurst)
	httpHandler := handler.NewHTTPHandler(reservations, fulfillment, ledger, inventory, verifier, limiter, log)
	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      httpHandler.Routes(m),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server failed, shutting down", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (port.Store, func(), error) {
	if cfg.App.Store == "memory" {
		mem := storage.NewMemoryStore()
		storage.SeedMemory(mem)
		log.Info("using in-memory store with demo catalog")
		return mem, func() {}, nil
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	log.Info("connected to mysql")

	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	if cfg.App.Seed {
		if err := storage.Seed(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("demo catalog seeded")
	}

	return storage.NewMySQLAdapter(db), func() { db.Close() }, nil
}

// openCache returns nil when REDIS_ADDR is empty, which disables request id
// deduplication.
func openCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (port.CacheRepository, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Warn("REDIS_ADDR not set, request ids will not be deduplicated")
		return nil, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	cache := storage.NewBreakerCache(
		storage.NewRedisAdapter(rdb, cfg.Redis.IdempotencyTTL),
		cfg.Redis.BreakerFailures,
		cfg.Redis.BreakerTimeout,
		log,
	)
	return cache, func() { rdb.Close() }, nil
}
