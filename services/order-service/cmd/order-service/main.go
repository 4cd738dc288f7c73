package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	libconfig "github.com/techweb/outboxcdc/libs/config"
	"github.com/techweb/outboxcdc/libs/db"
	"github.com/techweb/outboxcdc/libs/httpx"
	"github.com/techweb/outboxcdc/libs/kafkax"
	otelx "github.com/techweb/outboxcdc/libs/otel"
	"github.com/techweb/outboxcdc/libs/runtime"
	"github.com/techweb/outboxcdc/services/order-service/internal/config"
	"github.com/techweb/outboxcdc/services/order-service/internal/confirmation"
	"github.com/techweb/outboxcdc/services/order-service/internal/consumer"
	"github.com/techweb/outboxcdc/services/order-service/internal/handlers"
	"github.com/techweb/outboxcdc/services/order-service/internal/orders"
	"github.com/techweb/outboxcdc/services/order-service/internal/outbox"
	"github.com/techweb/outboxcdc/services/order-service/internal/storage"
	"github.com/techweb/outboxcdc/services/order-service/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(libconfig.PathFromArgs(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n\n%s", err, libconfig.Usage(&config.Config{}))
		os.Exit(1)
	}
	logger, err := runtime.NewLogger(cfg.App.ServiceName, cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel setup failed", zap.Error(err))
		otelShutdown = nil
	}

	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(migrations.FS, ".", cfg.Database.URL); err != nil {
			logger.Fatal("db migration failed", zap.Error(err))
		}
		logger.Info("db migrations applied")
	}

	orderRepo := storage.NewOrderRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	orderService := orders.NewService(orderRepo, orderRepo, outboxRepo, logger.Named("orders"))
	confirmations := confirmation.NewHandler(outboxRepo, logger.Named("confirmation"))

	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}

	consumerDone := make(chan struct{})
	if cfg.Kafka.Brokers == "" {
		logger.Warn("delivery confirmation consumer disabled (no kafka brokers configured)")
		close(consumerDone)
	} else {
		runner := consumer.NewRunner(logger.Named("consumer"), consumer.Config{
			Brokers:    cfg.Kafka.Brokers,
			RetryDelay: cfg.Kafka.RetryDelay,
			DLQTopic:   cfg.Kafka.DLQTopic,
			IsRejection: func(err error) bool {
				return errors.Is(err, confirmation.ErrMalformedConfirmation)
			},
		})
		if err := runner.Subscribe(consumer.Subscription{
			Topic:   cfg.Kafka.ConfirmationTopic,
			GroupID: cfg.Kafka.GroupID,
			Handler: confirmations.Handle,
		}); err != nil {
			logger.Fatal("kafka subscription invalid", zap.Error(err))
		}
		go func() {
			defer close(consumerDone)
			if err := runner.Run(ctx); err != nil {
				logger.Error("kafka consumer exited", zap.Error(err))
			}
		}()
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.Kafka.Brokers)})
	}

	var limiter httpx.Limiter = httpx.NewMemoryRateLimiter(cfg.Redis.RateLimit, cfg.Redis.RateLimitWindow)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		limiter = httpx.NewRedisRateLimiter(rdb, cfg.Redis.RateLimit, cfg.Redis.RateLimitWindow, cfg.App.ServiceName+":orders")
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}

	orderHandler := handlers.NewOrderHandler(orderService, outboxRepo, logger.Named("http"))
	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/orders", httpx.RateLimit(limiter, logger, cfg.Redis.FailOpen)(http.HandlerFunc(orderHandler.CreateOrder)))
	mux.HandleFunc("/outbox/events", orderHandler.ListOutboxEvents)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
	)
	handler = otelhttp.NewHandler(handler, "order")
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	grpcStop, err := startGrpcServer(ctx, logger, cfg.App.GRPCPort, cfg.App.ServiceName, checks...)
	if err != nil {
		logger.Error("grpc server failed to start", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	err = runtime.Shutdown(cfg.App.ShutdownTimeout,
		srv.Shutdown,
		grpcStop,
		func(ctx context.Context) error {
			select {
			case <-consumerDone:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("kafka consumer: %w", ctx.Err())
			}
		},
		otelShutdown,
	)
	if err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
	logger.Info("stopped")
}
