package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/cache"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/catalog"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/config"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/consumer"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/coupon"
	carthttp "github.com/hmonster013/ecommerce-microservice-sub004/internal/http"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/logger"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/merge"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/poller"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/pricing"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/repository"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/resolver"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/service"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()
	zap.ReplaceGlobals(zlog)

	ctx := context.Background()

	// MongoDB
	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.Mongo.URI, cfg.Mongo.DBName)
	if err != nil {
		zlog.Fatal("failed to connect to MongoDB", zap.Error(err))
	}
	defer mongoDB.Client().Disconnect(ctx)

	repo := repository.NewMongoRepository(mongoDB)
	if idx, ok := repo.(interface{ CreateIndexes(context.Context) error }); ok {
		if err := idx.CreateIndexes(ctx); err != nil {
			zlog.Fatal("failed to create indexes", zap.Error(err))
		}
	}
	zlog.Info("connected to MongoDB", zap.String("db", cfg.Mongo.DBName))

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zlog.Fatal("redis connection failed", zap.Error(err))
	}
	zlog.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	cartCache := cache.NewRedisCache(redisClient, cfg.Cart.CacheGuestTTL, cfg.Cart.CacheUserTTL)

	// Collaborators
	catalogClient := catalog.NewHTTPClient(cfg.Catalog.BaseURL, cfg.Catalog.Timeout, cfg.Catalog.Retries, cfg.Catalog.RetryDelay, zlog)
	checker := pricing.NewChecker(catalogClient, cfg.Cart.MaxQuantityPerOrder)
	coupons := coupon.NewStaticValidator()

	merger := merge.NewEngine(repo, cartCache, zlog, merge.Options{
		MaxPerOrder:     cfg.Cart.MaxQuantityPerOrder,
		TransplantItems: cfg.Cart.ReconcileTransplantItems,
		UserTTL:         cfg.Cart.UserTTL,
	})
	res := resolver.New(repo, cartCache, merger, zlog)

	svc := service.NewCartService(repo, cartCache, res, merger, checker, coupons, zlog, service.Config{
		Currency:     cfg.Cart.Currency,
		GuestTTL:     cfg.Cart.GuestTTL,
		UserTTL:      cfg.Cart.UserTTL,
		WriteRetries: cfg.Cart.WriteRetries,
	})

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	if cfg.Cart.SweepEnabled {
		sweeper := poller.NewSweeper(repo, cartCache, merger, zlog, poller.SweeperConfig{
			ExpireInterval:    cfg.Cart.ExpireInterval,
			ReconcileInterval: cfg.Cart.ReconcileInterval,
			BatchSize:         cfg.Cart.SweepBatchSize,
		})
		go sweeper.Run(workerCtx)
		zlog.Info("maintenance sweeper started")
	}

	if cfg.Kafka.Enabled {
		checkoutConsumer := consumer.NewConsumer(repo, cartCache, zlog, cfg.Kafka.CheckoutTopic, cfg.Kafka.GroupID, cfg.Kafka.Brokers...)
		defer checkoutConsumer.Close()
		go checkoutConsumer.Run(workerCtx)
		zlog.Info("checkout consumer started", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	// HTTP server
	handler := carthttp.NewCartHandler(svc, zlog, cfg.HTTP.RequestTimeout)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(carthttp.RequestIDMiddleware)
	r.Use(carthttp.LoggingMiddleware(zlog))
	r.Use(carthttp.IdentityMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Mount("/api/v1", handler.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      otelhttp.NewHandler(r, "cart-engine"),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		zlog.Info("cart engine listening", zap.String("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("server shutdown error", zap.Error(err))
	}
	zlog.Info("cart engine stopped")
}
