package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-workflow/config"
	"order-workflow/internal/api"
	"order-workflow/internal/broker"
	"order-workflow/internal/redisclient"
	"order-workflow/internal/service"
	"order-workflow/internal/store"
	"order-workflow/internal/util"
	"order-workflow/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// workflowStore is satisfied by both store.Store and store.MemoryStore
type workflowStore interface {
	service.StatusStore
	service.ContainerStore
	service.OrderStore
	api.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order workflow service")

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	if tp != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	checks := map[string]api.Pinger{}

	var st workflowStore
	switch cfg.Workflow.StoreDriver {
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if cfg.Database.Migrate {
			if err := db.Migrate(); err != nil {
				logger.Fatal("Failed to run migrations", zap.Error(err))
			}
		}
		st = db
		logger.Info("Database connected")
	default:
		st = store.NewMemoryStore()
		logger.Warn("Using in-memory store; data is lost on restart")
	}
	checks["store"] = st

	var redisClient *redisclient.Client
	if cfg.Workflow.LockBackend == "redis" || cfg.Kafka.StockWorker {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisClient
		logger.Info("Redis connected")
	}

	var locker service.Locker = service.NewLocalLocker()
	if cfg.Workflow.LockBackend == "redis" {
		locker = redisclient.NewOrderLocker(redisClient, cfg.Workflow.LockTTL)
	}

	var sink service.IntentSink
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicIntents)
		defer producer.Close()
		sink = broker.NewIntentPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		sink = broker.NewLogPublisher()
		logger.Warn("No Kafka brokers configured; intents are only logged")
	}

	registry := service.NewRegistryService(st, st)
	orderService := service.NewOrderService(st, registry, sink, locker,
		service.WithDispatchRetries(cfg.Workflow.DispatchRetries, cfg.Workflow.DispatchBackoff))
	sweeper := service.NewSweeper(st, st, orderService, cfg.Workflow.SweepConcurrency)

	sweepJob, err := worker.NewSweepJob(sweeper, cfg.Workflow.SweepSchedule)
	if err != nil {
		logger.Fatal("Failed to schedule sweep", zap.Error(err))
	}
	sweepJob.Start()

	relay := service.NewOutboxRelay(st, sink, cfg.Workflow.RelayBatch)
	relayJob, err := worker.NewRelayJob(relay, cfg.Workflow.RelaySchedule)
	if err != nil {
		logger.Fatal("Failed to schedule outbox relay", zap.Error(err))
	}
	relayJob.Start()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var stockWorker *worker.StockWorker
	if cfg.Kafka.StockWorker {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicIntents, cfg.Kafka.ConsumerGroup)
		stockWorker = worker.NewStockWorker(consumer, redisClient)
		go func() {
			if err := stockWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Stock worker error", zap.Error(err))
			}
		}()
	}

	authz, err := api.NewAuthorizer()
	if err != nil {
		logger.Fatal("Failed to initialize authorizer", zap.Error(err))
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, registry, sweeper, authz, checks)
	handler.SetupRoutes(router, cfg.Server.CORSOrigins)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	sweepJob.Stop()
	relayJob.Stop()
	workerCancel()
	if stockWorker != nil {
		if err := stockWorker.Stop(); err != nil {
			logger.Error("Error stopping stock worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
