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

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/pipeline"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/scheduler"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/warehouse"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.EnsureSchema(ctx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	jobsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicJobs)
	defer jobsProducer.Close()
	deadLetterProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeadLetter)
	defer deadLetterProducer.Close()
	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(jobsProducer, deadLetterProducer, notificationProducer)

	jobScheduler := scheduler.New(redisClient, scheduler.Options{
		Queue:   cfg.Scheduler.Queue,
		DoneTTL: cfg.Scheduler.DoneTTL,
		Lease:   cfg.Scheduler.Lease,
	}, eventPublisher)

	tokenCodec, err := warehouse.NewTokenCodec(cfg.Warehouse.TokenSecret, cfg.Warehouse.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to initialize warehouse token codec", zap.Error(err))
	}
	gateway := payment.NewRazorpayGateway(cfg.Payment.KeyID, cfg.Payment.KeySecret, cfg.Payment.Currency)

	ledger := service.NewStockLedger(db, redisClient)
	resolver := service.NewWarehouseResolver(db, tokenCodec, cfg.Warehouse.MaxRadiusKm, cfg.Warehouse.DefaultID)
	canceller := service.NewCanceller(db, ledger, gateway, eventPublisher)
	pipelineService := service.NewPipelineService(db, jobScheduler, canceller, eventPublisher,
		pipeline.DefaultTable, cfg.Pipeline.AutoCancelGrace)
	orderService := service.NewOrderService(db, db, resolver, ledger, pipelineService, canceller, gateway, eventPublisher)
	paymentService := service.NewPaymentService(db, pipelineService, canceller, eventPublisher, cfg.Payment.WebhookSecret)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	dispatcher := scheduler.NewDispatcher(jobScheduler, eventPublisher, cfg.Scheduler.PollInterval, cfg.Scheduler.BatchSize)
	jobsConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicJobs, cfg.Kafka.ConsumerGroup)
	pipelineWorker := worker.NewPipelineWorker(jobsConsumer, pipelineService, jobScheduler)

	g, gctx := errgroup.WithContext(workerCtx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return pipelineService.RunSweeper(gctx, cfg.Pipeline.RearmInterval, cfg.Pipeline.RearmBatch)
	})
	g.Go(func() error {
		return pipelineWorker.Start(gctx)
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Dependencies{
		Orders:   orderService,
		Payments: paymentService,
		Resolver: resolver,
		Stock:    ledger,
		Jobs:     jobScheduler,
		Limiter:  redisClient,
		Readiness: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	}, api.RateLimitOptions{
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
	})
	handler.SetupRoutes(router)

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
	select {
	case <-quit:
	case <-gctx.Done():
		logger.Error("Background loop stopped", zap.Error(context.Cause(gctx)))
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := g.Wait(); err != nil {
		logger.Error("Background loop failed", zap.Error(err))
	}
	if err := pipelineWorker.Stop(); err != nil {
		logger.Warn("Failed to close jobs consumer", zap.Error(err))
	}

	logger.Info("Server exited")
}
