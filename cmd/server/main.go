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

	"shop-core/config"
	"shop-core/internal/api"
	"shop-core/internal/broker"
	"shop-core/internal/cache"
	"shop-core/internal/models"
	"shop-core/internal/service"
	"shop-core/internal/store"
	"shop-core/internal/store/memstore"
	"shop-core/internal/util"
	"shop-core/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const gatewayMaxDelay = 500 * time.Millisecond

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shop core", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
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

	checks := map[string]api.ReadinessCheck{}

	var repo store.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = memstore.New()
		logger.Warn("Using in-memory store; data is lost on exit")
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		checks["database"] = db.Ping
		repo = db
		logger.Info("Database connected")
	}

	var (
		appCache cache.Cache
		locker   cache.Locker
	)
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rc.Close()
		checks["redis"] = rc.Ping
		appCache, locker = rc, rc
		logger.Info("Redis connected")
	} else {
		mc := cache.NewMemoryCache()
		appCache, locker = mc, mc
	}

	// Each worker reads its own stream of the order topic
	var (
		sink                       broker.Sink
		orderSource, paymentSource broker.Source
	)
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		sink = producer
		orderSource = broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.OrderConsumerGroup)
		paymentSource = broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.PaymentConsumerGroup)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else {
		bus := broker.NewLocalBus()
		sink = bus
		orderSource, paymentSource = bus.Subscribe(), bus.Subscribe()
		logger.Warn("Kafka disabled; events stay in process")
	}
	eventPublisher := broker.NewEventPublisher(sink)

	pricing := service.Pricing{
		TaxRate: cfg.Business.TaxRate,
		Shipping: map[string]decimal.Decimal{
			models.ShippingStandard: cfg.Business.ShippingStandard,
			models.ShippingExpress:  cfg.Business.ShippingExpress,
			models.ShippingPickup:   cfg.Business.ShippingPickup,
		},
	}
	gateway := service.NewMockGateway(cfg.Business.PaymentSuccessRate, gatewayMaxDelay)

	inventoryService := service.NewInventoryService(repo, appCache, cfg.Redis.CacheTTL)
	cartService := service.NewCartService(repo)
	orderService := service.NewOrderService(repo, inventoryService, eventPublisher, pricing)
	paymentService := service.NewPaymentService(repo, gateway, eventPublisher, cfg.Business.RiskScoreLimit)
	rfmService := service.NewRFMService(repo, appCache, cfg.Redis.CacheTTL)
	analyticsService := service.NewAnalyticsService(repo, appCache, cfg.Redis.CacheTTL, eventPublisher)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	orderWorker := worker.NewOrderWorker(orderSource, paymentService)
	go func() {
		if err := orderWorker.Start(workerCtx); err != nil {
			logger.Error("Order worker error", zap.Error(err))
		}
	}()

	paymentWorker := worker.NewPaymentWorker(paymentSource, paymentService)
	go func() {
		if err := paymentWorker.Start(workerCtx); err != nil {
			logger.Error("Payment worker error", zap.Error(err))
		}
	}()

	scheduler := worker.NewScheduler(locker, cfg.Scheduler.LockTTL,
		worker.MaintenanceJobs(rfmService, analyticsService, cfg.Scheduler.RFMInterval, cfg.Scheduler.ReportInterval)...)
	if cfg.Scheduler.Enabled {
		scheduler.Start(workerCtx)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Inventory: inventoryService,
		Carts:     cartService,
		Orders:    orderService,
		Payments:  paymentService,
		RFM:       rfmService,
		Analytics: analyticsService,
	}, checks)
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
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler did not stop in time", zap.Error(err))
	}
	workerCancel()
	if err := orderWorker.Stop(); err != nil {
		logger.Warn("Failed to stop order worker", zap.Error(err))
	}
	if err := paymentWorker.Stop(); err != nil {
		logger.Warn("Failed to stop payment worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
