package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel, "fulfillment-service"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer(util.TracingOptions{
		ServiceName:    "fulfillment-service",
		Environment:    cfg.Server.Env,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	eventPublisher := broker.NewEventPublisher(producer)

	inventoryService := service.NewInventoryService(db)
	walletService := service.NewWalletService(db)
	checkoutService := service.NewCheckoutService(db, eventPublisher, redisClient, redisClient, service.CheckoutOptions{
		BankName:         cfg.Bank.Name,
		AccountNumber:    cfg.Bank.AccountNumber,
		AccountName:      cfg.Bank.AccountName,
		CodePrefix:       cfg.Bank.CodePrefix,
		USDTRate:         cfg.Business.USDTRate,
		DepositMinAmount: cfg.Business.DepositMinAmount,
		DepositMaxAmount: cfg.Business.DepositMaxAmount,
		DirectOrderTTL:   cfg.Reconcile.DirectOrderTTL,
		FastPollWindow:   cfg.Reconcile.FastWindow,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var reconcileWorker *worker.ReconcileWorker
	workerDone := make(chan struct{})
	if cfg.Reconcile.Enabled {
		feed := gateway.NewClient(gatewayToken(db, cfg.Gateway.APIToken), cfg.Gateway.Timeout,
			gateway.WithBaseURL(cfg.Gateway.BaseURL),
			gateway.WithPageSize(cfg.Gateway.Limit),
			gateway.WithDateRange(cfg.Gateway.FromDate, cfg.Gateway.ToDate),
		)
		reconciler := service.NewReconciler(db, feed, eventPublisher, cfg.Reconcile.DirectOrderTTL)

		var consumer *broker.Consumer
		if cfg.Reconcile.ConsumerEnabled {
			consumer = broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
		}

		reconcileWorker = worker.NewReconcileWorker(reconciler, redisClient, consumer, worker.Options{
			Interval:     cfg.Reconcile.Interval,
			FastInterval: cfg.Reconcile.FastInterval,
			TickTimeout:  cfg.Reconcile.TickTimeout,
			LockTTL:      cfg.Reconcile.LockTTL,
		})
		go func() {
			defer close(workerDone)
			if err := reconcileWorker.Start(workerCtx); err != nil {
				log.Printf("Reconcile worker error: %v", err)
			}
		}()
	} else {
		close(workerDone)
		logger.Warn("Reconciliation disabled; payments will not be matched by this instance")
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_API_TOKEN not set; admin routes are disabled")
	}

	router := gin.New()
	handler := api.NewHandler(checkoutService, inventoryService, walletService, map[string]api.Pinger{
		"database": db,
		"redis":    redisClient,
	}, cfg.Server.AdminToken)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if reconcileWorker != nil {
		reconcileWorker.Stop()
	}

	// A running tick finishes unless the shutdown deadline passes first.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Reconcile worker did not stop in time")
		workerCancel()
	}

	logger.Info("Server exited")
}

// gatewayToken prefers the operator-managed setting so the token can be
// rotated without a restart.
func gatewayToken(db *store.Store, fallback string) gateway.TokenSource {
	return func(ctx context.Context) (string, error) {
		token, err := db.GetSetting(ctx, store.SettingGatewayToken, "")
		if err != nil {
			return "", err
		}
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
		return fallback, nil
	}
}
