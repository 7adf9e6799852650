package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"escrowflow/internal/cache"
	"escrowflow/internal/chain"
	"escrowflow/internal/config"
	"escrowflow/internal/gateway"
	"escrowflow/internal/handler"
	"escrowflow/internal/httpserver"
	"escrowflow/internal/lifecycle"
	"escrowflow/internal/mqhandler"
	"escrowflow/internal/notify"
	"escrowflow/internal/reconcile"
	"escrowflow/internal/repository"
	"escrowflow/pkg/db"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/mq"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/outbox"
	redisclient "escrowflow/pkg/redis"
	"escrowflow/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewWithOptions(cfg.Log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting escrow server...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int64("chain_id", cfg.Chain.ChainID),
		zap.String("guard", cfg.Guard.Backend),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    "escrow-server",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, log)
	if err != nil {
		log.Warn("Failed to init tracing, continuing without it", zap.Error(err))
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	// DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	jobRepo := repository.NewJobRepository(dbConn)
	milestoneRepo := repository.NewMilestoneRepository(dbConn, jobRepo)
	ledgerRepo := repository.NewLedgerRepository(dbConn)
	reconcileRepo := repository.NewReconcileRepository(dbConn)

	// 启动时一次性加载缓存，之后只做合并
	store := cache.NewStore(log)
	jobs, err := jobRepo.ListJobs(ctx)
	if err != nil {
		log.Fatal("Failed to load jobs", zap.Error(err))
	}
	store.Load(jobs)
	log.Info("Job cache loaded", zap.Int("jobs", len(jobs)))

	// MQ
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Chain
	wallet, err := chain.Dial(ctx, cfg.Chain, log)
	if err != nil {
		log.Fatal("Failed to dial chain", zap.Error(err))
	}
	defer wallet.Close()

	// Redis: 消费者去重、重试计数，以及可选的交付守卫
	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Failed to init redis", zap.Error(err))
	}
	defer rdb.Close()

	var guard lifecycle.Guard = lifecycle.NewMemoryGuard()
	if cfg.Guard.Backend == "redis" {
		guard = lifecycle.NewRedisGuard(rdb, cfg.Guard.DeliveringTTL, cfg.Guard.DeliveredTTL, log)
	}

	ctrl := lifecycle.NewController(lifecycle.Deps{
		Store:       store,
		Persistence: milestoneRepo,
		Bookkeeper:  ledgerRepo,
		Builder:     gateway.NewTxClient(cfg.Gateway.BaseURL, cfg.Gateway.Timeout, log),
		Wallet:      wallet,
		Guard:       guard,
		Queue:       reconcileRepo,
		Notifier:    notify.Multi{notify.NewLogNotifier(log), notify.NewMQNotifier(publisher, log)},
	},
		lifecycle.WithChainID(cfg.Chain.ChainID),
		lifecycle.WithArbiter(cfg.Chain.ArbiterAddr),
		lifecycle.WithInlineRetry(cfg.Reconcile.InlineMaxElapsed),
		lifecycle.WithLogger(log),
	)

	// 对账调度
	runner := reconcile.NewRunner(reconcileRepo, milestoneRepo, store, cfg.Reconcile.BatchSize, cfg.Reconcile.MaxRetries, log,
		reconcile.WithBookkeeper(ledgerRepo, cfg.Chain.ChainID),
		reconcile.WithConfirmer(wallet),
		reconcile.WithGuard(guard),
	)
	scheduler, err := reconcile.NewScheduler(ctx, runner, cfg.Reconcile.Interval, log)
	if err != nil {
		log.Fatal("Failed to init reconcile scheduler", zap.Error(err))
	}
	scheduler.Start()

	// Outbox 可以由独立的 worker 进程发送
	if cfg.Outbox.Embedded {
		dispatcher := outbox.NewDispatcher(outbox.NewRepository(dbConn), publisher, log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)
	}

	// MQ consumers 和缓存在同一进程，合并才对 HTTP 可见
	disputeHandler := mqhandler.NewDisputeResolvedHandler(
		ctrl,
		util.NewDeduper(rdb, cfg.Consumer.DedupTTL, log),
		util.NewRetryCounter(rdb, cfg.Consumer.DedupTTL),
		publisher,
		cfg.Consumer.MaxRetries,
		log,
	)
	marketplaceHandler := mqhandler.NewMarketplaceHandler(store, log)

	consumers := []struct {
		queue      string
		routingKey string
		handle     mq.MessageHandler
	}{
		{"escrow.dispute.resolved.q", mq.RoutingDisputeResolved, disputeHandler.Handle},
		{"escrow.bid.updated.q", mq.RoutingBidUpdated, marketplaceHandler.HandleBidUpdated},
		{"escrow.application.updated.q", mq.RoutingApplicationUpdated, marketplaceHandler.HandleApplicationUpdated},
	}
	for _, c := range consumers {
		log.Info("Initializing MQ consumer...", zap.String("queue", c.queue), zap.String("routing_key", c.routingKey))
		consumer, err := mq.NewConsumer(cfg.MQ.URL, c.queue, c.routingKey, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("queue", c.queue), zap.Error(err))
		}
		defer consumer.Close()
		consumer.SetHandler(c.handle)

		go func(queue string) {
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("Consumer stopped", zap.String("queue", queue), zap.Error(err))
			}
		}(c.queue)
	}

	// HTTP
	ready := func(ctx context.Context) error {
		if err := dbConn.Ping(ctx); err != nil {
			return err
		}
		if !publisher.IsConnected() {
			return errors.New("mq publisher disconnected")
		}
		return nil
	}
	router := httpserver.NewRouter(handler.NewMilestoneHandler(ctrl, log), cfg.JWT.Secret, ready, log)
	srv := router.Server(cfg.Server.Port)

	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down escrow server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := scheduler.Shutdown(); err != nil {
		log.Error("Reconcile scheduler shutdown error", zap.Error(err))
	}

	log.Info("escrow server shutdown complete")
}
