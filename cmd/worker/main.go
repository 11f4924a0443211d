package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adboard/settlement/internal/config"
	"github.com/adboard/settlement/internal/db"
	apphttp "github.com/adboard/settlement/internal/http"
	"github.com/adboard/settlement/internal/ledger"
	"github.com/adboard/settlement/internal/lock"
	"github.com/adboard/settlement/internal/notifier"
	"github.com/adboard/settlement/internal/publisher"
	"github.com/adboard/settlement/internal/reconcile"
	"github.com/adboard/settlement/internal/repositories"
	"github.com/adboard/settlement/internal/scheduler"
	"github.com/adboard/settlement/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, "deploy/migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	tonClient, err := ledger.NewClient(ctx, ledger.Options{
		Network:        cfg.TONNetwork,
		LiteServerHost: cfg.LiteServerHost,
		LiteServerPort: cfg.LiteServerPort,
		LiteServerKey:  cfg.LiteServerKey,
		WalletSeed:     cfg.TONWalletSeed,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to TON", zap.Error(err))
	}

	store := repositories.NewStore(pool)
	locks := lock.NewService(rdb, log)
	events := notifier.NewRedis(rdb, log)
	tg := publisher.NewTelegram(cfg.BotInternalURL, log)

	runner := reconcile.NewRunner(store, locks, cfg.LockTTL, log)
	payments := reconcile.NewPaymentReconciler(runner, tonClient, events, cfg.ReconcileBatchSize, log)
	publications := reconcile.NewPublicationReconciler(runner, tg, events, cfg.ReconcileBatchSize, log)
	verifications := reconcile.NewVerificationReconciler(runner, tg, events, cfg.ContentDiffMaxPercent, cfg.ReconcileBatchSize, log)
	settlements := reconcile.NewSettlementReconciler(runner, tonClient, events, cfg.AutoReleaseAfter, cfg.ReconcileBatchSize, log)
	timeouts := reconcile.NewTimeoutReconciler(runner, events, cfg.ReconcileBatchSize, log)

	messageRepo := repositories.NewMessageRepo(pool)
	channelRepo := repositories.NewChannelRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	dealService := services.NewDealService(store.DealRepo, messageRepo, channelRepo, auditRepo,
		tonClient, settlements, events, cfg.PaymentPendingTimeout, cfg.DefaultMinPublicationDays, log)

	sched := scheduler.New(log)
	if cfg.Primary {
		sched.Add("payment_confirmation", cfg.PaymentCheckInterval, runJob(payments.Run, "payment_confirmation", log))
		sched.Add("publication", cfg.PublicationInterval, runJob(publications.Run, "publication", log))
		sched.Add("verification", cfg.VerificationInterval, runJob(verifications.Run, "verification", log))
		sched.Add("settlement", cfg.SettlementInterval, runJob(settlements.Run, "settlement", log))
		sched.Add("payment_timeout", cfg.TimeoutSweepInterval, runJob(timeouts.Run, "payment_timeout", log))
		sched.Start(ctx)
		log.Info("reconciliation scheduler started")
	} else {
		log.Info("worker running as standby, reconcilers disabled")
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	apphttp.NewDealHandler(dealService, log).Register(app)
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := pool.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "postgres": err.Error()})
		}
		if err := rdb.Ping(c.Context()).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "redis": err.Error()})
		}
		lastRuns := fiber.Map{}
		for name, t := range sched.LastRuns() {
			lastRuns[name] = t.Format(time.RFC3339)
		}
		return c.JSON(fiber.Map{"status": "ok", "primary": cfg.Primary, "last_runs": lastRuns})
	})
	go func() {
		if err := app.Listen(":" + cfg.WorkerPort); err != nil {
			log.Error("health server stopped", zap.Error(err))
		}
	}()

	log.Info("worker started", zap.String("port", cfg.WorkerPort), zap.Bool("primary", cfg.Primary))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down worker")
	cancel()
	sched.Wait()
	_ = app.Shutdown()
}

func runJob(run func(ctx context.Context) error, name string, log *zap.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := run(ctx); err != nil {
			log.Error("reconciliation cycle failed", zap.String("job", name), zap.Error(err))
		}
	}
}
