package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal" // To listen for Ctrl+C
	"sync"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/redis/go-redis/v9"

	"github.com/ibrahimkeyboad/gopay/internal/adapter/handler"
	"github.com/ibrahimkeyboad/gopay/internal/adapter/locking"
	"github.com/ibrahimkeyboad/gopay/internal/adapter/middleware"
	"github.com/ibrahimkeyboad/gopay/internal/adapter/ratelimit"
	"github.com/ibrahimkeyboad/gopay/internal/adapter/refgen"
	"github.com/ibrahimkeyboad/gopay/internal/adapter/storage"
	"github.com/ibrahimkeyboad/gopay/internal/core/config"
	"github.com/ibrahimkeyboad/gopay/internal/core/ledger"
	"github.com/ibrahimkeyboad/gopay/internal/core/notifications"
	"github.com/ibrahimkeyboad/gopay/internal/core/worker"
)

// backend is everything the selected store provides.
type backend struct {
	store     ledger.Store
	directory handler.Directory
	keys      middleware.KeyResolver
	replies   middleware.ReplyStore
	outbox    *storage.WebhookRepository
	close     func()
}

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("❌ Invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Setup Logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	pol, err := cfg.Policy()
	if err != nil {
		slog.Error("❌ Invalid policy", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Redis (rate limiting, distributed locks)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("❌ Redis connection failed", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	var locker locking.Locker = locking.NewKeyedMutex()
	if cfg.Locks == config.LocksRedis {
		locker = locking.NewRedisLocker(rdb, locking.DefaultRedisOptions(), logger)
	}

	// 4. Storage
	be, err := openBackend(ctx, cfg, locker)
	if err != nil {
		slog.Error("❌ Storage setup failed", "error", err, "store", cfg.Store)
		os.Exit(1)
	}

	// 5. Engine
	refs, err := refgen.NewSnowflake(cfg.NodeID)
	if err != nil {
		slog.Error("❌ Invalid NODE_ID", "error", err)
		os.Exit(1)
	}

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithLockTimeout(cfg.LockTimeout),
	}
	if rdb != nil {
		opts = append(opts, ledger.WithRateLimiter(
			ratelimit.NewRedisLimiter(rdb, cfg.RateLimitMax, cfg.RateLimitWindow, logger)))
	} else {
		slog.Warn("⚠️ REDIS_ADDR is not set, rate limiting is disabled")
	}
	if cfg.WebhookURL != "" {
		if be.outbox != nil {
			opts = append(opts, ledger.WithNotifier(notifications.NewOutbox(be.outbox, cfg.WebhookURL)))
		} else {
			slog.Warn("⚠️ Webhooks need STORE=postgres, events will not be sent")
		}
	}
	engine := ledger.NewService(be.store, refs, pol, opts...)

	// 6. Setup Fiber
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	// 7. Routes
	handler.Routes(app,
		&handler.AccountHandler{Repo: be.directory},
		&handler.TransactionHandler{Engine: engine},
		middleware.Protected(be.keys),
		middleware.Idempotency(be.replies, locker),
	)

	// 8. Start Workers
	var workers sync.WaitGroup
	start := func(run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(ctx)
		}()
	}

	start(worker.NewReconciler(engine, cfg.ReconcileInterval, cfg.ReconcileStaleAfter, logger).Run)
	if be.outbox != nil && cfg.WebhookURL != "" {
		sender := notifications.NewSender(cfg.WebhookSecret, notifications.DefaultSenderOptions(), logger)
		start(worker.NewWebhookWorker(be.outbox, sender, logger).Run)
	}

	// Run Server in a separate Goroutine so it doesn't block
	go func() {
		slog.Info("🚀 Server starting", "env", cfg.Env, "port", cfg.Port, "store", cfg.Store, "locks", cfg.Locks)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			stop()
		}
	}()

	// Block here until we receive a stop signal
	<-ctx.Done()
	slog.Info("🛑 Shutting down server...")

	// Stop accepting new requests and finish active ones
	if err := app.Shutdown(); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	workers.Wait()

	be.close()
	slog.Info("👋 Server exited successfully")
}

func openBackend(ctx context.Context, cfg *config.Config, locker locking.Locker) (*backend, error) {
	if cfg.Store == config.StoreMemory {
		slog.Warn("⚠️ Using the in-memory store, nothing survives a restart")
		mem := storage.NewMemoryStore(locker)
		return &backend{
			store:     mem,
			directory: mem,
			keys:      mem,
			replies:   mem,
			close:     func() {},
		}, nil
	}

	if err := storage.Migrate(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	dbPool, err := storage.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	accounts := storage.NewAccountRepository(dbPool)
	return &backend{
		store:     storage.NewLedgerRepository(dbPool),
		directory: accounts,
		keys:      accounts,
		replies:   storage.NewIdempotencyRepository(dbPool),
		outbox:    storage.NewWebhookRepository(dbPool),
		close: func() {
			dbPool.Close()
			slog.Info("✅ Database connection closed")
		},
	}, nil
}
