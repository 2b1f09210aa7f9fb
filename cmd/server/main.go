package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/apikey"
	jwtpkg "github.com/daymade/claude-relay-service/internal/auth/jwt"
	"github.com/daymade/claude-relay-service/internal/breaker"
	"github.com/daymade/claude-relay-service/internal/config"
	"github.com/daymade/claude-relay-service/internal/crypto"
	"github.com/daymade/claude-relay-service/internal/logger"
	"github.com/daymade/claude-relay-service/internal/monitoring"
	"github.com/daymade/claude-relay-service/internal/oauth"
	"github.com/daymade/claude-relay-service/internal/pool"
	"github.com/daymade/claude-relay-service/internal/pricing"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
	"github.com/daymade/claude-relay-service/internal/relay"
	"github.com/daymade/claude-relay-service/internal/scheduler"
	"github.com/daymade/claude-relay-service/internal/store"
	"github.com/daymade/claude-relay-service/internal/store/hybrid"
	"github.com/daymade/claude-relay-service/internal/store/memory"
	redisstore "github.com/daymade/claude-relay-service/internal/store/redis"
	httptransport "github.com/daymade/claude-relay-service/internal/transport/http"
	"github.com/daymade/claude-relay-service/internal/usage"
	"github.com/daymade/claude-relay-service/internal/websocket"
)

// main 组合根：按依赖顺序显式构建组件，停机时逆序拆除。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting claude-relay-service",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 观测指标先于存储创建，存储降级状态直接上报
	metrics := monitoring.NewMetrics()

	// 存储层：Redis 优先，失败时按配置降级
	var kv store.KV
	redisClient, err := redisstore.New(redisstore.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, log)
	switch {
	case err == nil:
		hybridStore := hybrid.New(redisClient, log)
		hybridStore.SetStateListener(func(degraded bool) {
			if degraded {
				metrics.StoreDegraded.Set(1)
			} else {
				metrics.StoreDegraded.Set(0)
			}
		})
		kv = hybridStore
	case cfg.Redis.Required:
		panic(fmt.Sprintf("failed to connect to Redis: %v", err))
	default:
		log.Warn("Redis unreachable, using in-process store", zap.Error(err))
		kv = memory.NewStore()
	}

	// 加密门面
	cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize cipher: %v", err))
	}

	// 后台任务队列
	tasks := pool.NewWorkerPool(2, 1024, log)
	tasks.Start(ctx)
	usageQueue := pool.NewWorkerPool(cfg.Usage.Workers, cfg.Usage.QueueSize, log)
	usageQueue.Start(ctx)

	// 领域组件
	limiter := ratelimit.NewLimiter(kv, log)
	inflight := ratelimit.NewInflightTracker(kv, cfg.Scheduler.InflightGrace, log)
	inflight.StartReaper(ctx, time.Minute)

	accounts := account.NewRepository(kv, cipher, log)
	if err := accounts.StartInvalidationListener(ctx); err != nil {
		log.Warn("failed to start invalidation listener", zap.Error(err))
	}

	keys := apikey.NewService(kv, limiter, tasks, log)
	breakers := breaker.NewRegistry()
	oauthMgr := oauth.NewManager(accounts, kv, cfg.Providers, log)

	sched := scheduler.New(accounts, inflight, breakers, kv, cfg.Scheduler.SessionTTL, log)
	sched.WatchEvents(ctx, oauthMgr.Events())

	// 周期采集账户在途数与熔断状态
	monitoring.NewCollector(metrics, accounts, inflight, breakers, log).Start(ctx, 15*time.Second)

	engine := relay.NewEngine(cfg.Relay, cfg.Providers, oauthMgr, accounts, breakers, log)

	// 用量管道
	prices := pricing.NewTable()
	recorder := usage.NewRecorder(kv, usageQueue, limiter, keys, prices, cfg.Usage.RetentionDays, log)
	recorder.WithMetrics(metrics)

	hub := websocket.NewHub(log)
	go hub.Run()
	recorder.WithHub(hub)

	var sink *usage.PostgresSink
	if cfg.Usage.PostgresDSN != "" {
		sink, err = usage.NewPostgresSink(cfg.Usage.PostgresDSN, log)
		if err != nil {
			log.Warn("usage sink unavailable", zap.Error(err))
		} else {
			recorder.WithSink(sink)
		}
	}

	healthChecker := monitoring.NewHealthChecker(kv, log)

	jwtManager := jwtpkg.NewManager(cfg.Security.JWTSecret, "claude-relay-service", cfg.Security.JWTExpiry)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:        cfg,
		Keys:          keys,
		Accounts:      accounts,
		Scheduler:     sched,
		Engine:        engine,
		Limiter:       limiter,
		Usage:         recorder,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Hub:           hub,
		JWTManager:    jwtManager,
		Logger:        log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown error", zap.Error(err))
		}

		// 逆序拆除：先排空记账队列，再关广播与存储
		if !usageQueue.Drain(cfg.Usage.DrainTimeout) {
			log.Warn("usage queue drain incomplete")
		}
		tasks.Drain(3 * time.Second)
		hub.Close()
		if sink != nil {
			_ = sink.Close()
		}
		if err := kv.Close(); err != nil {
			log.Warn("store close error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server terminated", zap.Error(err))
	}
	log.Info("claude-relay-service stopped")
}
