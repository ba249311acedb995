package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quotegen/cmd/quote-orchestrator/internal/biz"
	"quotegen/cmd/quote-orchestrator/internal/data"
	"quotegen/cmd/quote-orchestrator/internal/domain"
	"quotegen/cmd/quote-orchestrator/internal/infrastructure"
	"quotegen/cmd/quote-orchestrator/internal/server"
	"quotegen/cmd/quote-orchestrator/internal/service"
	"quotegen/pkg/config"
	"quotegen/pkg/logger"
	"quotegen/pkg/observability"
	"quotegen/pkg/resilience"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/posthog/posthog-go"
	_ "go.uber.org/automaxprocs"
)

var (
	// Version 构建时注入
	Version = "dev"

	flagConf = flag.String("conf", "configs/config.yaml", "config file path")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "quote-orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*flagConf)
	if err != nil {
		return err
	}

	zl, loggerCleanup, err := logger.New(cfg.Log.Level, "quote-orchestrator")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer loggerCleanup()

	kl := log.With(zl, "version", Version)
	helper := log.NewHelper(kl)
	helper.Infof("starting quote-orchestrator %s", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 追踪
	tracingShutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "quote-orchestrator",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(shutdownCtx); err != nil {
			helper.Warnf("tracing shutdown: %v", err)
		}
	}()

	loc, err := time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		return fmt.Errorf("load quota timezone: %w", err)
	}

	// 提供商目录与客户端
	registry := domain.NewProviderRegistry()
	rateLimits := make(map[string]int64, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p := &domain.Provider{
			ID:              pc.ID,
			Family:          pc.Family,
			Model:           pc.Model,
			Tier:            domain.Tier(pc.Tier),
			Quality:         pc.Quality,
			CostPer1KTokens: pc.CostPer1KTokens,
			NominalLatency:  time.Duration(pc.NominalLatencyMs) * time.Millisecond,
			RatePerMinute:   pc.RatePerMinute,
			Timeout:         pc.Timeout,
			Priority:        pc.Priority,
			Enabled:         pc.Enabled,
		}
		client := infrastructure.NewHTTPProviderClient(pc.ID, pc.Endpoint, pc.Model, pc.APIKeyEnv)
		registry.Register(p, client)
		rateLimits[pc.ID] = pc.RatePerMinute
	}

	quotaLimits := map[domain.UserTier]int64{}
	for tier, limit := range cfg.Quota.DailyLimits {
		quotaLimits[domain.UserTier(tier)] = limit
	}

	// 计数存储：单实例用内存，多实例共享用Redis
	var (
		quotaStore     domain.QuotaStore
		rateLimitStore domain.RateLimitStore
	)
	switch cfg.Store.Backend {
	case "redis":
		redisClient, redisCleanup, err := data.NewRedis(&data.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, kl)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer redisCleanup()

		quotaStore = data.NewGuardedQuotaStore(
			data.NewRedisQuotaStore(redisClient, quotaLimits, loc, kl), kl)
		rateLimitStore = data.NewGuardedRateLimitStore(
			data.NewRedisRateLimitStore(redisClient, rateLimits, time.Minute, kl), kl)

	default:
		quotaStore = data.NewMemoryQuotaStore(quotaLimits, loc)
		rateLimitStore = data.NewMemoryRateLimitStore(rateLimits, time.Minute)
	}

	// 尝试记录落地（可选）
	var (
		sink        domain.AttemptSink
		attemptRepo *data.ClickHouseAttemptRepo
	)
	if cfg.ClickHouse.Enabled {
		chClient, err := infrastructure.NewClickHouseClient(&infrastructure.ClickHouseConfig{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Debug:    cfg.ClickHouse.Debug,
		}, kl)
		if err != nil {
			return fmt.Errorf("init clickhouse: %w", err)
		}
		defer chClient.Close()

		attemptRepo = data.NewClickHouseAttemptRepo(chClient, kl)
		defer attemptRepo.Close()
		sink = attemptRepo
	}

	// 熔断器集合
	providerIDs := make([]string, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		providerIDs = append(providerIDs, pc.ID)
	}
	breakers := biz.NewBreakerSet(providerIDs, resilience.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Window:            cfg.Breaker.Window,
		Cooldown:          cfg.Breaker.Cooldown,
		MaxCooldown:       cfg.Breaker.MaxCooldown,
		BackoffMultiplier: cfg.Breaker.BackoffMultiplier,
		ProbeFraction:     cfg.Breaker.ProbeFraction,
		SuccessThreshold:  cfg.Breaker.SuccessThreshold,
	}, kl)

	attempts := biz.NewAttemptLog(cfg.Router.AttemptWindow, sink, kl)

	// 实验分配器
	var assigner biz.ExperimentAssigner = biz.NoopAssigner{}
	if cfg.Router.Experiment.Enabled {
		switch cfg.Router.Experiment.Assigner {
		case "posthog":
			if !cfg.PostHog.Enabled {
				return fmt.Errorf("router.experiment.assigner is posthog but posthog is disabled")
			}
			phClient, err := posthog.NewWithConfig(cfg.PostHog.APIKey, posthog.Config{
				Endpoint: cfg.PostHog.Host,
			})
			if err != nil {
				return fmt.Errorf("init posthog: %w", err)
			}
			defer phClient.Close()

			assigner = biz.NewPostHogAssigner(phClient, cfg.Router.Experiment.Name, kl)
		default:
			assigner = biz.NewHashAssigner(cfg.Router.Experiment.Name, cfg.Router.Experiment.Fraction)
		}
	}

	// 业务装配
	analyzer := biz.NewComplexityAnalyzer(cfg.Router.ComplexityThreshold, kl)
	router := biz.NewRouterUsecase(registry, breakers, rateLimitStore, attempts, assigner, kl)
	orchestrator := biz.NewOrchestrator(analyzer, router, registry, breakers, quotaStore, rateLimitStore, attempts, kl)
	svc := service.NewOrchestratorService(orchestrator, registry, breakers, attempts, quotaStore, kl)
	if attemptRepo != nil {
		svc.SetStatsSource(attemptRepo)
		svc.RegisterProbe("clickhouse", attemptRepo)
	}

	httpServer := server.NewHTTPServer(svc, kl, cfg.Server.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	helper.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	helper.Info("quote-orchestrator stopped")
	return nil
}
