package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drtdispatch/internal/api"
	"drtdispatch/internal/auth"
	"drtdispatch/internal/buildinfo"
	"drtdispatch/internal/config"
	"drtdispatch/internal/detour"
	"drtdispatch/internal/dispatch"
	"drtdispatch/internal/insertion"
	"drtdispatch/internal/logging"
	"drtdispatch/internal/metrics"
	"drtdispatch/internal/notify"
	"drtdispatch/internal/store"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "drtdispatch.yaml", "path to config file")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

func run(cfg *config.Config, log *zap.Logger) error {
	metrics.RegisterDefault()

	// Store: Postgres when configured, otherwise in-memory
	var st store.Store
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer func() { _ = pg.Close() }()
		if cfg.Database.Migrations != "" {
			if err := pg.MigrateDir(cfg.Database.Migrations); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
	}

	// Redis fronts vehicle reads and carries decision events between replicas
	var broker api.EventBroker = api.NewBroker()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		st = store.NewCached(st, rdb, cfg.Redis.CacheTTL, log.Named("cache"))
		broker = api.NewRedisBroker(rdb, log.Named("broker"))
	}

	var detours detour.Provider = detour.None{}
	if cfg.Detour.URL != "" {
		detours = detour.NewHTTPProvider(cfg.Detour.URL,
			detour.WithAPIKey(cfg.Detour.APIKey),
			detour.WithHTTPClient(&http.Client{Timeout: cfg.Detour.Timeout}),
			detour.WithRateLimit(cfg.Detour.RateRPS, cfg.Detour.RateBurst),
			detour.WithLogger(log.Named("detour")),
			detour.WithObserver(metrics.ObserveDetour),
		)
	} else {
		log.Warn("DETOUR_URL not set, candidates must carry their own detour data")
	}

	strategy, err := insertion.StrategyByName(cfg.Dispatch.CostStrategy)
	if err != nil {
		return err
	}
	dopts := []dispatch.Option{
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithLogger(log.Named("dispatch")),
		dispatch.WithMetrics(metrics.DispatchRecorder{}),
	}
	if cfg.Dispatch.AcceptThreshold != nil {
		dopts = append(dopts, dispatch.WithAcceptThreshold(*cfg.Dispatch.AcceptThreshold))
	}
	disp := dispatch.New(insertion.NewEvaluator(strategy), dopts...)

	sopts := []dispatch.ServiceOption{
		dispatch.WithEmitter(api.Emitter{Broker: broker}),
		dispatch.WithStrategyName(cfg.Dispatch.CostStrategy),
		dispatch.WithServiceLogger(log.Named("service")),
	}
	var worker *notify.Worker
	if cfg.Notify.URL != "" {
		sopts = append(sopts, dispatch.WithNotifier(notify.NewPublisher(st, cfg.Notify.URL, cfg.Notify.Secret)))
		worker = notify.NewWorker(st,
			notify.WithLogger(log.Named("notify")),
			notify.WithObserver(metrics.ObserveNotify),
			notify.WithMaxAttempts(cfg.Notify.MaxAttempts),
			notify.WithInterval(cfg.Notify.PollInterval),
		)
	}
	svc := dispatch.NewService(disp, st, st, detours, sopts...)

	verifier, err := auth.NewVerifier(auth.Config{
		Mode:        cfg.Auth.Mode,
		HMACSecret:  cfg.Auth.HMACSecret,
		JWKSURL:     cfg.Auth.JWKSURL,
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
		TenantClaim: cfg.Auth.TenantClaim,
		RoleClaim:   cfg.Auth.RoleClaim,
	})
	if err != nil {
		return err
	}
	if verifier.Mode() == auth.ModeDev {
		log.Warn("AUTH_MODE=dev, tenant and role headers are trusted")
	}

	server := &api.Server{
		Store:         st,
		Dispatch:      svc,
		Broker:        broker,
		Log:           log.Named("http"),
		Auth:          verifier,
		DefaultTenant: cfg.Server.DefaultTenant,
		Settings:      settings(cfg),
	}
	if cfg.Server.RateRPS > 0 {
		server.Limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateRPS), cfg.Server.RateBurst)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if worker != nil {
		worker.Start()
		defer worker.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", zap.String("addr", srv.Addr), zap.String("version", buildinfo.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// settings is the redacted config view served by /debug/build.
func settings(cfg *config.Config) map[string]any {
	return map[string]any{
		"port":             cfg.Server.Port,
		"rate_rps":         cfg.Server.RateRPS,
		"rate_burst":       cfg.Server.RateBurst,
		"has_database_url": cfg.Database.URL != "",
		"has_redis_url":    cfg.Redis.URL != "",
		"detour_url":       cfg.Detour.URL,
		"workers":          cfg.Dispatch.Workers,
		"cost_strategy":    cfg.Dispatch.CostStrategy,
		"accept_threshold": cfg.Dispatch.AcceptThreshold,
		"notify_url":       cfg.Notify.URL,
		"notify_attempts":  cfg.Notify.MaxAttempts,
		"auth_mode":        cfg.Auth.Mode,
	}
}
