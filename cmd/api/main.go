package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/api"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/cache"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/config"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/cron"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/domain"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/listing"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/logging"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/provider"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/queue"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/ratelimit"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/storage"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := migrate(cfg.PostgresDSN); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	tiered := cache.New(cfg.CachePrefix, cfg.CacheThreshold,
		cache.NewMemoryTier(), cache.NewRedisTier(rdb), logger)

	broker := token.NewBroker(store, cfg.ProviderTokenURL, cfg.ProviderAPIKey, cfg.ProviderSecret, nil, logger)
	tracker := ratelimit.New()
	gw := provider.NewGateway(cfg.ProviderBaseURL, cfg.ProviderAPIKey, broker, tracker, cfg.RequestTimeout, logger)

	listings := listing.New(gw, tiered, cfg.CacheMaxAge, logger)

	manager := queue.NewManager(store, queue.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		PollInterval:  cfg.PollInterval,
	}, logger)
	manager.Register(domain.KindCreateListing, listings.Handle)
	manager.Start(ctx)

	worker := cron.NewWorker(store, listings, cron.Config{
		BatchSize:      cfg.CronBatchSize,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		VerifyAttempts: cfg.VerifyAttempts,
		VerifyDelay:    cfg.VerifyDelay,
	}, logger)

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.New(manager, worker, tiered, cfg.CacheMaxAge, logger).Router(),
	}

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	manager.Stop()
	logger.Info("shutdown complete")
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
