package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"player-order-service/internal/api"
	"player-order-service/internal/catalog"
	"player-order-service/internal/checkpoint"
	"player-order-service/internal/config"
	"player-order-service/internal/escrow"
	"player-order-service/internal/estimate"
	"player-order-service/internal/events"
	"player-order-service/internal/keylock"
	"player-order-service/internal/lifecycle"
	"player-order-service/internal/penalty"
	"player-order-service/internal/queue"
	"player-order-service/internal/ratelimit"
	"player-order-service/internal/rating"
	"player-order-service/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("load catalog: %v", err)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	wallet := escrow.NewHTTPWallet(cfg.WalletURL, cfg.ServiceTimeout)
	ledger := escrow.New(st, wallet, cfg.HoldAttempts, cfg.HoldBackoff)
	publisher := events.NewPublisher(redisClient, "")
	locks := lifecycle.RedisLocks{Locker: keylock.New(redisClient, "orderlock:", cfg.LockTTL)}
	profiles := lifecycle.NewHTTPProfiles(cfg.ProfileURL, cfg.ServiceTimeout)
	factions := estimate.NewHTTPFactions(cfg.FactionURL, cfg.ServiceTimeout)
	estimator := estimate.New(cat, factions, cfg.ServiceTimeout)

	orders := lifecycle.New(st, ledger, estimator, penalty.New(cat.Penalty), profiles, publisher, locks, lifecycle.Config{
		CheckpointPolicy:       checkpoint.Policy(cfg.CheckpointPolicy),
		DefaultExecutionWindow: cfg.ExecutionWindow,
		LockRetry:              cfg.LockRetry,
	})

	recalcQueue := queue.NewRecalcQueue(redisClient, cfg.VisibilityTimeout)
	moderation := rating.NewHTTPModeration(cfg.ModerationURL, cfg.ServiceTimeout)
	ratings := rating.New(st, recalcQueue, moderation, publisher, cat)

	limiter := ratelimit.NewActorBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, orders, ratings, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
