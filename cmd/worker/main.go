package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"player-order-service/internal/catalog"
	"player-order-service/internal/config"
	"player-order-service/internal/queue"
	"player-order-service/internal/rating"
	"player-order-service/internal/store"
	"player-order-service/internal/telemetry"
	"player-order-service/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	recalcQueue := queue.NewRecalcQueue(redisClient, cfg.VisibilityTimeout)
	ratings := rating.New(st, recalcQueue, nil, nil, cat)
	processor := worker.NewProcessor(cfg, recalcQueue, st, ratings, workerID)

	var archive worker.ArchiveStore
	if cfg.ProofBucket != "" {
		s3Store, err := worker.NewS3Store(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 archive store: %v", err)
		}
		archive = s3Store
	} else {
		archive = worker.NewLocalStore(cfg.ProofDir)
	}
	archiver := worker.NewProofArchiver(redisClient, "", st, archive, cfg.ProofPrefix)
	go func() {
		if err := archiver.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("archiver stopped: %v", err)
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with visibility=%s", workerID, cfg.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
