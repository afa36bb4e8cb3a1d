package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"uniattend/internal/config"
	"uniattend/internal/queue"
	"uniattend/internal/store"
	"uniattend/internal/tally"
)

// Worker consumes attendance events and keeps per-session tallies in Redis.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" {
		log.Fatal("worker needs QUEUE_BACKEND=redis; the API tallies in-process with the memory queue")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if !redisClient.Healthy(pingCtx) {
		log.Printf("WARNING: redis not reachable at %s, will keep retrying", cfg.RedisAddr)
	}
	pingCancel()

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	counts := tally.NewRedis(redisClient.Client, 0)

	if cfg.WorkerMetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			log.Printf("worker metrics on %s", cfg.WorkerMetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	log.Println("worker started, waiting for messages...")
	if err := tally.Run(ctx, q, counts); err != nil && ctx.Err() == nil {
		log.Fatalf("worker failed: %v", err)
	}
	log.Println("worker stopped")
}
