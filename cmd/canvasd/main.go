package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openboard/canvasd/internal/canvas"
	"github.com/openboard/canvasd/internal/config"
	"github.com/openboard/canvasd/internal/httpapi"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", strings.TrimSpace(os.Getenv("CANVASD_CONFIG")), "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	stateBackend, err := canvas.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	broker, err := canvas.BuildBrokerFromDSN(cfg.BrokerDSN)
	if err != nil {
		log.Fatalf("failed to initialize broker: %v", err)
	}

	metrics := canvas.NewMetrics()
	store := canvas.NewStoreWithOptions(canvas.StoreOptions{
		StateBackend: stateBackend,
		Broker:       broker,
		LockTimeout:  cfg.LockTimeout,
		HistoryLimit: cfg.HistoryLimit,
		Metrics:      metrics,
	})
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	}).WithMetrics(metrics)

	if *configPath != "" {
		go func() {
			err := config.Watch(context.Background(), *configPath, func(updated config.Config) {
				store.SetLockTimeout(updated.LockTimeout)
				store.SetHistoryLimit(updated.HistoryLimit)
				log.Printf("config reloaded: lockTimeout=%s historyLimit=%d", updated.LockTimeout, updated.HistoryLimit)
			})
			if err != nil && err != context.Canceled {
				log.Printf("config watch stopped: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server)

	log.Printf("canvasd listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
