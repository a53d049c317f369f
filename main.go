package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/api"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/config"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/handlers"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/logger"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/service"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/syncer"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	cfg, err := config.Load(os.Getenv("COPYTRADER_CONFIG"))
	if err != nil {
		logger.New("info", "text").WithError(err).Fatal("failed to load config")
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		log.Debug("No .env file found, using defaults")
	}

	ctx := context.Background()
	ledger, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, cfg.Storage.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to init storage")
	}
	defer ledger.Close()

	var metrics syncer.MetricsStore = syncer.NewMemoryMetricsStore()
	if cfg.Storage.RedisAddr != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword)
		if err != nil {
			log.WithError(err).Warn("[main] Redis unavailable, executor metrics will be empty")
		} else {
			defer rdb.Close()
			metrics = syncer.NewRedisMetricsStore(rdb)
		}
	}

	data := api.NewClient(cfg.Network.DataAPIURL, api.ClientOptions{
		Timeout:    time.Duration(cfg.Network.RequestTimeoutMS) * time.Millisecond,
		RetryLimit: 1,
		Logger:     log,
	})
	var health *service.HealthChecker
	balance, err := api.NewBalanceClient(ctx, cfg.Network.RPCURL, cfg.Network.USDCContractAddress)
	if err != nil {
		log.WithError(err).Warn("[main] RPC unavailable, /health will skip chain probes")
		health = service.NewHealthChecker(ledger, nil, nil, data, "")
	} else {
		defer balance.Close()
		health = service.NewHealthChecker(ledger, balance, balance, data, cfg.Copy.ProxyWallet)
	}

	svc := service.NewService(ledger, metrics, health)

	r := handlers.NewRouter(svc, log)

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	go func() {
		log.Infof("Status server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("status server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("status server shutdown")
	}
	log.Info("Status server stopped")
}
