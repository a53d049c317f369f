package main

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/service"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/strategy"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/syncer"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "[worker] No .env file found, using environment variables")
	}

	rootCmd := &cobra.Command{
		Use:          "worker",
		Short:        "Polymarket copy-trading worker",
		Long:         `Mirrors the trades of followed Polymarket wallets into your own proxy wallet`,
		SilenceUsage: true,
		RunE:         runWorker,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config/default.yaml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start ingesting and copying trades",
			RunE:  runWorker,
		},
		&cobra.Command{
			Use:   "health",
			Short: "Probe the ledger, RPC node, balance and data API once",
			RunE:  runHealth,
		},
		&cobra.Command{
			Use:   "strategy",
			Short: "Print the active copy strategy and a recommendation for the current balance",
			RunE:  runStrategy,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps is everything the subcommands share.
type deps struct {
	cfg     *config.Config
	log     *logrus.Logger
	ledger  storage.TradeLedger
	redis   *redis.Client
	data    *api.Client
	balance *api.BalanceClient
}

func setup(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	d := &deps{cfg: cfg, log: log}

	d.ledger, err = storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	log.Infof("[worker] %s ledger ready", cfg.Storage.Driver)

	if cfg.Storage.RedisAddr != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword)
		if err != nil {
			log.WithError(err).Warn("[worker] Redis unavailable, using in-memory metrics and volume")
		} else {
			d.redis = rdb
		}
	}

	d.data = api.NewClient(cfg.Network.DataAPIURL, api.ClientOptions{
		Timeout:           time.Duration(cfg.Network.RequestTimeoutMS) * time.Millisecond,
		RetryLimit:        cfg.Network.NetworkRetryLimit,
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
		Logger:            log,
	})

	d.balance, err = api.NewBalanceClient(ctx, cfg.Network.RPCURL, cfg.Network.USDCContractAddress)
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *deps) Close() {
	if d.balance != nil {
		d.balance.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			d.log.WithError(err).Warn("[worker] Closing ledger")
		}
	}
}

func (d *deps) healthChecker() *service.HealthChecker {
	return service.NewHealthChecker(d.ledger, d.balance, d.balance, d.data, d.cfg.Copy.ProxyWallet)
}

func (d *deps) metricsStore() syncer.MetricsStore {
	if d.redis != nil {
		return syncer.NewRedisMetricsStore(d.redis)
	}
	return syncer.NewMemoryMetricsStore()
}

func (d *deps) volumeTracker() storage.VolumeTracker {
	if d.redis != nil {
		return storage.NewRedisVolumeTracker(d.redis)
	}
	return storage.NewMemoryVolumeTracker()
}

func (d *deps) clobClient() (*api.ClobClient, error) {
	auth, err := api.NewAuth(d.cfg.Copy.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	clob := api.NewClobClient(d.cfg.Network.ClobHTTPURL, auth, d.log)
	clob.SetFunder(d.cfg.Copy.ProxyWallet)
	clob.SetSignatureType(d.cfg.Copy.SignatureType)
	clob.SetTimeout(time.Duration(d.cfg.Network.RequestTimeoutMS) * time.Millisecond)
	return clob, nil
}

func maxAge(cfg *config.Config) time.Duration {
	if cfg.Ingest.TooOldMinutes != nil {
		return time.Duration(*cfg.Ingest.TooOldMinutes) * time.Minute
	}
	return time.Duration(cfg.Ingest.TooOldHours) * time.Hour
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	d, err := setup(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	cfg, log := d.cfg, d.log

	log.Infof("[worker] Tracking %d traders into %s", len(cfg.Copy.UserAddresses), models.ShortAddress(cfg.Copy.ProxyWallet))
	for _, trader := range cfg.Copy.UserAddresses {
		sc, _ := cfg.StrategyFor(trader)
		log.WithField("trader", trader).Infof("[worker] %s: %s", models.ShortAddress(trader), strategy.Describe(sc))
	}

	log.Info("[worker] Performing initial health check...")
	report := d.healthChecker().Check(ctx)
	service.LogHealthReport(log, report)
	if !report.Healthy {
		log.Warn("[worker] Health check failed, but continuing startup...")
	}

	metrics := d.metricsStore()
	svc := service.NewService(d.ledger, metrics, d.healthChecker())
	if sum, err := svc.StartupSummary(ctx, d.data, cfg.Copy.ProxyWallet, cfg.Copy.UserAddresses); err != nil {
		log.WithError(err).Warn("[worker] Startup summary unavailable")
	} else {
		service.LogStartupSummary(log, sum)
	}

	clob, err := d.clobClient()
	if err != nil {
		return err
	}

	ingestor := syncer.NewTradeIngestor(d.data, d.ledger, syncer.IngestorConfig{
		Traders:    cfg.Copy.UserAddresses,
		MaxAge:     maxAge(cfg),
		PageLimit:  cfg.Ingest.PageLimit,
		MaxPages:   cfg.Ingest.MaxPages,
		CopyMerges: cfg.Copy.CopyMerges,
	}, log)

	skipped, err := ingestor.ColdStart(ctx)
	if err != nil {
		return fmt.Errorf("cold start: %w", err)
	}
	if skipped > 0 {
		log.Infof("[worker] Marked %d unprocessed trades from a previous run as skipped", skipped)
	}

	executor := syncer.NewOrderExecutor(clob, d.ledger, d.volumeTracker(), syncer.ExecutorConfig{
		RetryLimit:         cfg.Execution.RetryLimit,
		MaxPriceSlippage:   cfg.Execution.MaxPriceSlippage,
		MinOrderSizeUSD:    cfg.Execution.MinOrderSizeUSD,
		MinOrderSizeTokens: cfg.Execution.MinOrderSizeTokens,
	}, log)

	var buffer *syncer.AggregationBuffer
	if cfg.Aggregation.Enabled {
		buffer = syncer.NewAggregationBuffer(time.Duration(cfg.Aggregation.WindowSeconds)*time.Second, cfg.Aggregation.MinTotalUSD)
		log.Infof("[worker] Aggregating BUYs under $%.2f for %ds", cfg.Aggregation.MinTotalUSD, cfg.Aggregation.WindowSeconds)
	}

	scheduler := syncer.NewScheduler(ingestor, executor, d.ledger, d.data, d.balance, buffer, metrics, syncer.SchedulerConfig{
		ProxyWallet:   cfg.Copy.ProxyWallet,
		FetchInterval: time.Duration(cfg.Ingest.FetchIntervalSec) * time.Second,
		PollInterval:  time.Duration(cfg.Execution.PollIntervalMS) * time.Millisecond,
		StrategyFor: func(trader string) strategy.Config {
			sc, _ := cfg.StrategyFor(trader)
			return sc
		},
	}, log)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	var stream *api.ActivityStream
	if cfg.Ingest.RealtimeEnabled {
		stream = api.NewActivityStream(cfg.Ingest.RealtimeWSURL, cfg.Copy.UserAddresses, scheduler.Trigger, log)
		if err := stream.Start(ctx); err != nil {
			log.WithError(err).Warn("[worker] Realtime feed unavailable, polling only")
			stream = nil
		}
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.Server.Port),
			Handler:      handlers.NewRouter(svc, log),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
		}
		go func() {
			log.Infof("[worker] Status server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("[worker] Status server failed")
			}
		}()
	}

	log.Info("[worker] Worker is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("[worker] Received %s, initiating graceful shutdown...", sig)

	go func() {
		<-sigCh
		log.Warn("[worker] Shutdown already in progress, forcing exit...")
		os.Exit(1)
	}()

	if stream != nil {
		stream.Stop()
	}
	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("[worker] Status server shutdown")
		}
		cancelShutdown()
	}
	grace := time.Duration(cfg.Shutdown.GracePeriodMS) * time.Millisecond
	if !scheduler.Stop(grace) {
		log.Warnf("[worker] Scheduler did not stop within %v", grace)
	}
	cancel()

	log.Info("[worker] Graceful shutdown completed")
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	d, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	report := d.healthChecker().Check(cmd.Context())
	service.LogHealthReport(d.log, report)
	if !report.Healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func runStrategy(cmd *cobra.Command, args []string) error {
	d, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	out := cmd.OutOrStdout()
	sc, err := d.cfg.CopyStrategy()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Active strategy:\n  %s\n", strategy.Describe(sc))
	for _, trader := range d.cfg.Copy.UserAddresses {
		if tsc, overridden := d.cfg.StrategyFor(trader); overridden {
			fmt.Fprintf(out, "  %s: %s\n", models.ShortAddress(trader), strategy.Describe(tsc))
		}
	}

	balance, err := d.balance.GetUSDCBalance(cmd.Context(), d.cfg.Copy.ProxyWallet)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	fmt.Fprintf(out, "\nBalance: $%.2f\nRecommended:\n  %s\n", balance, strategy.Describe(strategy.Recommended(balance)))
	return nil
}
