package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/JustinTimperio/SpotFly/internal/cache"
	"github.com/JustinTimperio/SpotFly/internal/cloud"
	"github.com/JustinTimperio/SpotFly/internal/config"
	"github.com/JustinTimperio/SpotFly/internal/locker"
	"github.com/JustinTimperio/SpotFly/internal/metrics"
	"github.com/JustinTimperio/SpotFly/internal/prices"
	"github.com/JustinTimperio/SpotFly/internal/reconciler"
	"github.com/JustinTimperio/SpotFly/internal/seed"
	"github.com/JustinTimperio/SpotFly/internal/state"
)

func main() {
	app := &cli.App{
		Name:  "spotflyd",
		Usage: "SpotFly spot-instance fleet manager daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the daemon configuration file",
				EnvVars: []string{"SPOTFLY_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
				EnvVars: []string{"SPOTFLY_VERBOSE"},
			},
		},
		Action: runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func runDaemon(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	logger := logrus.New()
	if c.Bool("verbose") {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err == nil {
			logger.SetLevel(level)
		}
	}

	store, err := state.NewDiskStore(cfg.DataDir)
	if err != nil {
		return err
	}
	poolLocker, err := locker.NewPoolLocker(cfg.LockDir)
	if err != nil {
		return err
	}

	kv := cache.NewMemoryKV()

	providers := cloud.NewProviderFactory()
	providers.Register(cloud.NewEC2Spot(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, logger))

	if cfg.PoolsFile != "" {
		seedFile, err := seed.Load(cfg.PoolsFile)
		if err != nil {
			return err
		}
		result := seedFile.Validate(providers)
		for _, warning := range result.Warnings {
			logger.Warnf("pools file: %s", warning)
		}
		if !result.Valid {
			for _, seedErr := range result.Errors {
				logger.Errorf("pools file: %s", seedErr)
			}
			logger.Fatal("Invalid pools file, refusing to start")
		}
		created, err := seedFile.Apply(store)
		if err != nil {
			return err
		}
		if created > 0 {
			logger.Infof("Seeded %d pools from %s", created, cfg.PoolsFile)
		}
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	collector := prices.NewCollector(store, kv, providers, m, logger, cfg.PriceTTL)
	rec := reconciler.New(store, kv, poolLocker, providers, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.MetricsBindAddress, Handler: mux}
	go func() {
		logger.Infof("Serving metrics on %s", cfg.MetricsBindAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	var wg sync.WaitGroup

	// Price collection loop. The first run happens immediately so the
	// reconciler has prices to select from.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.PriceInterval)
		defer ticker.Stop()
		for {
			if err := collector.CollectPrices(ctx); err != nil {
				logger.Warnf("Price collection failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	// Reconciliation loop. Pools are reconciled concurrently; the pool
	// lock keeps overlapping ticks of the same pool from colliding.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var poolWG sync.WaitGroup
			for _, pool := range store.GetAllPools() {
				poolWG.Add(1)
				go func(poolID int64) {
					defer poolWG.Done()
					if err := rec.ReconcilePool(ctx, poolID); err != nil {
						logger.Errorf("[Pool %d] Reconciliation failed: %v", poolID, err)
					}
				}(pool.ID)
			}
			poolWG.Wait()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	wg.Wait()

	return nil
}
