package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptofeed/config"
	"cryptofeed/internal/channel"
	"cryptofeed/internal/dashboard"
	"cryptofeed/internal/orderbook"
	"cryptofeed/internal/series"
	"cryptofeed/logger"
	"cryptofeed/processor"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	shardPath := flag.String("shards", "config/ip_shards.yml", "Path to IP shard configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":   cfg.Cryptofeed.Name,
		"version":   cfg.Cryptofeed.Version,
		"env":       config.AppEnvironment(),
		"exchanges": cfg.EnabledExchanges(),
	}).Info("starting cryptofeed")

	shards, err := config.LoadIPShards(*shardPath)
	if err != nil {
		if config.IsProductionLike(config.AppEnvironment()) {
			log.WithError(err).Error("failed to load shard configuration")
			os.Exit(1)
		}
		log.WithError(err).Warn("no shard configuration, using the default source address")
		shards = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		logger.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
		logger.CreateDefaultDashboard(ctx)
	}
	if cfg.Metrics.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	policy, err := channel.ParseOverflowPolicy(cfg.Queue.Overflow)
	if err != nil {
		log.WithError(err).Error("invalid queue overflow policy")
		os.Exit(1)
	}
	queue := channel.NewQueue(cfg.Queue.Size, policy)
	dispatcher := processor.NewDispatcher(queue, orderbook.NewStore(cfg.Dispatcher.BookDepth), processor.NewTickerCache())

	status, err := dashboard.NewServer(cfg.Dashboard, log)
	if err != nil {
		log.WithError(err).Error("failed to create status server")
		os.Exit(1)
	}
	if status != nil {
		status.SetState(dispatcher.Books(), dispatcher.Tickers())
	}

	if cfg.Series.Enabled {
		builder := series.NewBuilder(cfg.Series)
		builder.Attach(dispatcher)
		if status != nil {
			status.SetSeries(builder)
		}
	}

	sinks, err := startSinks(ctx, cfg, dispatcher)
	if err != nil {
		log.WithError(err).Error("failed to start writers")
		os.Exit(1)
	}

	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.Run(ctx); err != nil {
				log.WithError(err).Error("status server stopped")
			}
		}()
	}

	feeds := startFeeds(ctx, cfg, shards, queue, status, &wg)
	log.WithFields(logger.Fields{"clients": len(feeds)}).Info("all components started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	done := make(chan struct{})
	go func() {
		// sources first, then the dispatcher, then the sinks it feeds
		cancel()
		for _, c := range feeds {
			if err := c.Close(); err != nil {
				log.WithError(err).WithFields(logger.Fields{"exchange": c.Exchange()}).Warn("client close failed")
			}
		}
		wg.Wait()
		dispatcher.Stop()
		sinks.stop()
		close(done)
	}()

	select {
	case <-done:
		st := dispatcher.Stats()
		log.WithFields(logger.Fields{
			"dispatched": st.Dispatched,
			"dropped":    st.Dropped,
			"errors":     st.Errors,
		}).Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}
	log.Info("cryptofeed stopped")
}
