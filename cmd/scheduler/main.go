// The scheduler binary runs the autonomous qualification loop: it
// repeatedly backtests the configured strategy over sliding windows,
// evaluates the results against KPIs, diverts weak parameter sets to
// optimization and promotes sets that qualify every period.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/stratqual/internal/agents"
	"github.com/ajitpratap0/stratqual/internal/bus"
	"github.com/ajitpratap0/stratqual/internal/candlestore"
	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/llm"
	"github.com/ajitpratap0/stratqual/internal/marketdata"
	"github.com/ajitpratap0/stratqual/internal/metrics"
	"github.com/ajitpratap0/stratqual/internal/registry"
)

const policyInterval = 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().
		Str("version", cfg.App.Version).
		Str("symbol", cfg.Scheduler.Symbol).
		Str("strategy", cfg.Scheduler.StrategyName).
		Msg("Starting scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := candlestore.Connect(ctx, &cfg.Database, candlestore.ModeBacktest)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to candle store")
	}
	defer store.Close()

	messageBus, err := bus.Connect(cfg.NATS)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer messageBus.Close()

	repo, err := registry.NewRepository(cfg.Registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open registry")
	}

	source := marketdata.NewBinanceSource(&cfg.MarketData)
	backtestAgent := agents.NewBacktestAgent(store, source, messageBus)
	evaluatorAgent := agents.NewEvaluatorAgent(messageBus)
	optimizerAgent := agents.NewOptimizerAgent(llm.NewClient(cfg.LLM), messageBus)
	registryAgent := agents.NewRegistryAgent(repo, cfg.Registry)
	orchestrator := agents.NewOrchestratorAgent(
		backtestAgent, evaluatorAgent, optimizerAgent, registryAgent,
		messageBus, cfg.Backtest.MaxConcurrent,
	)
	scheduler := agents.NewSchedulerAgent(orchestrator, cfg.Scheduler)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Monitoring.EnableMetrics {
		metricsServer := metrics.NewServer(cfg.Monitoring.PrometheusPort)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start metrics server")
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(policyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := registryAgent.EnforcePolicies(); err != nil {
					logger.Warn().Err(err).Msg("Registry policy enforcement failed")
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("Scheduler exited with error")
	}
	logger.Info().Msg("Scheduler stopped")
}
