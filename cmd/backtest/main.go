// The backtest binary runs one backtest over an explicit window and
// prints the reduced results as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ajitpratap0/stratqual/internal/backtest"
	"github.com/ajitpratap0/stratqual/internal/candlestore"
	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/marketdata"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	symbol := flag.String("symbol", "BTCUSDT", "Symbol to backtest")
	strategyName := flag.String("strategy", "default", "Strategy name")
	days := flag.Int("days", 30, "Window length in days, ending now")
	start := flag.String("start", "", "Window start (RFC3339), overrides -days")
	end := flag.String("end", "", "Window end (RFC3339), defaults to now")
	timeframes := flag.String("timeframes", "", "Comma-separated timeframes (e.g. 1m,15m,1h)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")

	req, err := buildRequest(*symbol, *strategyName, *days, *start, *end, *timeframes)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid arguments")
	}

	ctx := context.Background()
	store, err := candlestore.Connect(ctx, &cfg.Database, candlestore.ModeBacktest)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to candle store")
	}
	defer store.Close()

	runner, err := backtest.NewRunner(ctx, store, marketdata.NewBinanceSource(&cfg.MarketData), req)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build backtest")
	}

	results, err := runner.Run()
	if err != nil {
		logger.Fatal().Err(err).Msg("Backtest failed")
	}

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to encode results")
	}
	fmt.Println(string(out))
}

func buildRequest(symbol, strategyName string, days int, startArg, endArg, timeframesArg string) (messages.StartBacktestRequest, error) {
	endTime := time.Now().Add(-time.Minute)
	if endArg != "" {
		t, err := time.Parse(time.RFC3339, endArg)
		if err != nil {
			return messages.StartBacktestRequest{}, fmt.Errorf("invalid -end: %w", err)
		}
		endTime = t
	}

	startTime := endTime.AddDate(0, 0, -days)
	if startArg != "" {
		t, err := time.Parse(time.RFC3339, startArg)
		if err != nil {
			return messages.StartBacktestRequest{}, fmt.Errorf("invalid -start: %w", err)
		}
		startTime = t
	}

	req := messages.NewStartBacktestRequest(symbol, startTime.UnixMilli())
	endMillis := endTime.UnixMilli()
	req.EndTime = &endMillis
	req.StrategyName = strategyName
	if timeframesArg != "" {
		req.Timeframes = strings.Split(timeframesArg, ",")
	}
	return req, req.Validate()
}
