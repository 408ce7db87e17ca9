// Package backtest runs one strategy over one historical window and reduces
// the replay into performance metrics.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/domain"
	"github.com/ajitpratap0/stratqual/internal/exchange"
	"github.com/ajitpratap0/stratqual/internal/marketdata"
	"github.com/ajitpratap0/stratqual/internal/messages"
	"github.com/ajitpratap0/stratqual/internal/simulator"
	"github.com/ajitpratap0/stratqual/internal/strategy"
)

const (
	// StatusCompleted means the window was replayed to its end.
	StatusCompleted = "completed"
	// StatusStopped means the loss guard fired before the end.
	StatusStopped = "stopped"

	warmupCandles       = 10
	progressLogInterval = 100
)

// StatusFunc receives progress updates during a run.
type StatusFunc func(messages.BacktestStatusUpdate)

// Runner wires a simulator, exchange and strategy for one backtest request.
type Runner struct {
	req    messages.StartBacktestRequest
	sim    *simulator.Simulator
	ex     *exchange.Exchange
	strat  domain.Strategy
	logger zerolog.Logger

	statusFn StatusFunc

	cycles            []domain.Cycle
	lastBase          *domain.Candle
	candlesProcessed  int
	maxUnrealizedLoss decimal.Decimal
}

// NewRunner validates the request and assembles the replay pipeline.
func NewRunner(ctx context.Context, store simulator.CandleStore, source marketdata.Source, req messages.StartBacktestRequest) (*Runner, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sim := simulator.New(ctx, store, source)
	sim.SetTimes(req.StartTime, req.EndTime, warmupCandles)

	ex := exchange.New(sim, exchange.Config{
		InitialBalance: req.InitialBalance,
		Leverage:       req.Leverage,
		MakerFee:       req.MakerFee,
		TakerFee:       req.TakerFee,
		MaxNotional:    req.MaxNotional,
		BaseTimeframe:  domain.BaseTimeframe(req.Timeframes),
	})

	strat, err := strategy.New(req.StrategyName, req.Symbol, ex, sim, ex.Events(), strategy.Params{
		Timeframes:  req.Timeframes,
		RSILimits:   req.RSILimits,
		TrackCycles: req.TrackCycles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build strategy: %w", err)
	}

	r := &Runner{
		req:   req,
		sim:   sim,
		ex:    ex,
		strat: strat,
		logger: config.NewLogger("backtest").With().
			Str("run_id", req.RunID).
			Str("symbol", req.Symbol).
			Str("strategy", strat.Name()).
			Logger(),
	}

	base := domain.BaseTimeframe(req.Timeframes)
	if _, err := sim.AddCompleteCandleListener(req.Symbol, base, func(c domain.Candle) {
		r.lastBase = &c
		strat.OnCandle(c)
	}); err != nil {
		return nil, err
	}
	// Register the higher timeframes too, so warm-up rewinds far enough for
	// their indicator windows.
	for _, tf := range req.Timeframes {
		if tf == base {
			continue
		}
		if _, err := sim.AddCompleteCandleListener(req.Symbol, tf, func(domain.Candle) {}); err != nil {
			return nil, err
		}
	}
	ex.AddTradeListener(strat.OnTrade)
	if req.TrackCycles {
		ex.Events().AddCycleListener(req.Symbol, func(c domain.Cycle) {
			r.cycles = append(r.cycles, c)
		})
	}
	return r, nil
}

// OnStatus registers a progress callback.
func (r *Runner) OnStatus(fn StatusFunc) { r.statusFn = fn }

// Run replays the window to its end or until the loss guard fires, then
// reduces the replay into results.
func (r *Runner) Run() (*messages.BacktestResultsResponse, error) {
	started := time.Now()
	status := StatusCompleted

	r.logger.Info().
		Int64("start", r.sim.StartTime()).
		Int64("end", r.sim.EndTime()).
		Str("initial_balance", r.req.InitialBalance.String()).
		Msg("Backtest started")

	for !r.sim.Ended() {
		if err := r.sim.NextCandle(); err != nil {
			return nil, err
		}
		r.candlesProcessed++
		r.updateDrawdown()

		if r.candlesProcessed%progressLogInterval == 0 {
			r.reportProgress(started)
		}
		if r.shouldStop() {
			r.logger.Warn().
				Str("balance", r.ex.Balance().String()).
				Float64("max_loss_percentage", r.req.MaxLossPercentage).
				Msg("Loss guard triggered, stopping backtest")
			status = StatusStopped
			break
		}
	}

	results := r.buildResults(status, started)
	for _, w := range ValidateResults(results, r.ex.Trades(r.req.Symbol), r.req.InitialBalance) {
		r.logger.Warn().Str("check", w).Msg("Results consistency warning")
	}
	r.logger.Info().
		Str("status", status).
		Int("candles", r.candlesProcessed).
		Str("final_balance", results.FinalBalance.String()).
		Float64("return_pct", results.ReturnPercentage).
		Msg("Backtest finished")
	return results, nil
}

// updateDrawdown tracks the worst unrealized PnL seen across the replay.
func (r *Runner) updateDrawdown() {
	if r.lastBase == nil {
		return
	}
	unrealized := r.ex.RealBalance(r.req.Symbol, *r.lastBase).Sub(r.ex.Balance())
	if unrealized.LessThan(r.maxUnrealizedLoss) {
		r.maxUnrealizedLoss = unrealized
	}
}

// shouldStop checks the realized loss guard.
func (r *Runner) shouldStop() bool {
	if !r.req.StopOnLoss || r.req.InitialBalance.IsZero() {
		return false
	}
	loss := r.req.InitialBalance.Sub(r.ex.Balance()).Div(r.req.InitialBalance)
	threshold := decimal.NewFromFloat(r.req.MaxLossPercentage)
	return loss.GreaterThanOrEqual(threshold)
}

func (r *Runner) reportProgress(started time.Time) {
	elapsed := time.Since(started).Seconds()
	perSecond := 0.0
	if elapsed > 0 {
		perSecond = float64(r.candlesProcessed) / elapsed
	}
	r.logger.Debug().
		Int("candles", r.candlesProcessed).
		Int64("current", r.sim.CurrentTime()).
		Str("balance", r.ex.Balance().String()).
		Float64("candles_per_second", perSecond).
		Msg("Backtest progress")
	if r.statusFn != nil {
		r.statusFn(messages.BacktestStatusUpdate{
			RunID:            r.req.RunID,
			Status:           "running",
			CandlesProcessed: r.candlesProcessed,
			CurrentBalance:   r.ex.Balance(),
			ExecutionSeconds: elapsed,
			CandlesPerSecond: perSecond,
		})
	}
}
