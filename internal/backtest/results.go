package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/messages"
)

// buildResults reduces the exchange and cycle state into the response
// payload.
func (r *Runner) buildResults(status string, started time.Time) *messages.BacktestResultsResponse {
	initial := r.req.InitialBalance
	final := r.ex.Balance()
	totalReturn := final.Sub(initial)

	res := &messages.BacktestResultsResponse{
		RunID:                 r.req.RunID,
		Status:                status,
		StartTime:             r.sim.StartTime(),
		EndTime:               r.sim.EndTime(),
		DurationSeconds:       time.Since(started).Seconds(),
		TotalCandlesProcessed: r.candlesProcessed,
		FinalBalance:          final,
		TotalReturn:           totalReturn,
		StrategyName:          r.strat.Name(),
		Symbol:                r.req.Symbol,
	}
	if !initial.IsZero() {
		res.ReturnPercentage, _ = totalReturn.Div(initial).Mul(decimal.NewFromInt(100)).Float64()
	}

	trades := r.ex.Trades(r.req.Symbol)
	res.TotalTrades = len(trades)

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	totalCommission := decimal.Zero
	winners, losers, closed := 0, 0, 0
	for _, t := range trades {
		totalCommission = totalCommission.Add(t.Commission.Abs())
		if t.RealizedPnL.IsZero() {
			continue
		}
		if t.RealizedPnL.IsPositive() {
			grossProfit = grossProfit.Add(t.RealizedPnL)
		} else {
			grossLoss = grossLoss.Add(t.RealizedPnL)
		}
		if !t.ClosesCompletely {
			continue
		}
		closed++
		if t.RealizedPnL.IsPositive() {
			winners++
		} else if t.RealizedPnL.IsNegative() {
			losers++
		}
	}
	res.TotalClosedPositions = closed
	res.WinningPositions = winners
	res.LosingPositions = losers
	if closed > 0 {
		res.WinRate = float64(winners) / float64(closed) * 100
	}

	switch {
	case !grossLoss.IsZero():
		res.ProfitFactor, _ = grossProfit.Div(grossLoss.Abs()).Float64()
	case grossProfit.IsPositive():
		res.ProfitFactor = math.Inf(1)
	default:
		res.ProfitFactor = 0
	}

	res.TotalCommission = totalCommission
	if !totalReturn.IsZero() {
		res.CommissionPercentage, _ = totalCommission.Div(totalReturn.Abs()).Mul(decimal.NewFromInt(100)).Float64()
	}

	if r.maxUnrealizedLoss.IsNegative() && final.IsPositive() {
		res.MaxDrawdown, _ = r.maxUnrealizedLoss.Abs().Div(final).Mul(decimal.NewFromInt(100)).Float64()
	}

	r.reduceCycles(res)
	return res
}

// reduceCycles folds the collected position cycles into the response.
func (r *Runner) reduceCycles(res *messages.BacktestResultsResponse) {
	res.TotalCycles = len(r.cycles)
	if len(r.cycles) == 0 {
		return
	}

	totalPnL := decimal.Zero
	totalDuration := 0.0
	winning := 0
	for _, c := range r.cycles {
		totalPnL = totalPnL.Add(c.TotalPnL)
		totalDuration += c.DurationMinutes()
		if c.TotalPnL.IsPositive() {
			winning++
		}
	}
	n := float64(len(r.cycles))
	res.AvgCycleDuration = round2(totalDuration / n)
	res.AvgCyclePnL = totalPnL.Div(decimal.NewFromInt(int64(len(r.cycles)))).Round(2)
	res.WinningCycles = winning
	res.LosingCycles = len(r.cycles) - winning
	res.CycleWinRate = round2(float64(winning) / n * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
