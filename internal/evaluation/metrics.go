// Package evaluation computes risk-adjusted metrics from backtest results
// and grades them against KPI thresholds.
package evaluation

import (
	"math"

	"github.com/ajitpratap0/stratqual/internal/messages"
)

const (
	millisPerDay   = 86_400_000.0
	periodsPerYear = 252.0
)

// Metric names understood by the evaluator.
const (
	MetricReturnPercentage = "return_percentage"
	MetricMaxDrawdown      = "max_drawdown"
	MetricProfitFactor     = "profit_factor"
	MetricWinRate          = "win_rate"
	MetricTotalTrades      = "total_trades"
	MetricCycleWinRate     = "cycle_win_rate"
	MetricSharpeRatio      = "sharpe_ratio"
	MetricCalmarRatio      = "calmar_ratio"
)

// SimplifiedSharpe estimates a Sharpe ratio from the total return alone,
// for runs where no balance history was recorded. Volatility is proxied
// from the annualized return: gains are assumed steadier than losses.
func SimplifiedSharpe(returnPct, durationDays float64) float64 {
	if durationDays <= 0 || returnPct == 0 {
		return 0
	}

	annualized := returnPct
	if durationDays < 365 {
		annualized = returnPct * 365 / durationDays
	}

	factor := 0.25
	if annualized < 0 {
		factor = 0.4
	}
	volatility := math.Abs(annualized) * factor
	if volatility < 1.0 {
		volatility = 1.0
	}
	return round2(annualized / volatility)
}

// SharpeFromBalances computes an annualized Sharpe ratio from a periodic
// balance history, assuming a zero risk-free rate.
func SharpeFromBalances(balances []float64) float64 {
	if len(balances) < 2 {
		return 0
	}

	var returns []float64
	for i := 1; i < len(balances); i++ {
		if balances[i-1] == 0 {
			continue
		}
		returns = append(returns, (balances[i]-balances[i-1])/balances[i-1])
	}
	if len(returns) == 0 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sumSquaredDiff float64
	for _, r := range returns {
		diff := r - mean
		sumSquaredDiff += diff * diff
	}
	stdDev := math.Sqrt(sumSquaredDiff / float64(len(returns)))
	if stdDev == 0 {
		return 0
	}
	return round2(mean / stdDev * math.Sqrt(periodsPerYear))
}

// CalmarRatio relates the return magnitude to the worst drawdown.
func CalmarRatio(returnPct, maxDrawdown float64) float64 {
	if maxDrawdown == 0 {
		return 0
	}
	return round2(math.Abs(returnPct) / math.Abs(maxDrawdown))
}

// ExtractMetrics flattens a results payload into the metric map the
// evaluator grades. Advanced ratios are derived when requested.
func ExtractMetrics(res *messages.BacktestResultsResponse, advanced bool) map[string]float64 {
	metrics := map[string]float64{
		MetricReturnPercentage: res.ReturnPercentage,
		MetricMaxDrawdown:      res.MaxDrawdown,
		MetricProfitFactor:     res.ProfitFactor,
		MetricWinRate:          res.WinRate,
		MetricTotalTrades:      float64(res.TotalTrades),
		MetricCycleWinRate:     res.CycleWinRate,
	}
	if advanced {
		durationDays := float64(res.EndTime-res.StartTime) / millisPerDay
		metrics[MetricSharpeRatio] = SimplifiedSharpe(res.ReturnPercentage, durationDays)
		metrics[MetricCalmarRatio] = CalmarRatio(res.ReturnPercentage, res.MaxDrawdown)
	}
	return metrics
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
