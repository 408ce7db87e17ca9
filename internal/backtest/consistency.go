package backtest

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/domain"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// consistencyTolerance absorbs decimal-to-float rounding in the checks.
var consistencyTolerance = decimal.RequireFromString("0.01")

// ValidateResults cross-checks the reduced metrics against the raw trade
// list and returns a human-readable warning per failed check.
func ValidateResults(res *messages.BacktestResultsResponse, trades []domain.Trade, initial decimal.Decimal) []string {
	var warnings []string

	// Final balance must equal initial plus total return.
	diff := res.FinalBalance.Sub(res.TotalReturn).Sub(initial).Abs()
	if diff.GreaterThan(consistencyTolerance) {
		warnings = append(warnings,
			fmt.Sprintf("balance identity violated: final %s - return %s != initial %s",
				res.FinalBalance, res.TotalReturn, initial))
	}

	// Realized PnL across trades must explain the total return plus the
	// commissions paid on opening trades (which realized nothing).
	sumRealized := decimal.Zero
	openingCommission := decimal.Zero
	for _, t := range trades {
		sumRealized = sumRealized.Add(t.RealizedPnL)
		if t.RealizedPnL.IsZero() {
			openingCommission = openingCommission.Add(t.Commission.Abs())
		}
	}
	expected := res.TotalReturn.Add(openingCommission)
	if sumRealized.Sub(expected).Abs().GreaterThan(consistencyTolerance) {
		warnings = append(warnings,
			fmt.Sprintf("realized pnl %s does not explain return %s plus opening commissions %s",
				sumRealized, res.TotalReturn, openingCommission))
	}

	// Win rate must match a recount of fully-closing trades.
	closed, winners := 0, 0
	for _, t := range trades {
		if !t.ClosesCompletely || t.RealizedPnL.IsZero() {
			continue
		}
		closed++
		if t.RealizedPnL.IsPositive() {
			winners++
		}
	}
	if closed > 0 {
		recomputed := float64(winners) / float64(closed) * 100
		if math.Abs(recomputed-res.WinRate) > 0.01 {
			warnings = append(warnings,
				fmt.Sprintf("win rate %.2f disagrees with recount %.2f", res.WinRate, recomputed))
		}
	}

	// Profit factor and total return must point the same way.
	if res.ProfitFactor > 1 && !res.TotalReturn.IsPositive() {
		warnings = append(warnings,
			fmt.Sprintf("profit factor %.2f above 1 with non-positive return %s", res.ProfitFactor, res.TotalReturn))
	}
	if res.ProfitFactor < 1 && res.ProfitFactor > 0 && res.TotalReturn.IsPositive() {
		warnings = append(warnings,
			fmt.Sprintf("profit factor %.2f below 1 with positive return %s", res.ProfitFactor, res.TotalReturn))
	}

	return warnings
}
