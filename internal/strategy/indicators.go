package strategy

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/domain"
)

const (
	stochRsiPeriod  = 14
	stochPeriod     = 14
	smoothK         = 3
	smoothD         = 3
	fractalWing     = 2
	indicatorWindow = 100
)

// computeSeries runs a cinar stream indicator over a slice.
func computeSeries(values []float64, compute func(<-chan float64) <-chan float64) []float64 {
	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	var out []float64
	for v := range compute(in) {
		out = append(out, v)
	}
	return out
}

// StochRSI computes the stochastic RSI (14, 14, 3, 3) over the closes and
// returns the latest smoothed value.
func StochRSI(closes []float64) (float64, error) {
	if len(closes) < stochRsiPeriod+stochPeriod+smoothK+smoothD {
		return 0, fmt.Errorf("need at least %d closes, got %d",
			stochRsiPeriod+stochPeriod+smoothK+smoothD, len(closes))
	}

	rsi := computeSeries(closes, momentum.NewRsiWithPeriod[float64](stochRsiPeriod).Compute)
	if len(rsi) < stochPeriod {
		return 0, fmt.Errorf("not enough RSI values: %d", len(rsi))
	}

	// Stochastic of the RSI series over a rolling window. Not available as a
	// composed indicator in cinar/indicator v2, so computed here.
	stoch := make([]float64, 0, len(rsi)-stochPeriod+1)
	for i := stochPeriod - 1; i < len(rsi); i++ {
		lo, hi := rsi[i-stochPeriod+1], rsi[i-stochPeriod+1]
		for _, v := range rsi[i-stochPeriod+1 : i+1] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi == lo {
			stoch = append(stoch, 0)
			continue
		}
		stoch = append(stoch, (rsi[i]-lo)/(hi-lo)*100)
	}

	k := computeSeries(stoch, trend.NewSmaWithPeriod[float64](smoothK).Compute)
	d := computeSeries(k, trend.NewSmaWithPeriod[float64](smoothD).Compute)
	if len(d) == 0 {
		return 0, fmt.Errorf("not enough values to smooth stochastic RSI")
	}
	return d[len(d)-1], nil
}

// Fractals finds Williams fractal pivots with two candles on each side.
// Bear fractals are local highs (resistance above), bull fractals local lows
// (support below). Both are returned oldest first.
func Fractals(candles []domain.Candle) (bears, bulls []decimal.Decimal) {
	for i := fractalWing; i < len(candles)-fractalWing; i++ {
		isBear, isBull := true, true
		for j := i - fractalWing; j <= i+fractalWing; j++ {
			if j == i {
				continue
			}
			if candles[j].High.GreaterThanOrEqual(candles[i].High) {
				isBear = false
			}
			if candles[j].Low.LessThanOrEqual(candles[i].Low) {
				isBull = false
			}
		}
		if isBear {
			bears = append(bears, candles[i].High)
		}
		if isBull {
			bulls = append(bulls, candles[i].Low)
		}
	}
	return bears, bulls
}
