package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/stratqual/internal/messages"
)

func TestSimplifiedSharpe(t *testing.T) {
	tests := []struct {
		name      string
		returnPct float64
		days      float64
		want      float64
	}{
		{"zero duration", 10, 0, 0},
		{"zero return", 0, 30, 0},
		{"positive annualized", 10, 30, 4.0},
		{"negative annualized", -10, 30, -2.5},
		{"full year no scaling", 20, 365, 4.0},
		{"tiny return hits volatility floor", 0.1, 365, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SimplifiedSharpe(tt.returnPct, tt.days), 1e-9)
		})
	}
}

func TestSharpeFromBalances(t *testing.T) {
	assert.Equal(t, 0.0, SharpeFromBalances(nil))
	assert.Equal(t, 0.0, SharpeFromBalances([]float64{2500}))
	assert.Equal(t, 0.0, SharpeFromBalances([]float64{2500, 2500, 2500}))

	// Returns of 2% then 4%: mean 0.03, stddev 0.01, annualized by sqrt(252).
	got := SharpeFromBalances([]float64{100, 102, 106.08})
	assert.InDelta(t, 47.62, got, 0.01)
}

func TestCalmarRatio(t *testing.T) {
	assert.Equal(t, 0.0, CalmarRatio(10, 0))
	assert.Equal(t, 2.0, CalmarRatio(10, 5))
	assert.Equal(t, 2.0, CalmarRatio(-10, -5))
}

func TestExtractMetrics(t *testing.T) {
	res := &messages.BacktestResultsResponse{
		StartTime:        0,
		EndTime:          30 * 86_400_000,
		ReturnPercentage: 10,
		MaxDrawdown:      5,
		ProfitFactor:     1.8,
		WinRate:          60,
		TotalTrades:      42,
		CycleWinRate:     70,
	}

	basic := ExtractMetrics(res, false)
	assert.Equal(t, 10.0, basic[MetricReturnPercentage])
	assert.Equal(t, 42.0, basic[MetricTotalTrades])
	assert.NotContains(t, basic, MetricSharpeRatio)

	advanced := ExtractMetrics(res, true)
	assert.InDelta(t, 4.0, advanced[MetricSharpeRatio], 1e-9)
	assert.InDelta(t, 2.0, advanced[MetricCalmarRatio], 1e-9)
}

func TestEvaluatePromotesWhenAllKPIsPass(t *testing.T) {
	res := NewEvaluator().Evaluate("run-1", map[string]float64{
		MetricSharpeRatio:  2.5,
		MetricMaxDrawdown:  5.0,
		MetricProfitFactor: 1.8,
	}, nil)

	require.True(t, res.Passed)
	assert.Equal(t, RecommendPromote, res.Recommendation)
	for name, ok := range res.KPICompliance {
		assert.True(t, ok, "kpi %s", name)
	}
}

func TestEvaluateNearMissesRecommendOptimize(t *testing.T) {
	res := NewEvaluator().Evaluate("run-2", map[string]float64{
		MetricSharpeRatio:  1.7,
		MetricMaxDrawdown:  9.0,
		MetricProfitFactor: 1.4,
	}, nil)

	require.False(t, res.Passed)
	assert.Equal(t, RecommendOptimize, res.Recommendation)
	assert.False(t, res.KPICompliance[MetricSharpeRatio])
	assert.True(t, res.KPICompliance[MetricMaxDrawdown])
	assert.False(t, res.KPICompliance[MetricProfitFactor])
}

func TestEvaluateRejections(t *testing.T) {
	tests := []struct {
		name    string
		metrics map[string]float64
	}{
		{"profit factor below one", map[string]float64{
			MetricSharpeRatio: 2.5, MetricMaxDrawdown: 5.0, MetricProfitFactor: 0.9,
		}},
		{"negative sharpe", map[string]float64{
			MetricSharpeRatio: -0.5, MetricMaxDrawdown: 5.0, MetricProfitFactor: 1.8,
		}},
		{"drawdown beyond double threshold", map[string]float64{
			MetricSharpeRatio: 2.5, MetricMaxDrawdown: 25.0, MetricProfitFactor: 1.8,
		}},
		{"sharpe miss beyond twenty percent", map[string]float64{
			MetricSharpeRatio: 1.0, MetricMaxDrawdown: 5.0, MetricProfitFactor: 1.8,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewEvaluator().Evaluate("run-3", tt.metrics, nil)
			require.False(t, res.Passed)
			assert.Equal(t, RecommendReject, res.Recommendation)
		})
	}
}

func TestEvaluateMissingMetricFails(t *testing.T) {
	res := NewEvaluator().Evaluate("run-4", map[string]float64{
		MetricSharpeRatio: 2.5, MetricProfitFactor: 1.8,
	}, nil)

	require.False(t, res.Passed)
	assert.False(t, res.KPICompliance[MetricMaxDrawdown])
	assert.Equal(t, RecommendReject, res.Recommendation)
}

func TestEvaluateCustomKPIs(t *testing.T) {
	res := NewEvaluator().Evaluate("run-5", map[string]float64{
		MetricWinRate: 55,
	}, map[string]float64{MetricWinRate: 50})

	assert.True(t, res.Passed)
	assert.Equal(t, RecommendPromote, res.Recommendation)
}
