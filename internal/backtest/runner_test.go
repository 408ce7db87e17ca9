package backtest

import (
	"context"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/stratqual/internal/domain"
	"github.com/ajitpratap0/stratqual/internal/messages"
	"github.com/ajitpratap0/stratqual/internal/strategy"
)

const t0 int64 = 1_744_023_500_000

type memStore struct {
	candles map[string][]domain.Candle // timeframe -> ascending
}

func newMemStore() *memStore { return &memStore{candles: make(map[string][]domain.Candle)} }

func (m *memStore) AddCandles(_ context.Context, _ string, cs []domain.Candle) error {
	for _, c := range cs {
		m.candles[c.Timeframe] = append(m.candles[c.Timeframe], c)
	}
	for tf := range m.candles {
		sort.Slice(m.candles[tf], func(i, j int) bool {
			return m.candles[tf][i].Timestamp < m.candles[tf][j].Timestamp
		})
	}
	return nil
}

func (m *memStore) NextCandle(_ context.Context, _ string, ts int64, timeframe string) (*domain.Candle, error) {
	for _, c := range m.candles[timeframe] {
		if c.Timestamp > ts {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) Candles(_ context.Context, _, timeframe string, start int64, limit int) ([]domain.Candle, error) {
	var out []domain.Candle
	for _, c := range m.candles[timeframe] {
		if c.Timestamp >= start {
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type emptySource struct{}

func (emptySource) FetchCandles(context.Context, string, string, int64, int) ([]domain.Candle, error) {
	return nil, nil
}

func (emptySource) SymbolInfo(_ context.Context, symbol string) (domain.SymbolInfo, error) {
	return domain.SymbolInfo{Symbol: symbol}, nil
}

// scriptedStrategy market-buys on one candle and market-sells on a later
// one, which gives runner tests a deterministic trade sequence.
type scriptedStrategy struct {
	ex     domain.ExchangePort
	symbol string
	seen   int
	buyAt  int
	sellAt int
	qty    decimal.Decimal
}

func (s *scriptedStrategy) Name() string   { return "scripted" }
func (s *scriptedStrategy) Symbol() string { return s.symbol }
func (s *scriptedStrategy) OnTrade(domain.Trade) {}

func (s *scriptedStrategy) OnCandle(c domain.Candle) {
	if c.Timeframe != "1m" {
		return
	}
	s.seen++
	switch s.seen {
	case s.buyAt:
		_, _ = s.ex.NewOrder(s.symbol, domain.PositionLong, domain.SideBuy, domain.OrderMarket, s.qty, nil)
	case s.sellAt:
		_, _ = s.ex.NewOrder(s.symbol, domain.PositionLong, domain.SideSell, domain.OrderMarket, s.qty, nil)
	}
}

func registerScripted(buyAt, sellAt int, qty string) {
	strategy.Register("scripted", func(symbol string, ex domain.ExchangePort, _ domain.MarketData, _ *domain.EventDispatcher, _ strategy.Params) (domain.Strategy, error) {
		return &scriptedStrategy{ex: ex, symbol: symbol, buyAt: buyAt, sellAt: sellAt, qty: decimal.RequireFromString(qty)}, nil
	})
}

func slopedCandles(n int, start float64, slope float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		p := decimal.NewFromFloat(start + float64(i)*slope)
		out[i] = domain.Candle{
			Symbol: "BTCUSDT", Timeframe: "1m", Timestamp: t0 + int64(i)*domain.OneMinuteMillis,
			Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1),
		}
	}
	return out
}

func newRequest(start, end int64) messages.StartBacktestRequest {
	req := messages.NewStartBacktestRequest("BTCUSDT", start)
	req.EndTime = &end
	req.Timeframes = []string{"1m", "3m"}
	req.StrategyName = "scripted"
	return req
}

func TestRunnerProfitableRoundTrip(t *testing.T) {
	registerScripted(2, 8, "0.1")

	store := newMemStore()
	require.NoError(t, store.AddCandles(context.Background(), "BTCUSDT", slopedCandles(80, 50000, 50)))

	start := t0 + 40*domain.OneMinuteMillis
	end := t0 + 60*domain.OneMinuteMillis
	runner, err := NewRunner(context.Background(), store, emptySource{}, newRequest(start, end))
	require.NoError(t, err)

	var updates []messages.BacktestStatusUpdate
	runner.OnStatus(func(u messages.BacktestStatusUpdate) { updates = append(updates, u) })

	res, err := runner.Run()
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "BTCUSDT", res.Symbol)
	assert.Equal(t, "scripted", res.StrategyName)
	assert.Equal(t, start, res.StartTime)
	assert.Equal(t, end, res.EndTime)
	assert.Greater(t, res.TotalCandlesProcessed, 0)

	assert.Equal(t, 2, res.TotalTrades)
	assert.Equal(t, 1, res.TotalClosedPositions)
	assert.Equal(t, 1, res.WinningPositions)
	assert.Equal(t, 0, res.LosingPositions)
	assert.Equal(t, 100.0, res.WinRate)
	assert.True(t, res.FinalBalance.GreaterThan(res.TotalReturn), "final %s", res.FinalBalance)
	assert.True(t, res.TotalReturn.IsPositive(), "return %s", res.TotalReturn)
	assert.True(t, res.TotalCommission.IsPositive())
	assert.Equal(t, 0, res.TotalCycles)

	// Balance identity holds without warnings.
	req := newRequest(start, end)
	assert.Empty(t, ValidateResults(res, runner.ex.Trades("BTCUSDT"), req.InitialBalance))
}

func TestRunnerStopsOnLossGuard(t *testing.T) {
	registerScripted(2, 23, "1")

	store := newMemStore()
	require.NoError(t, store.AddCandles(context.Background(), "BTCUSDT", slopedCandles(120, 50000, -100)))

	start := t0 + 40*domain.OneMinuteMillis
	end := t0 + 100*domain.OneMinuteMillis
	runner, err := NewRunner(context.Background(), store, emptySource{}, newRequest(start, end))
	require.NoError(t, err)

	res, err := runner.Run()
	require.NoError(t, err)

	assert.Equal(t, StatusStopped, res.Status)
	assert.True(t, res.TotalReturn.IsNegative())
	assert.Greater(t, res.MaxDrawdown, 0.0)
	assert.Less(t, res.TotalCandlesProcessed, 61)
}

func TestRunnerRejectsInvalidRequest(t *testing.T) {
	req := newRequest(t0, t0+domain.OneMinuteMillis)
	req.Timeframes = []string{"1m"}
	_, err := NewRunner(context.Background(), newMemStore(), emptySource{}, req)
	require.Error(t, err)
	assert.Equal(t, messages.ErrCodeInvalidTimeframes, messages.ErrorCode(err))

	req = newRequest(t0, t0+domain.OneMinuteMillis)
	req.RSILimits = []int{90, 50, 10}
	_, err = NewRunner(context.Background(), newMemStore(), emptySource{}, req)
	require.Error(t, err)
	assert.Equal(t, messages.ErrCodeInvalidRSILimits, messages.ErrorCode(err))
}

func TestValidateResultsFlagsInconsistencies(t *testing.T) {
	initial := decimal.NewFromInt(2500)
	res := &messages.BacktestResultsResponse{
		FinalBalance: decimal.NewFromInt(3000),
		TotalReturn:  decimal.NewFromInt(100), // should be 500
		WinRate:      100,
		ProfitFactor: 2.0,
	}
	warnings := ValidateResults(res, nil, initial)
	require.NotEmpty(t, warnings)

	// A coherent result passes clean.
	trades := []domain.Trade{
		{RealizedPnL: decimal.Zero, Commission: decimal.NewFromInt(1)},
		{RealizedPnL: decimal.NewFromInt(501), Commission: decimal.NewFromInt(1), ClosesCompletely: true},
	}
	res.TotalReturn = decimal.NewFromInt(500)
	warnings = ValidateResults(res, trades, initial)
	assert.Empty(t, warnings)
}

func TestProfitFactorDirectionWarning(t *testing.T) {
	res := &messages.BacktestResultsResponse{
		FinalBalance: decimal.NewFromInt(2400),
		TotalReturn:  decimal.NewFromInt(-100),
		ProfitFactor: 1.5,
	}
	warnings := ValidateResults(res, nil, decimal.NewFromInt(2500))
	found := false
	for _, w := range warnings {
		if assert.ObjectsAreEqual(true, len(w) > 0) && containsProfitFactor(w) {
			found = true
		}
	}
	assert.True(t, found)
}

func containsProfitFactor(w string) bool {
	return len(w) >= 13 && w[:13] == "profit factor"
}
