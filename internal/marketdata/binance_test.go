package marketdata

import (
	"context"
	"errors"
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/domain"
)

type fakeClient struct {
	klines     []*futures.Kline
	klinesErr  error
	info       *futures.ExchangeInfo
	infoErr    error
	klineCalls int
	infoCalls  int
	lastStart  int64
	lastLimit  int
}

func (f *fakeClient) Klines(_ context.Context, _, _ string, start int64, limit int) ([]*futures.Kline, error) {
	f.klineCalls++
	f.lastStart = start
	f.lastLimit = limit
	return f.klines, f.klinesErr
}

func (f *fakeClient) ExchangeInfo(_ context.Context) (*futures.ExchangeInfo, error) {
	f.infoCalls++
	return f.info, f.infoErr
}

func newTestSource(fc *fakeClient) *BinanceSource {
	return &BinanceSource{
		client:  fc,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  config.NewLogger("marketdata"),
		infos:   make(map[string]domain.SymbolInfo),
	}
}

func TestFetchCandles(t *testing.T) {
	fc := &fakeClient{klines: []*futures.Kline{
		{OpenTime: 1_744_023_500_000, Open: "50000", High: "50100", Low: "49900", Close: "50050", Volume: "12.5"},
		{OpenTime: 1_744_023_560_000, Open: "50050", High: "50200", Low: "50000", Close: "50150", Volume: "8"},
	}}
	src := newTestSource(fc)

	candles, err := src.FetchCandles(context.Background(), "BTCUSDT", "1m", 1_744_023_500_000, 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, "BTCUSDT", candles[0].Symbol)
	assert.Equal(t, "1m", candles[0].Timeframe)
	assert.Equal(t, int64(1_744_023_500_000), candles[0].Timestamp)
	assert.True(t, candles[0].Close.Equal(decimal.NewFromInt(50050)))
	assert.Equal(t, int64(1_744_023_500_000), fc.lastStart)
	assert.Equal(t, 2, fc.lastLimit)
}

func TestFetchCandlesCapsLimit(t *testing.T) {
	fc := &fakeClient{}
	src := newTestSource(fc)

	_, err := src.FetchCandles(context.Background(), "BTCUSDT", "1m", 0, 5000)
	require.NoError(t, err)
	assert.Equal(t, 1000, fc.lastLimit)

	_, err = src.FetchCandles(context.Background(), "BTCUSDT", "1m", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1000, fc.lastLimit)
}

func TestFetchCandlesRejectsUnknownTimeframe(t *testing.T) {
	src := newTestSource(&fakeClient{})
	_, err := src.FetchCandles(context.Background(), "BTCUSDT", "7m", 0, 10)
	assert.Error(t, err)
}

func TestFetchCandlesPropagatesError(t *testing.T) {
	fc := &fakeClient{klinesErr: errors.New("api down")}
	src := newTestSource(fc)
	_, err := src.FetchCandles(context.Background(), "BTCUSDT", "1m", 0, 10)
	assert.Error(t, err)
}

func TestSymbolInfoCaches(t *testing.T) {
	fc := &fakeClient{info: &futures.ExchangeInfo{
		Symbols: []futures.Symbol{
			{
				Symbol: "BTCUSDT",
				Filters: []map[string]interface{}{
					{"filterType": "LOT_SIZE", "minQty": "0.001", "stepSize": "0.001", "maxQty": "1000"},
					{"filterType": "PRICE_FILTER", "tickSize": "0.1", "minPrice": "0.1", "maxPrice": "1000000"},
					{"filterType": "MIN_NOTIONAL", "notional": "100"},
				},
			},
		},
	}}
	src := newTestSource(fc)

	info, err := src.SymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, info.MinQty.Equal(decimal.NewFromFloat(0.001)))
	assert.True(t, info.TickSize.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, info.MinNotional.Equal(decimal.NewFromInt(100)))

	_, err = src.SymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, fc.infoCalls)
}

func TestSymbolInfoUnknownSymbol(t *testing.T) {
	fc := &fakeClient{info: &futures.ExchangeInfo{}}
	src := newTestSource(fc)
	_, err := src.SymbolInfo(context.Background(), "NOPEUSDT")
	assert.Error(t, err)
}
