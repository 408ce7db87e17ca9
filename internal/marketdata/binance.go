// Package marketdata fetches candles and symbol metadata from the upstream
// exchange API.
package marketdata

import (
	"context"
	"fmt"
	"sync"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/domain"
)

// Source supplies historical candles and symbol filters. The simulator pulls
// from a Source whenever its local store runs dry.
type Source interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, start int64, limit int) ([]domain.Candle, error)
	SymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error)
}

// klineClient is the slice of the futures client the source uses. Narrowed
// for tests.
type klineClient interface {
	Klines(ctx context.Context, symbol, interval string, start int64, limit int) ([]*futures.Kline, error)
	ExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error)
}

// BinanceSource reads USD-M futures klines, rate-limited against the public
// API weight budget.
type BinanceSource struct {
	client  klineClient
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu    sync.Mutex
	infos map[string]domain.SymbolInfo
}

// NewBinanceSource builds a source from configuration. Public klines need no
// credentials.
func NewBinanceSource(cfg *config.MarketDataConfig) *BinanceSource {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	client := futures.NewClient("", "")
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 1200
	}
	return &BinanceSource{
		client:  &futuresClient{c: client},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/60+1),
		logger:  config.NewLogger("marketdata"),
		infos:   make(map[string]domain.SymbolInfo),
	}
}

// FetchCandles returns up to limit klines starting at start (inclusive).
// Binance caps limit at 1000; larger requests are truncated.
func (s *BinanceSource) FetchCandles(ctx context.Context, symbol, timeframe string, start int64, limit int) ([]domain.Candle, error) {
	if !domain.ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unknown timeframe %q", timeframe)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	klines, err := s.client.Klines(ctx, symbol, timeframe, start, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s/%s: %w", symbol, timeframe, err)
	}

	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := klineToCandle(symbol, timeframe, k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	s.logger.Debug().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int64("start", start).
		Int("count", len(candles)).
		Msg("Fetched candles from exchange")
	return candles, nil
}

// SymbolInfo returns the trading filters for symbol, cached after the first
// lookup.
func (s *BinanceSource) SymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	s.mu.Lock()
	if info, ok := s.infos[symbol]; ok {
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("rate limiter interrupted: %w", err)
	}
	exInfo, err := s.client.ExchangeInfo(ctx)
	if err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("failed to fetch exchange info: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range exInfo.Symbols {
		sym := &exInfo.Symbols[i]
		info, err := symbolToInfo(sym)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", sym.Symbol).Msg("Skipping symbol with bad filters")
			continue
		}
		s.infos[sym.Symbol] = info
	}
	info, ok := s.infos[symbol]
	if !ok {
		return domain.SymbolInfo{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
	}
	return info, nil
}

func klineToCandle(symbol, timeframe string, k *futures.Kline) (domain.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("bad open %q: %w", k.Open, err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("bad high %q: %w", k.High, err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("bad low %q: %w", k.Low, err)
	}
	closeP, err := decimal.NewFromString(k.Close)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("bad close %q: %w", k.Close, err)
	}
	vol, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return domain.Candle{}, fmt.Errorf("bad volume %q: %w", k.Volume, err)
	}
	return domain.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: k.OpenTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    vol,
	}, nil
}

func symbolToInfo(sym *futures.Symbol) (domain.SymbolInfo, error) {
	info := domain.SymbolInfo{Symbol: sym.Symbol}

	if f := sym.LotSizeFilter(); f != nil {
		minQty, err := decimal.NewFromString(f.MinQuantity)
		if err != nil {
			return info, fmt.Errorf("bad min quantity %q: %w", f.MinQuantity, err)
		}
		step, err := decimal.NewFromString(f.StepSize)
		if err != nil {
			return info, fmt.Errorf("bad step size %q: %w", f.StepSize, err)
		}
		info.MinQty = minQty
		info.StepSize = step
	}
	if f := sym.PriceFilter(); f != nil {
		tick, err := decimal.NewFromString(f.TickSize)
		if err != nil {
			return info, fmt.Errorf("bad tick size %q: %w", f.TickSize, err)
		}
		info.TickSize = tick
	}
	if f := sym.MinNotionalFilter(); f != nil {
		notional, err := decimal.NewFromString(f.Notional)
		if err != nil {
			return info, fmt.Errorf("bad min notional %q: %w", f.Notional, err)
		}
		info.MinNotional = notional
	}
	return info, nil
}

// futuresClient adapts the go-binance futures client to klineClient.
type futuresClient struct {
	c *futures.Client
}

func (f *futuresClient) Klines(ctx context.Context, symbol, interval string, start int64, limit int) ([]*futures.Kline, error) {
	return f.c.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start).
		Limit(limit).
		Do(ctx)
}

func (f *futuresClient) ExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error) {
	return f.c.NewExchangeInfoService().Do(ctx)
}
