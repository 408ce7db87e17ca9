package strategy

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/domain"
)

// DefaultRSILimits are the oversold / neutral / overbought bounds.
var DefaultRSILimits = [3]int{15, 50, 85}

// DefaultTimeframes is the standard three-timeframe ladder.
var DefaultTimeframes = []string{"1m", "15m", "1h"}

const totalLoadBudget = 9

// CargaDescarga accumulates into positions against the stochastic RSI
// ("carga") and unwinds them in halves once price clears the accumulated
// commission ("descarga"). Long and short sides run independently.
type CargaDescarga struct {
	symbol     string
	exchange   domain.ExchangePort
	marketData domain.MarketData
	events     *domain.EventDispatcher
	logger     zerolog.Logger

	timeframes  []string
	baseTF      string
	rsiLimits   [3]int
	trackCycles bool

	opStatus domain.OperationsStatus

	info      domain.SymbolInfo
	infoReady bool

	lastCandleTS int64
	rsiCache     map[string]float64

	cycleStart    *int64
	cycleLong     int
	cycleShort    int
	longMaxLoads  int
	shortMaxLoads int
}

// NewCargaDescarga builds the strategy with defaults for missing params.
func NewCargaDescarga(symbol string, ex domain.ExchangePort, md domain.MarketData, events *domain.EventDispatcher, p Params) (domain.Strategy, error) {
	tfs := p.Timeframes
	if len(tfs) == 0 {
		tfs = append([]string(nil), DefaultTimeframes...)
	}
	limits := DefaultRSILimits
	if p.RSILimits != nil {
		if len(p.RSILimits) != 3 {
			return nil, fmt.Errorf("rsi limits must have 3 values, got %d", len(p.RSILimits))
		}
		copy(limits[:], p.RSILimits)
	}
	return &CargaDescarga{
		symbol:      symbol,
		exchange:    ex,
		marketData:  md,
		events:      events,
		logger:      config.NewLogger("strategy").With().Str("strategy", "carga_descarga").Str("symbol", symbol).Logger(),
		timeframes:  tfs,
		baseTF:      domain.BaseTimeframe(tfs),
		rsiLimits:   limits,
		trackCycles: p.TrackCycles,
		rsiCache:    make(map[string]float64),
	}, nil
}

func (s *CargaDescarga) Name() string   { return "carga_descarga" }
func (s *CargaDescarga) Symbol() string { return s.symbol }

// BaseTimeframe is the candle stream the strategy must be subscribed to.
func (s *CargaDescarga) BaseTimeframe() string { return s.baseTF }

// OnTrade reacts to fills: it latches the per-side operation status until an
// RSI reset, updates cycle accounting and clears the remaining orders so the
// next candle replans from scratch.
func (s *CargaDescarga) OnTrade(t domain.Trade) {
	s.logger.Info().
		Str("position_side", string(t.PositionSide)).
		Str("side", string(t.Side)).
		Str("price", t.Price.String()).
		Str("quantity", t.Quantity.String()).
		Str("realized_pnl", t.RealizedPnL.String()).
		Msg("Trade executed")

	s.opStatus.Set(t.PositionSide, t.Side, true)

	if s.trackCycles {
		s.trackCycle(t)
	}

	for _, o := range s.exchange.Orders(s.symbol) {
		s.exchange.CancelOrder(o.ID)
	}
}

// trackCycle opens a cycle on the first fill after both sides were flat and
// closes it when both sides return to flat.
func (s *CargaDescarga) trackCycle(t domain.Trade) {
	if s.cycleStart == nil {
		start := t.Timestamp
		s.cycleStart = &start
	}
	if t.PositionSide == domain.PositionLong {
		s.cycleLong++
	} else {
		s.cycleShort++
	}
	if loads := s.exchange.Position(s.symbol, domain.PositionLong).LoadCount(decimal.Zero); loads > s.longMaxLoads {
		s.longMaxLoads = loads
	}
	if loads := s.exchange.Position(s.symbol, domain.PositionShort).LoadCount(decimal.Zero); loads > s.shortMaxLoads {
		s.shortMaxLoads = loads
	}

	long := s.exchange.Position(s.symbol, domain.PositionLong)
	short := s.exchange.Position(s.symbol, domain.PositionShort)
	if !long.IsFlat() || !short.IsFlat() {
		return
	}

	cycle := domain.NewCycle(s.symbol, s.Name(), *s.cycleStart, t.Timestamp)
	pnl := decimal.Zero
	for _, tr := range s.exchange.Trades(s.symbol) {
		if tr.Timestamp >= cycle.StartTS && tr.Timestamp <= cycle.EndTS {
			pnl = pnl.Add(tr.RealizedPnL)
		}
	}
	cycle.TotalPnL = pnl
	cycle.LongTrades = s.cycleLong
	cycle.ShortTrades = s.cycleShort
	cycle.LongMaxLoads = s.longMaxLoads
	cycle.ShortMaxLoads = s.shortMaxLoads

	s.logger.Info().
		Str("cycle_id", cycle.ID).
		Str("total_pnl", cycle.TotalPnL.String()).
		Float64("duration_minutes", cycle.DurationMinutes()).
		Msg("Cycle completed")
	s.events.DispatchCycle(*cycle)

	s.cycleStart = nil
	s.cycleLong, s.cycleShort = 0, 0
	s.longMaxLoads, s.shortMaxLoads = 0, 0
}

// OnCandle runs the full planning pass on every complete base candle.
func (s *CargaDescarga) OnCandle(c domain.Candle) {
	if c.Symbol != s.symbol || c.Timeframe != s.baseTF {
		return
	}
	if c.Timestamp != s.lastCandleTS {
		s.lastCandleTS = c.Timestamp
		s.rsiCache = make(map[string]float64)
	}
	if !s.infoReady {
		info, err := s.marketData.SymbolInfo(s.symbol)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to load symbol info")
			return
		}
		s.info = info
		s.infoReady = true
	}

	qtyDecimals := checkDecimals(s.info.StepSize)
	priceDecimals := checkDecimals(s.info.TickSize)
	minAmount := s.info.MinNotional.Div(c.Close).RoundCeil(qtyDecimals)
	if minAmount.LessThanOrEqual(decimal.Zero) {
		minAmount = s.info.MinQty
	}

	long := s.exchange.Position(s.symbol, domain.PositionLong)
	short := s.exchange.Position(s.symbol, domain.PositionShort)
	longLoads := long.LoadCount(decimal.Zero)
	shortLoads := short.LoadCount(minAmount)

	loadsPerTF := totalLoadBudget / len(s.timeframes)
	lastTF := len(s.timeframes) - 1
	longTF := min(longLoads/loadsPerTF, lastTF)
	shortTF := min(shortLoads/loadsPerTF, lastTF)
	isLongLastLoad := longLoads > 0 && longLoads%loadsPerTF == 0
	isShortLastLoad := shortLoads > 0 && shortLoads%loadsPerTF == 0
	r := max(longTF, shortTF)

	increaseLong, decreaseLong := true, true
	increaseShort, decreaseShort := true, true

	two := decimal.NewFromInt(2)
	longCushion := long.Commission.Abs().Mul(two)
	shortCushion := short.Commission.Abs().Mul(two)

	if long.Amount.IsPositive() && c.Close.LessThan(long.EntryPrice.Add(longCushion)) {
		decreaseLong = false
		s.cancelOrders(domain.PositionLong, domain.SideSell)
	}
	if short.Amount.IsNegative() && c.Close.GreaterThan(short.EntryPrice.Sub(shortCushion)) {
		decreaseShort = false
		s.cancelOrders(domain.PositionShort, domain.SideBuy)
	}
	if longLoads >= loadsPerTF && c.Close.GreaterThan(long.EntryPrice.Sub(longCushion)) {
		increaseLong = false
		s.cancelOrders(domain.PositionLong, domain.SideBuy)
	}
	if shortLoads >= loadsPerTF && c.Close.LessThan(short.EntryPrice.Add(shortCushion)) {
		increaseShort = false
		s.cancelOrders(domain.PositionShort, domain.SideSell)
	}

	var baseRSI float64
	for i := r; i >= 0; i-- {
		rsi, err := s.stochRSI(s.timeframes[i])
		if err != nil {
			s.logger.Warn().Err(err).Str("timeframe", s.timeframes[i]).Msg("Stochastic RSI unavailable")
			return
		}
		if i == 0 {
			baseRSI = rsi
			break
		}

		if rsi > float64(s.rsiLimits[0]) {
			if i <= longTF {
				increaseLong = false
				s.cancelOrders(domain.PositionLong, domain.SideBuy)
			}
			if (isShortLastLoad && i < shortTF) || (!isShortLastLoad && i <= shortTF) {
				decreaseShort = false
				s.cancelOrders(domain.PositionShort, domain.SideBuy)
			}
		}
		if rsi < float64(s.rsiLimits[2]) {
			if (isLongLastLoad && i < longTF) || (!isLongLastLoad && i <= longTF) {
				decreaseLong = false
				s.cancelOrders(domain.PositionLong, domain.SideSell)
			}
			if i <= shortTF {
				increaseShort = false
				s.cancelOrders(domain.PositionShort, domain.SideSell)
			}
		}
		if rsi > float64(s.rsiLimits[1]) {
			if i == longTF {
				s.opStatus.Set(domain.PositionLong, domain.SideBuy, false)
			}
			if i == shortTF || (isShortLastLoad && i == shortTF-1) {
				s.opStatus.Set(domain.PositionShort, domain.SideBuy, false)
			}
		}
		if rsi < float64(s.rsiLimits[1]) {
			if i == longTF || (isLongLastLoad && i == longTF-1) {
				s.opStatus.Set(domain.PositionLong, domain.SideSell, false)
			}
			if i == shortTF {
				s.opStatus.Set(domain.PositionShort, domain.SideSell, false)
			}
		}
	}

	if long.Amount.IsZero() {
		decreaseLong = false
	}
	if short.Amount.IsZero() {
		decreaseShort = false
	}
	if !increaseLong && !decreaseLong && !increaseShort && !decreaseShort {
		return
	}

	ups, downs, err := s.possiblePrices(c.Close)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to derive price ladder")
		return
	}
	sellIdx, buyIdx := priceIndices(baseRSI, s.rsiLimits)
	sellPrice := ups[sellIdx].RoundCeil(priceDecimals)
	buyPrice := downs[buyIdx].RoundFloor(priceDecimals)

	if s.symmetricExit(c, long, short, longLoads, shortLoads, increaseLong, decreaseLong, increaseShort, decreaseShort) {
		return
	}

	if increaseLong && !s.opStatus.Get(domain.PositionLong, domain.SideBuy) {
		qty := minAmount
		if long.Amount.IsPositive() {
			qty = long.Amount
		}
		s.placeOrReplace(domain.PositionLong, domain.SideBuy, qty, buyPrice)
	}
	if decreaseLong && !s.opStatus.Get(domain.PositionLong, domain.SideSell) {
		if sellPrice.GreaterThan(long.EntryPrice.Add(longCushion)) {
			qty := long.Amount.Div(two).RoundCeil(qtyDecimals)
			if qty.LessThan(minAmount) {
				qty = long.Amount
			}
			s.placeOrReplace(domain.PositionLong, domain.SideSell, qty, sellPrice)
		}
	}
	if increaseShort && !s.opStatus.Get(domain.PositionShort, domain.SideSell) {
		qty := minAmount
		if short.Amount.IsNegative() {
			qty = short.Amount.Abs()
		}
		s.placeOrReplace(domain.PositionShort, domain.SideSell, qty, sellPrice)
	}
	if decreaseShort && !s.opStatus.Get(domain.PositionShort, domain.SideBuy) {
		if buyPrice.LessThan(short.EntryPrice.Sub(shortCushion)) {
			qty := short.Amount.Abs().Div(two).RoundCeil(qtyDecimals)
			if qty.LessThan(minAmount) {
				qty = short.Amount.Abs()
			}
			s.placeOrReplace(domain.PositionShort, domain.SideBuy, qty, buyPrice)
		}
	}
}

// symmetricExit unwinds both sides at market when they are heavily loaded
// and jointly profitable. Returns true when it fired.
func (s *CargaDescarga) symmetricExit(c domain.Candle, long, short *domain.Position, longLoads, shortLoads int, incLong, decLong, incShort, decShort bool) bool {
	if longLoads < 4 || shortLoads < 4 {
		return false
	}
	value := long.Amount.Mul(c.Close.Sub(long.EntryPrice)).
		Add(short.Amount.Mul(c.Close.Sub(short.EntryPrice)))
	if !value.IsPositive() {
		return false
	}

	closeBoth := func(first, second domain.PositionSide) {
		for _, ps := range []domain.PositionSide{first, second} {
			p := s.exchange.Position(s.symbol, ps)
			if p.Amount.IsZero() {
				continue
			}
			side := domain.SideSell
			if ps == domain.PositionShort {
				side = domain.SideBuy
			}
			if _, err := s.exchange.NewOrder(s.symbol, ps, side, domain.OrderMarket, p.Amount.Abs(), nil); err != nil {
				s.logger.Error().Err(err).Str("position_side", string(ps)).Msg("Symmetric exit order failed")
			}
		}
	}

	if incLong && decShort && longLoads <= shortLoads {
		s.logger.Info().Int("long_loads", longLoads).Int("short_loads", shortLoads).Msg("Symmetric exit, long first")
		closeBoth(domain.PositionLong, domain.PositionShort)
		return true
	}
	if incShort && decLong && shortLoads <= longLoads {
		s.logger.Info().Int("long_loads", longLoads).Int("short_loads", shortLoads).Msg("Symmetric exit, short first")
		closeBoth(domain.PositionShort, domain.PositionLong)
		return true
	}
	return false
}

// placeOrReplace keeps at most one resting order per (position side, side),
// modifying it in place when price or quantity drift.
func (s *CargaDescarga) placeOrReplace(positionSide domain.PositionSide, side domain.OrderSide, qty, price decimal.Decimal) {
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return
	}
	for _, o := range s.exchange.Orders(s.symbol) {
		if o.PositionSide != positionSide || o.Side != side {
			continue
		}
		if o.Price.Equal(price) && o.Quantity.Equal(qty) {
			return
		}
		modified := *o
		modified.Price = price
		modified.Quantity = qty
		if _, err := s.exchange.ModifyOrder(&modified); err != nil {
			s.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Failed to modify order")
		}
		return
	}
	if _, err := s.exchange.NewOrder(s.symbol, positionSide, side, domain.OrderLimit, qty, &price); err != nil {
		s.logger.Warn().Err(err).
			Str("position_side", string(positionSide)).
			Str("side", string(side)).
			Msg("Failed to place order")
	}
}

func (s *CargaDescarga) cancelOrders(positionSide domain.PositionSide, side domain.OrderSide) {
	for _, o := range s.exchange.Orders(s.symbol) {
		if o.PositionSide == positionSide && o.Side == side {
			s.exchange.CancelOrder(o.ID)
		}
	}
}

// stochRSI returns the cached stochastic RSI of a timeframe for the current
// base candle.
func (s *CargaDescarga) stochRSI(timeframe string) (float64, error) {
	if v, ok := s.rsiCache[timeframe]; ok {
		return v, nil
	}
	candles, err := s.marketData.Candles(s.symbol, timeframe, indicatorWindow)
	if err != nil {
		return 0, err
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], _ = c.Close.Float64()
	}
	v, err := StochRSI(closes)
	if err != nil {
		return 0, err
	}
	s.rsiCache[timeframe] = v
	return v, nil
}

// possiblePrices builds four price levels above and four below the close
// from Williams fractals, inserting halfway points and synthesizing ±2%
// steps when the chart offers too few pivots.
func (s *CargaDescarga) possiblePrices(closeP decimal.Decimal) (ups, downs []decimal.Decimal, err error) {
	candles, err := s.marketData.Candles(s.symbol, s.baseTF, indicatorWindow)
	if err != nil {
		return nil, nil, err
	}
	bears, bulls := Fractals(candles)

	two := decimal.NewFromInt(2)
	for _, f := range sortedAsc(bears) {
		if !f.GreaterThan(closeP) {
			continue
		}
		ups = appendLevel(ups, closeP.Add(f).Div(two))
		ups = appendLevel(ups, f)
		if len(ups) >= 4 {
			break
		}
	}
	upStep := decimal.RequireFromString("1.02")
	for len(ups) < 4 {
		lastLevel := closeP
		if len(ups) > 0 {
			lastLevel = ups[len(ups)-1]
		}
		ups = append(ups, lastLevel.Mul(upStep))
	}

	for _, f := range sortedDesc(bulls) {
		if !f.LessThan(closeP) {
			continue
		}
		downs = appendLevel(downs, closeP.Add(f).Div(two))
		downs = appendLevel(downs, f)
		if len(downs) >= 4 {
			break
		}
	}
	downStep := decimal.RequireFromString("0.98")
	for len(downs) < 4 {
		lastLevel := closeP
		if len(downs) > 0 {
			lastLevel = downs[len(downs)-1]
		}
		downs = append(downs, lastLevel.Mul(downStep))
	}
	return ups[:4], downs[:4], nil
}

// priceIndices selects which ladder rung to sell and buy at, based on the
// base timeframe RSI.
func priceIndices(baseRSI float64, limits [3]int) (sellIdx, buyIdx int) {
	switch {
	case baseRSI < float64(limits[0]):
		return 3, 0
	case baseRSI > float64(limits[2]):
		return 0, 3
	case baseRSI < float64(limits[1]):
		return 2, 1
	default:
		return 1, 2
	}
}

func appendLevel(levels []decimal.Decimal, v decimal.Decimal) []decimal.Decimal {
	for _, l := range levels {
		if l.Equal(v) {
			return levels
		}
	}
	return append(levels, v)
}

func sortedAsc(vals []decimal.Decimal) []decimal.Decimal {
	out := append([]decimal.Decimal(nil), vals...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LessThan(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func sortedDesc(vals []decimal.Decimal) []decimal.Decimal {
	asc := sortedAsc(vals)
	for i, j := 0, len(asc)-1; i < j; i, j = i+1, j-1 {
		asc[i], asc[j] = asc[j], asc[i]
	}
	return asc
}

// checkDecimals counts the decimal places of an exchange step or tick size,
// e.g. 0.001 has three.
func checkDecimals(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 0
	}
	return -step.Exponent()
}

var _ domain.Strategy = (*CargaDescarga)(nil)
