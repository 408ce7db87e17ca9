package domain

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Candle is a single OHLCV row for one (symbol, timeframe) pair.
// Candles are immutable once created.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// SymbolInfo carries the exchange filters needed for quantity and price
// rounding. Fetched once per symbol and cached.
type SymbolInfo struct {
	Symbol      string          `json:"symbol"`
	MinQty      decimal.Decimal `json:"min_qty"`
	StepSize    decimal.Decimal `json:"step_size"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Order is a resting limit order or an immediately-executed market order.
// Market orders carry no preset price; the exchange stamps the fill price.
type Order struct {
	ID           string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	PositionSide PositionSide    `json:"position_side"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Status       OrderStatus     `json:"status"`
	Timestamp    int64           `json:"timestamp"`
}

// Trade records a fill. Quantity is signed: negative for sells.
// RealizedPnL is non-zero only for trades that close (part of) a position.
type Trade struct {
	OrderID          string          `json:"order_id"`
	Timestamp        int64           `json:"timestamp"`
	Symbol           string          `json:"symbol"`
	PositionSide     PositionSide    `json:"position_side"`
	Side             OrderSide       `json:"side"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	Commission       decimal.Decimal `json:"commission"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	ClosesCompletely bool            `json:"closes_completely"`
}

// Position aggregates the open exposure on one side of a symbol.
// Amount is signed: >= 0 for long, <= 0 for short. A flat position has
// zero entry price and break-even.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	BreakEven  decimal.Decimal `json:"break_even"`
	Commission decimal.Decimal `json:"commission"`
	Trades     []Trade         `json:"trades,omitempty"`
}

// NewPosition returns a flat position for symbol/side.
func NewPosition(symbol string, side PositionSide) *Position {
	return &Position{Symbol: symbol, Side: side}
}

// IsFlat reports whether the position holds no exposure.
func (p *Position) IsFlat() bool {
	return p.Amount.IsZero()
}

// AddTrade appends t and keeps the trade list ordered by timestamp.
func (p *Position) AddTrade(t Trade) {
	p.Trades = append(p.Trades, t)
	sort.SliceStable(p.Trades, func(i, j int) bool {
		return p.Trades[i].Timestamp < p.Trades[j].Timestamp
	})
}

// LoadCount estimates how many times the position has been added to, by
// halving the current amount until it falls below the smallest per-trade
// quantity. minQty overrides the derived floor when non-zero.
func (p *Position) LoadCount(minQty decimal.Decimal) int {
	if p.Amount.IsZero() {
		return 0
	}
	floor := minQty
	if floor.IsZero() {
		for _, t := range p.Trades {
			q := t.Quantity.Abs()
			if q.IsZero() {
				continue
			}
			if floor.IsZero() || q.LessThan(floor) {
				floor = q
			}
		}
	}
	if floor.IsZero() {
		return 0
	}
	count := 0
	remaining := p.Amount.Abs()
	for remaining.GreaterThanOrEqual(floor) {
		count++
		remaining = remaining.Div(decimal.NewFromInt(2))
	}
	return count
}

// Cycle is the interval between two moments where both positions are flat,
// enclosing at least one opening trade.
type Cycle struct {
	ID            string          `json:"cycle_id"`
	Symbol        string          `json:"symbol"`
	Strategy      string          `json:"strategy_name"`
	StartTS       int64           `json:"start_timestamp"`
	EndTS         int64           `json:"end_timestamp"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	LongTrades    int             `json:"long_trades_count"`
	ShortTrades   int             `json:"short_trades_count"`
	LongMaxLoads  int             `json:"long_max_loads"`
	ShortMaxLoads int             `json:"short_max_loads"`
}

// NewCycle builds a cycle with a fresh id.
func NewCycle(symbol, strategy string, startTS, endTS int64) *Cycle {
	return &Cycle{
		ID:       uuid.NewString(),
		Symbol:   symbol,
		Strategy: strategy,
		StartTS:  startTS,
		EndTS:    endTS,
	}
}

// DurationMinutes is the cycle length in minutes.
func (c *Cycle) DurationMinutes() float64 {
	return float64(c.EndTS-c.StartTS) / float64(OneMinuteMillis)
}

// OperationsStatus records, per (position side, order side), whether a fill
// has happened and the strategy must wait for an RSI reset before placing
// the same kind of order again.
type OperationsStatus struct {
	LongBuy   bool
	LongSell  bool
	ShortBuy  bool
	ShortSell bool
}

// Get returns the flag for (positionSide, side).
func (s *OperationsStatus) Get(positionSide PositionSide, side OrderSide) bool {
	switch {
	case positionSide == PositionLong && side == SideBuy:
		return s.LongBuy
	case positionSide == PositionLong && side == SideSell:
		return s.LongSell
	case positionSide == PositionShort && side == SideBuy:
		return s.ShortBuy
	default:
		return s.ShortSell
	}
}

// Set updates the flag for (positionSide, side).
func (s *OperationsStatus) Set(positionSide PositionSide, side OrderSide, v bool) {
	switch {
	case positionSide == PositionLong && side == SideBuy:
		s.LongBuy = v
	case positionSide == PositionLong && side == SideSell:
		s.LongSell = v
	case positionSide == PositionShort && side == SideBuy:
		s.ShortBuy = v
	default:
		s.ShortSell = v
	}
}
