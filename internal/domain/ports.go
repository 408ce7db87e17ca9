package domain

import "github.com/shopspring/decimal"

// MarketData is the read side of the candle stream as seen by the exchange
// and the strategy: historical windows ending just before the cursor, symbol
// metadata, and complete-candle subscriptions.
type MarketData interface {
	Candles(symbol, timeframe string, limit int) ([]Candle, error)
	SymbolInfo(symbol string) (SymbolInfo, error)
	AddCompleteCandleListener(symbol, timeframe string, h CandleHandler) (int, error)
	RemoveCompleteCandleListener(symbol, timeframe string, token int)
}

// ExchangePort is the surface a strategy drives. Implemented by the
// simulated exchange; a live adapter would satisfy the same contract.
type ExchangePort interface {
	Balance() decimal.Decimal
	Position(symbol string, side PositionSide) *Position
	Orders(symbol string) []*Order
	Trades(symbol string) []Trade
	NewOrder(symbol string, positionSide PositionSide, side OrderSide, typ OrderType, quantity decimal.Decimal, price *decimal.Decimal) (*Order, error)
	ModifyOrder(order *Order) (*Order, error)
	CancelOrder(orderID string) bool
	AddTradeListener(h TradeHandler)
}

// Strategy is the behavioural contract of a trading strategy: it reacts to
// complete candles and to its own fills.
type Strategy interface {
	Name() string
	Symbol() string
	OnCandle(c Candle)
	OnTrade(t Trade)
}
