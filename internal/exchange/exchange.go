// Package exchange implements a simulated perpetual-futures exchange with
// hedge-mode positions, resting limit orders and liquidation.
package exchange

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/domain"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// Config sets the account and fee parameters of the simulated exchange.
type Config struct {
	InitialBalance decimal.Decimal
	Leverage       decimal.Decimal
	MakerFee       decimal.Decimal
	TakerFee       decimal.Decimal
	MaxNotional    decimal.Decimal
	BaseTimeframe  string
}

// Exchange keeps one wallet and, per symbol, a long and a short position.
// Order matching runs against complete candles pulled from market data; the
// exchange only subscribes to candles while at least one limit order rests.
type Exchange struct {
	marketData domain.MarketData
	events     *domain.EventDispatcher
	logger     zerolog.Logger

	balance       decimal.Decimal
	leverage      decimal.Decimal
	makerFee      decimal.Decimal
	takerFee      decimal.Decimal
	maxNotional   decimal.Decimal
	baseTimeframe string

	orders      map[string]map[string]*domain.Order // symbol -> order id
	trades      map[string][]domain.Trade
	positions   map[string]map[domain.PositionSide]*domain.Position
	candleToken map[string]int
	subscribed  map[string]bool
}

// New creates an exchange over the given market data feed.
func New(md domain.MarketData, cfg Config) *Exchange {
	base := cfg.BaseTimeframe
	if base == "" {
		base = "1m"
	}
	return &Exchange{
		marketData:    md,
		events:        domain.NewEventDispatcher(),
		logger:        config.NewLogger("exchange"),
		balance:       cfg.InitialBalance,
		leverage:      cfg.Leverage,
		makerFee:      cfg.MakerFee,
		takerFee:      cfg.TakerFee,
		maxNotional:   cfg.MaxNotional,
		baseTimeframe: base,
		orders:        make(map[string]map[string]*domain.Order),
		trades:        make(map[string][]domain.Trade),
		positions:     make(map[string]map[domain.PositionSide]*domain.Position),
		candleToken:   make(map[string]int),
		subscribed:    make(map[string]bool),
	}
}

// Balance returns the wallet balance.
func (e *Exchange) Balance() decimal.Decimal { return e.balance }

// Position returns the position for (symbol, side), creating a flat one on
// first access.
func (e *Exchange) Position(symbol string, side domain.PositionSide) *domain.Position {
	bySide := e.positions[symbol]
	if bySide == nil {
		bySide = make(map[domain.PositionSide]*domain.Position)
		e.positions[symbol] = bySide
	}
	p := bySide[side]
	if p == nil {
		p = domain.NewPosition(symbol, side)
		bySide[side] = p
	}
	return p
}

// Orders returns the resting orders of symbol sorted by creation time.
func (e *Exchange) Orders(symbol string) []*domain.Order {
	out := make([]*domain.Order, 0, len(e.orders[symbol]))
	for _, o := range e.orders[symbol] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Trades returns all fills recorded for symbol.
func (e *Exchange) Trades(symbol string) []domain.Trade {
	return e.trades[symbol]
}

// AddTradeListener subscribes h to fills.
func (e *Exchange) AddTradeListener(h domain.TradeHandler) {
	e.events.AddTradeListener(h)
}

// Events exposes the order/trade/position dispatcher for observers beyond
// the strategy, such as the backtest runner.
func (e *Exchange) Events() *domain.EventDispatcher { return e.events }

// RealBalance is the wallet balance plus the unrealized PnL of both
// positions marked at the candle close.
func (e *Exchange) RealBalance(symbol string, c domain.Candle) decimal.Decimal {
	real := e.balance
	for _, side := range []domain.PositionSide{domain.PositionLong, domain.PositionShort} {
		p := e.Position(symbol, side)
		if !p.Amount.IsZero() {
			real = real.Add(p.Amount.Mul(c.Close.Sub(p.EntryPrice)))
		}
	}
	return real
}

// isOpening reports whether (positionSide, side) grows exposure.
func isOpening(positionSide domain.PositionSide, side domain.OrderSide) bool {
	return (positionSide == domain.PositionLong && side == domain.SideBuy) ||
		(positionSide == domain.PositionShort && side == domain.SideSell)
}

// NewOrder validates and places an order. Market orders execute immediately
// at the last close; limit orders rest until a candle crosses their price.
func (e *Exchange) NewOrder(symbol string, positionSide domain.PositionSide, side domain.OrderSide, typ domain.OrderType, quantity decimal.Decimal, price *decimal.Decimal) (*domain.Order, error) {
	if typ == domain.OrderMarket && price != nil {
		return nil, &messages.CodedError{Code: messages.ErrCodeInvalidRequest, Message: "market orders must not specify a price"}
	}
	if typ == domain.OrderLimit && price == nil {
		return nil, &messages.CodedError{Code: messages.ErrCodeInvalidRequest, Message: "limit orders must specify a price"}
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &messages.CodedError{Code: messages.ErrCodeInvalidRequest, Message: "order quantity must be positive"}
	}

	ref, err := e.lastCandle(symbol)
	if err != nil {
		return nil, err
	}
	execPrice := ref.Close
	if typ == domain.OrderLimit {
		execPrice = *price
	}

	if isOpening(positionSide, side) {
		if err := e.validateOpening(symbol, quantity, execPrice, ref.Close); err != nil {
			return nil, err
		}
	}

	order := &domain.Order{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		PositionSide: positionSide,
		Side:         side,
		Type:         typ,
		Quantity:     quantity,
		Status:       domain.StatusNew,
		Timestamp:    ref.Timestamp,
	}

	if typ == domain.OrderMarket {
		order.Price = ref.Close
		e.completeOrder(order, ref.Timestamp)
		return order, nil
	}

	order.Price = *price
	if e.orders[symbol] == nil {
		e.orders[symbol] = make(map[string]*domain.Order)
	}
	e.orders[symbol][order.ID] = order
	if err := e.ensureSubscribed(symbol); err != nil {
		delete(e.orders[symbol], order.ID)
		return nil, err
	}
	e.events.DispatchOrder(*order)
	e.logger.Debug().
		Str("order_id", order.ID).
		Str("symbol", symbol).
		Str("position_side", string(positionSide)).
		Str("side", string(side)).
		Str("price", order.Price.String()).
		Str("quantity", order.Quantity.String()).
		Msg("Limit order resting")
	return order, nil
}

// validateOpening enforces margin and gross notional caps for orders that
// grow exposure.
func (e *Exchange) validateOpening(symbol string, quantity, execPrice, closePrice decimal.Decimal) error {
	orderNotional := quantity.Mul(execPrice)
	if e.leverage.IsPositive() && orderNotional.Div(e.leverage).GreaterThan(e.balance) {
		return &messages.CodedError{
			Code:    messages.ErrCodeInsufficientBalance,
			Message: fmt.Sprintf("order margin %s exceeds balance %s", orderNotional.Div(e.leverage), e.balance),
		}
	}
	long := e.Position(symbol, domain.PositionLong)
	short := e.Position(symbol, domain.PositionShort)
	exposure := long.Amount.Abs().Add(short.Amount.Abs()).Mul(closePrice)
	if exposure.Add(orderNotional).GreaterThan(e.maxNotional) {
		return &messages.CodedError{
			Code:    messages.ErrCodeMaxNotionalExceeded,
			Message: fmt.Sprintf("notional %s exceeds cap %s", exposure.Add(orderNotional), e.maxNotional),
		}
	}
	return nil
}

// ModifyOrder updates a resting order's price, quantity or type. Switching
// to market executes at the last close and removes the order.
func (e *Exchange) ModifyOrder(order *domain.Order) (*domain.Order, error) {
	existing := e.orders[order.Symbol][order.ID]
	if existing == nil {
		return nil, &messages.CodedError{Code: messages.ErrCodeInvalidRequest, Message: fmt.Sprintf("order %s not found", order.ID)}
	}

	ref, err := e.lastCandle(order.Symbol)
	if err != nil {
		return nil, err
	}
	if isOpening(order.PositionSide, order.Side) {
		execPrice := ref.Close
		if order.Type == domain.OrderLimit {
			execPrice = order.Price
		}
		if err := e.validateOpening(order.Symbol, order.Quantity, execPrice, ref.Close); err != nil {
			return nil, err
		}
	}

	if order.Type == domain.OrderMarket {
		existing.Type = domain.OrderMarket
		existing.Quantity = order.Quantity
		existing.Price = ref.Close
		delete(e.orders[order.Symbol], existing.ID)
		e.unsubscribeIfIdle(order.Symbol)
		e.completeOrder(existing, ref.Timestamp)
		return existing, nil
	}

	existing.Price = order.Price
	existing.Quantity = order.Quantity
	e.events.DispatchOrder(*existing)
	return existing, nil
}

// CancelOrder removes a resting order, reporting whether it existed.
func (e *Exchange) CancelOrder(orderID string) bool {
	for symbol, byID := range e.orders {
		order, ok := byID[orderID]
		if !ok {
			continue
		}
		delete(byID, orderID)
		order.Status = domain.StatusCanceled
		e.events.DispatchOrder(*order)
		e.unsubscribeIfIdle(symbol)
		return true
	}
	return false
}

// CancelOrders cancels every resting order of (symbol, positionSide, side).
func (e *Exchange) CancelOrders(symbol string, positionSide domain.PositionSide, side domain.OrderSide) {
	for _, o := range e.Orders(symbol) {
		if o.PositionSide == positionSide && o.Side == side {
			e.CancelOrder(o.ID)
		}
	}
}

// CancelAllOrders cancels every resting order of symbol.
func (e *Exchange) CancelAllOrders(symbol string) {
	for _, o := range e.Orders(symbol) {
		e.CancelOrder(o.ID)
	}
}

// lastCandle returns the most recent complete base-timeframe candle.
func (e *Exchange) lastCandle(symbol string) (domain.Candle, error) {
	cs, err := e.marketData.Candles(symbol, e.baseTimeframe, 10)
	if err != nil {
		return domain.Candle{}, err
	}
	if len(cs) == 0 {
		return domain.Candle{}, &messages.CodedError{
			Code:    messages.ErrCodeNoCandlesAvailable,
			Message: fmt.Sprintf("no reference candle for %s/%s", symbol, e.baseTimeframe),
		}
	}
	return cs[len(cs)-1], nil
}

// ensureSubscribed attaches the candle listener on the first resting order.
func (e *Exchange) ensureSubscribed(symbol string) error {
	if e.subscribed[symbol] {
		return nil
	}
	token, err := e.marketData.AddCompleteCandleListener(symbol, e.baseTimeframe, e.onCandle)
	if err != nil {
		return fmt.Errorf("failed to subscribe order matching for %s: %w", symbol, err)
	}
	e.candleToken[symbol] = token
	e.subscribed[symbol] = true
	return nil
}

// unsubscribeIfIdle drops the candle listener once no orders rest.
func (e *Exchange) unsubscribeIfIdle(symbol string) {
	if !e.subscribed[symbol] || len(e.orders[symbol]) > 0 {
		return
	}
	e.marketData.RemoveCompleteCandleListener(symbol, e.baseTimeframe, e.candleToken[symbol])
	delete(e.candleToken, symbol)
	e.subscribed[symbol] = false
}

// onCandle checks liquidation first, then matches resting orders against the
// candle's range.
func (e *Exchange) onCandle(c domain.Candle) {
	e.checkLiquidation(c)

	for _, order := range e.Orders(c.Symbol) {
		// A listener reacting to an earlier fill may have canceled this one.
		if _, ok := e.orders[c.Symbol][order.ID]; !ok {
			continue
		}
		if e.crosses(order, c) {
			delete(e.orders[c.Symbol], order.ID)
			e.completeOrder(order, c.Timestamp)
		}
	}
	e.unsubscribeIfIdle(c.Symbol)
}

// checkLiquidation zeroes the wallet and flattens both positions when the
// worst-case intra-candle mark drains the account.
func (e *Exchange) checkLiquidation(c domain.Candle) {
	long := e.Position(c.Symbol, domain.PositionLong)
	short := e.Position(c.Symbol, domain.PositionShort)

	unrealized := decimal.Zero
	if long.Amount.IsPositive() {
		unrealized = unrealized.Add(long.Amount.Mul(c.Low.Sub(long.EntryPrice)))
	}
	if short.Amount.IsNegative() {
		unrealized = unrealized.Add(short.Amount.Abs().Mul(short.EntryPrice.Sub(c.High)))
	}
	if long.Amount.IsZero() && short.Amount.IsZero() {
		return
	}
	if e.balance.Add(unrealized).GreaterThan(decimal.Zero) {
		return
	}

	e.logger.Warn().
		Str("symbol", c.Symbol).
		Str("balance", e.balance.String()).
		Str("unrealized", unrealized.String()).
		Int64("timestamp", c.Timestamp).
		Msg("Account liquidated")

	e.balance = decimal.Zero
	e.positions[c.Symbol][domain.PositionLong] = domain.NewPosition(c.Symbol, domain.PositionLong)
	e.positions[c.Symbol][domain.PositionShort] = domain.NewPosition(c.Symbol, domain.PositionShort)
	e.events.DispatchPosition(*e.positions[c.Symbol][domain.PositionLong])
	e.events.DispatchPosition(*e.positions[c.Symbol][domain.PositionShort])
}

// crosses reports whether the candle trades through the limit price.
func (e *Exchange) crosses(o *domain.Order, c domain.Candle) bool {
	if o.Side == domain.SideBuy {
		return o.Price.GreaterThanOrEqual(c.Close) || o.Price.GreaterThanOrEqual(c.Low)
	}
	return o.Price.LessThanOrEqual(c.Close) || o.Price.LessThanOrEqual(c.High)
}

// completeOrder settles a fill: cash movement, trade record and position
// update, dispatched in that order.
func (e *Exchange) completeOrder(order *domain.Order, ts int64) {
	fee := e.takerFee
	if order.Type == domain.OrderLimit {
		fee = e.makerFee
	}

	tradeQty := order.Quantity
	if order.Side == domain.SideSell {
		tradeQty = order.Quantity.Neg()
	}
	tradeSize := tradeQty.Mul(order.Price)
	commission := order.Quantity.Mul(order.Price).Mul(fee).Abs()

	position := e.Position(order.Symbol, order.PositionSide)
	oldAmount := position.Amount
	value := order.Quantity.Mul(order.Price.Sub(position.EntryPrice))

	realized := decimal.Zero
	switch {
	case order.PositionSide == domain.PositionLong && order.Side == domain.SideSell:
		realized = value.Sub(commission)
		e.balance = e.balance.Add(realized)
	case order.PositionSide == domain.PositionShort && order.Side == domain.SideBuy:
		realized = value.Neg().Sub(commission)
		e.balance = e.balance.Add(realized)
	default:
		e.balance = e.balance.Sub(commission)
	}

	order.Status = domain.StatusFilled
	order.Timestamp = ts
	e.events.DispatchOrder(*order)

	trade := domain.Trade{
		OrderID:          order.ID,
		Timestamp:        ts,
		Symbol:           order.Symbol,
		PositionSide:     order.PositionSide,
		Side:             order.Side,
		Price:            order.Price,
		Quantity:         tradeQty,
		Commission:       commission,
		RealizedPnL:      realized,
		ClosesCompletely: oldAmount.Add(tradeQty).IsZero() && !oldAmount.IsZero(),
	}
	e.trades[order.Symbol] = append(e.trades[order.Symbol], trade)
	e.events.DispatchTrade(trade)

	if tradeQty.IsPositive() {
		position.Commission = position.Commission.Add(commission)
	} else {
		position.Commission = position.Commission.Sub(commission)
	}

	newAmount := oldAmount.Add(tradeQty)
	if newAmount.IsZero() {
		// Fully closed: the next cycle starts from a clean position, so the
		// closing trade must not be carried into it.
		position = domain.NewPosition(order.Symbol, order.PositionSide)
		e.positions[order.Symbol][order.PositionSide] = position
		e.events.DispatchPosition(*position)
		return
	}
	if isOpening(order.PositionSide, order.Side) {
		oldAbs := oldAmount.Abs()
		newAbs := newAmount.Abs()
		position.BreakEven = position.BreakEven.Mul(oldAbs).
			Add(tradeSize.Abs()).
			Add(commission.Mul(decimal.NewFromInt(2))).
			Div(newAbs)
		position.EntryPrice = position.EntryPrice.Mul(oldAbs).
			Add(tradeSize.Abs()).
			Div(newAbs)
	} else {
		oldAbs := oldAmount.Abs()
		newAbs := newAmount.Abs()
		position.BreakEven = position.BreakEven.Mul(oldAbs).
			Add(tradeSize.Abs()).
			Div(newAbs)
	}
	position.AddTrade(trade)
	position.Amount = newAmount
	e.events.DispatchPosition(*position)
}

var _ domain.ExchangePort = (*Exchange)(nil)
