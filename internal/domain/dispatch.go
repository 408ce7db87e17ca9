package domain

import (
	"github.com/rs/zerolog/log"
)

// Handler types for the event dispatchers. Handlers run synchronously in
// registration order; a panicking handler is logged and skipped so it never
// affects its siblings.
type (
	CandleHandler   func(Candle)
	OrderHandler    func(Order)
	TradeHandler    func(Trade)
	PositionHandler func(Position)
	CycleHandler    func(Cycle)
)

type candleKey struct {
	symbol    string
	timeframe string
}

type candleEntry struct {
	id      int
	handler CandleHandler
}

// CandleDispatcher fans complete-candle events out to listeners registered
// by (symbol, timeframe).
type CandleDispatcher struct {
	listeners map[candleKey][]candleEntry
	nextID    int
}

func NewCandleDispatcher() *CandleDispatcher {
	return &CandleDispatcher{listeners: make(map[candleKey][]candleEntry)}
}

// Add registers h for (symbol, timeframe) and returns a token for Remove.
func (d *CandleDispatcher) Add(symbol, timeframe string, h CandleHandler) int {
	d.nextID++
	key := candleKey{symbol, timeframe}
	d.listeners[key] = append(d.listeners[key], candleEntry{id: d.nextID, handler: h})
	return d.nextID
}

// Remove deregisters the listener identified by token.
func (d *CandleDispatcher) Remove(symbol, timeframe string, token int) {
	key := candleKey{symbol, timeframe}
	entries := d.listeners[key]
	for i, e := range entries {
		if e.id == token {
			d.listeners[key] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch delivers c to every listener of (c.Symbol, c.Timeframe).
func (d *CandleDispatcher) Dispatch(c Candle) {
	key := candleKey{c.Symbol, c.Timeframe}
	for _, e := range d.listeners[key] {
		safeDispatch("candle", func() { e.handler(c) })
	}
}

// EventDispatcher fans exchange-side events (orders, trades, positions) and
// cycle completions out to registered listeners.
type EventDispatcher struct {
	orderListeners    []OrderHandler
	tradeListeners    []TradeHandler
	positionListeners []PositionHandler
	cycleListeners    map[string][]CycleHandler
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{cycleListeners: make(map[string][]CycleHandler)}
}

func (d *EventDispatcher) AddOrderListener(h OrderHandler) {
	d.orderListeners = append(d.orderListeners, h)
}

func (d *EventDispatcher) AddTradeListener(h TradeHandler) {
	d.tradeListeners = append(d.tradeListeners, h)
}

func (d *EventDispatcher) AddPositionListener(h PositionHandler) {
	d.positionListeners = append(d.positionListeners, h)
}

func (d *EventDispatcher) AddCycleListener(symbol string, h CycleHandler) {
	d.cycleListeners[symbol] = append(d.cycleListeners[symbol], h)
}

func (d *EventDispatcher) DispatchOrder(o Order) {
	for _, h := range d.orderListeners {
		h := h
		safeDispatch("order", func() { h(o) })
	}
}

func (d *EventDispatcher) DispatchTrade(t Trade) {
	for _, h := range d.tradeListeners {
		h := h
		safeDispatch("trade", func() { h(t) })
	}
}

func (d *EventDispatcher) DispatchPosition(p Position) {
	for _, h := range d.positionListeners {
		h := h
		safeDispatch("position", func() { h(p) })
	}
}

func (d *EventDispatcher) DispatchCycle(c Cycle) {
	for _, h := range d.cycleListeners[c.Symbol] {
		h := h
		safeDispatch("cycle", func() { h(c) })
	}
}

func safeDispatch(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", kind).
				Interface("panic", r).
				Msg("Event listener panicked, skipping")
		}
	}()
	fn()
}
