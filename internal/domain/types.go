package domain

import "time"

// PositionSide identifies which of the two independent positions an
// order or trade belongs to.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType distinguishes resting limit orders from immediate market orders.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew      OrderStatus = "new"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
)

const OneMinuteMillis int64 = 60_000

// TimeframeMinutes is the fixed timeframe vocabulary.
var TimeframeMinutes = map[string]int64{
	"1m":  1,
	"3m":  3,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"2h":  120,
	"4h":  240,
	"8h":  480,
	"1d":  1440,
	"1w":  10080,
	"1M":  43200,
}

// ValidTimeframe reports whether tf belongs to the vocabulary.
func ValidTimeframe(tf string) bool {
	_, ok := TimeframeMinutes[tf]
	return ok
}

// TimeframeMillis returns the duration of tf in milliseconds, or 0 for an
// unknown timeframe.
func TimeframeMillis(tf string) int64 {
	return TimeframeMinutes[tf] * OneMinuteMillis
}

// TimeframeDuration returns the duration of tf, or false for an unknown
// timeframe.
func TimeframeDuration(tf string) (time.Duration, bool) {
	m, ok := TimeframeMinutes[tf]
	if !ok {
		return 0, false
	}
	return time.Duration(m) * time.Minute, true
}

// BaseTimeframe returns the shortest timeframe in tfs. Unknown entries are
// ignored; an empty or fully-invalid list yields "1m". Every component that
// needs the base timeframe goes through this one routine.
func BaseTimeframe(tfs []string) string {
	base := ""
	var min int64
	for _, tf := range tfs {
		m, ok := TimeframeMinutes[tf]
		if !ok {
			continue
		}
		if base == "" || m < min {
			base = tf
			min = m
		}
	}
	if base == "" {
		return "1m"
	}
	return base
}
