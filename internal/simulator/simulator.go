// Package simulator replays historical candles through listener callbacks,
// fetching from the upstream source whenever the local store runs dry.
package simulator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/domain"
	"github.com/ajitpratap0/stratqual/internal/marketdata"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// CandleStore is the persistence surface the simulator needs. Satisfied by
// candlestore.Store.
type CandleStore interface {
	AddCandles(ctx context.Context, symbol string, candles []domain.Candle) error
	NextCandle(ctx context.Context, symbol string, ts int64, timeframe string) (*domain.Candle, error)
	Candles(ctx context.Context, symbol, timeframe string, start int64, limit int) ([]domain.Candle, error)
}

const fetchBatchSize = 1000

// nowFunc is swapped in tests to pin the wall clock.
var nowFunc = func() int64 { return time.Now().UnixMilli() }

// Simulator advances a single time cursor across one or more symbols and
// dispatches complete candles for every subscribed timeframe.
type Simulator struct {
	ctx        context.Context
	store      CandleStore
	source     marketdata.Source
	dispatcher *domain.CandleDispatcher
	logger     zerolog.Logger

	symbolTimeframes map[string][]string
	baseTimeframe    map[string]string
	lastDispatched   map[string]map[string]int64

	currentTime int64
	startTime   int64
	endTime     int64
	minCandles  int
	ended       bool
}

// New creates a simulator over the given store and source.
func New(ctx context.Context, store CandleStore, source marketdata.Source) *Simulator {
	return &Simulator{
		ctx:              ctx,
		store:            store,
		source:           source,
		dispatcher:       domain.NewCandleDispatcher(),
		logger:           config.NewLogger("simulator"),
		symbolTimeframes: make(map[string][]string),
		baseTimeframe:    make(map[string]string),
		lastDispatched:   make(map[string]map[string]int64),
	}
}

// SetTimes configures the replay window. A nil end means "up to one minute
// ago"; an end in the future is clamped to the same bound. minCandles is the
// warm-up history each subscribed timeframe gets before start; zero means
// no warm-up, a negative value selects the default of 10.
func (s *Simulator) SetTimes(start int64, end *int64, minCandles int) {
	if minCandles < 0 {
		minCandles = 10
	}
	safeEnd := nowFunc() - domain.OneMinuteMillis

	s.startTime = start
	s.currentTime = start
	s.minCandles = minCandles
	s.ended = false

	switch {
	case end == nil:
		s.endTime = safeEnd
	case *end >= nowFunc():
		s.logger.Warn().
			Int64("requested_end", *end).
			Int64("clamped_end", safeEnd).
			Msg("End time is in the future, clamping")
		s.endTime = safeEnd
	default:
		s.endTime = *end
	}
}

// StartTime returns the effective start of the replay, adjusted to the first
// dispatched candle once warm-up completes.
func (s *Simulator) StartTime() int64 { return s.startTime }

// EndTime returns the effective end of the replay window.
func (s *Simulator) EndTime() int64 { return s.endTime }

// CurrentTime returns the cursor position.
func (s *Simulator) CurrentTime() int64 { return s.currentTime }

// Ended reports whether the cursor has reached the end of the window.
func (s *Simulator) Ended() bool { return s.ended }

// AddCompleteCandleListener subscribes h to complete candles of (symbol,
// timeframe) and rewinds the cursor so the subscriber sees minCandles of
// history before the configured start. The returned token deregisters the
// listener.
func (s *Simulator) AddCompleteCandleListener(symbol, timeframe string, h domain.CandleHandler) (int, error) {
	if s.startTime == 0 {
		return 0, fmt.Errorf("no simulation window configured, call SetTimes first")
	}
	if !domain.ValidTimeframe(timeframe) {
		return 0, fmt.Errorf("unknown timeframe %q", timeframe)
	}

	tfs := s.symbolTimeframes[symbol]
	seen := false
	for _, tf := range tfs {
		if tf == timeframe {
			seen = true
			break
		}
	}
	if !seen {
		s.symbolTimeframes[symbol] = append(tfs, timeframe)
		s.baseTimeframe[symbol] = domain.BaseTimeframe(s.symbolTimeframes[symbol])
	}

	rewound := s.startTime - domain.TimeframeMillis(timeframe)*int64(s.minCandles)
	if rewound < s.currentTime {
		s.currentTime = rewound
	}

	return s.dispatcher.Add(symbol, timeframe, h), nil
}

// RemoveCompleteCandleListener drops the listener identified by token.
func (s *Simulator) RemoveCompleteCandleListener(symbol, timeframe string, token int) {
	s.dispatcher.Remove(symbol, timeframe, token)
}

// NextCandle advances the cursor by one base candle for every symbol. During
// warm-up (cursor before start) candles are consumed without dispatching
// until the cursor crosses the start, whose candle is then delivered.
func (s *Simulator) NextCandle() error {
	for symbol := range s.symbolTimeframes {
		if s.currentTime < s.startTime {
			var last *domain.Candle
			for s.currentTime < s.startTime {
				c, err := s.nextBaseCandle(symbol, false)
				if err != nil {
					return err
				}
				s.currentTime = c.Timestamp
				last = c
			}
			s.startTime = last.Timestamp
			s.dispatchCandles(symbol, last)
		} else {
			c, err := s.nextBaseCandle(symbol, true)
			if err != nil {
				return err
			}
			s.currentTime = c.Timestamp
		}
	}
	if s.currentTime >= s.endTime {
		s.ended = true
		s.logger.Warn().
			Int64("current", s.currentTime).
			Int64("end", s.endTime).
			Msg("Simulation window exhausted")
	}
	return nil
}

// nextBaseCandle pulls the next base-timeframe candle after the cursor,
// refetching from the source on a miss or a gap.
func (s *Simulator) nextBaseCandle(symbol string, dispatch bool) (*domain.Candle, error) {
	if s.ended {
		return nil, fmt.Errorf("simulation already ended")
	}
	base := s.baseTimeframe[symbol]
	baseMs := domain.TimeframeMillis(base)

	candle, err := s.store.NextCandle(s.ctx, symbol, s.currentTime, base)
	if err != nil {
		return nil, err
	}
	if candle == nil || candle.Timestamp > s.currentTime+baseMs {
		fetched, err := s.source.FetchCandles(s.ctx, symbol, base, s.currentTime, fetchBatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch candles at %d: %w", s.currentTime, err)
		}
		if len(fetched) > 0 {
			if err := s.store.AddCandles(s.ctx, symbol, fetched); err != nil {
				return nil, err
			}
			candle = &fetched[0]
		}
	}
	if candle == nil {
		return nil, &messages.CodedError{
			Code:    messages.ErrCodeNoCandlesAvailable,
			Message: fmt.Sprintf("no candles available for %s/%s after %d", symbol, base, s.currentTime),
		}
	}

	if dispatch {
		s.dispatchCandles(symbol, candle)
	}
	return candle, nil
}

// dispatchCandles delivers the base candle, then the freshest candle of each
// higher subscribed timeframe, deduplicated by timestamp.
func (s *Simulator) dispatchCandles(symbol string, base *domain.Candle) {
	s.dispatcher.Dispatch(*base)
	s.markDispatched(symbol, base.Timeframe, base.Timestamp)

	baseTF := s.baseTimeframe[symbol]
	for _, tf := range s.symbolTimeframes[symbol] {
		if tf == baseTF {
			continue
		}
		cs, err := s.Candles(symbol, tf, 1)
		if err != nil {
			s.logger.Error().Err(err).Str("timeframe", tf).Msg("Failed to read higher timeframe candle")
			continue
		}
		if len(cs) == 0 {
			continue
		}
		c := cs[len(cs)-1]
		if last, ok := s.lastDispatched[symbol][tf]; ok && c.Timestamp <= last {
			continue
		}
		s.dispatcher.Dispatch(c)
		s.markDispatched(symbol, tf, c.Timestamp)
	}
}

func (s *Simulator) markDispatched(symbol, timeframe string, ts int64) {
	m := s.lastDispatched[symbol]
	if m == nil {
		m = make(map[string]int64)
		s.lastDispatched[symbol] = m
	}
	m[timeframe] = ts
}

// Candles returns the limit most recent complete candles of the timeframe as
// of the cursor. Only candles that fully closed before the cursor qualify.
func (s *Simulator) Candles(symbol, timeframe string, limit int) ([]domain.Candle, error) {
	tfMs := domain.TimeframeMillis(timeframe)
	if tfMs == 0 {
		return nil, fmt.Errorf("unknown timeframe %q", timeframe)
	}

	ref := s.currentTime
	if ref < s.startTime {
		ref = s.startTime
	}
	end := ref - tfMs
	start := end - tfMs*int64(limit)

	cs, err := s.store.Candles(s.ctx, symbol, timeframe, start, limit)
	if err != nil {
		return nil, err
	}
	stale := len(cs) > 0 && cs[len(cs)-1].Timestamp > end+domain.OneMinuteMillis
	if len(cs) < limit || stale {
		fetched, err := s.source.FetchCandles(s.ctx, symbol, timeframe, start, fetchBatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s candles at %d: %w", timeframe, start, err)
		}
		if len(fetched) > 0 {
			if err := s.store.AddCandles(s.ctx, symbol, fetched); err != nil {
				return nil, err
			}
		}
		cs, err = s.store.Candles(s.ctx, symbol, timeframe, start, limit)
		if err != nil {
			return nil, err
		}
	}
	// Drop anything not yet closed as of the cursor.
	for len(cs) > 0 && cs[len(cs)-1].Timestamp > end+domain.OneMinuteMillis {
		cs = cs[:len(cs)-1]
	}
	return cs, nil
}

// SymbolInfo proxies the upstream symbol filters.
func (s *Simulator) SymbolInfo(symbol string) (domain.SymbolInfo, error) {
	return s.source.SymbolInfo(s.ctx, symbol)
}

var _ domain.MarketData = (*Simulator)(nil)
