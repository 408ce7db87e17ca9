package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/evaluation"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// schedulerNow is swapped in tests for deterministic window math.
var schedulerNow = time.Now

const (
	millisPerDay int64 = 86_400_000
	// safetyLagMillis keeps windows clear of the still-forming candle.
	safetyLagMillis int64 = 60_000
)

// Pipeline is the slice of the orchestrator the scheduler drives.
type Pipeline interface {
	StartBacktest(ctx context.Context, req messages.StartBacktestRequest) (*messages.BacktestResultsResponse, error)
	EvaluateRun(runID string, kpis map[string]float64) (*messages.EvaluationResponse, error)
	OptimizeRun(ctx context.Context, req messages.OptimizationRequest) (*messages.OptimizationResult, error)
	PromoteToProduction(runID, strategyName, symbol string) error
}

// windowRange records the window one backtest actually covered.
type windowRange struct {
	Start int64
	End   int64
}

// periodState tracks qualification progress for one parameter set.
type periodState struct {
	PeriodIdx int
	Backtests int
	Passed    int
	Ranges    map[int][]windowRange
}

func newPeriodState() *periodState {
	return &periodState{Ranges: make(map[int][]windowRange)}
}

// SchedulerAgent walks a parameter set through incrementally longer
// qualification periods, sliding the backtest window back in time with
// bounded overlap, until the set either qualifies for production or gets
// sent back to optimization.
type SchedulerAgent struct {
	BaseAgent
	pipeline Pipeline
	cfg      config.SchedulerConfig
	memory   *Memory

	rsiLimits  []int // nil means strategy defaults
	timeframes []string

	lastResetDay string
	promoted     bool
}

func NewSchedulerAgent(pipeline Pipeline, cfg config.SchedulerConfig) *SchedulerAgent {
	return &SchedulerAgent{
		BaseAgent: NewBaseAgent("scheduler", "pipeline"),
		pipeline:  pipeline,
		cfg:       cfg,
		memory:    NewMemory(),
	}
}

// Promoted reports whether the current parameters reached production.
func (s *SchedulerAgent) Promoted() bool { return s.promoted }

// paramKey identifies the parameter set under qualification; period
// progress is tracked per key, so changed parameters start over.
func (s *SchedulerAgent) paramKey() string {
	rsiPart := "default"
	if len(s.rsiLimits) == 3 {
		sorted := append([]int(nil), s.rsiLimits...)
		sort.Ints(sorted)
		parts := make([]string, len(sorted))
		for i, v := range sorted {
			parts[i] = fmt.Sprintf("%d", v)
		}
		rsiPart = strings.Join(parts, ",")
	}

	tfs := s.timeframes
	if len(tfs) == 0 {
		tfs = messages.NewStartBacktestRequest(s.cfg.Symbol, 0).Timeframes
	}
	sortedTFs := append([]string(nil), tfs...)
	sort.Strings(sortedTFs)

	return fmt.Sprintf("%s_rsi_%s_tf_%s", s.cfg.StrategyName, rsiPart, strings.Join(sortedTFs, ","))
}

func (s *SchedulerAgent) state(key string) *periodState {
	if v, ok := s.memory.Get(key); ok {
		if st, ok := v.(*periodState); ok {
			return st
		}
	}
	st := newPeriodState()
	s.memory.Set(key, st)
	return st
}

func (s *SchedulerAgent) periods() []int {
	if len(s.cfg.IncrementalBacktestPeriods) > 0 {
		return s.cfg.IncrementalBacktestPeriods
	}
	// Without an explicit ladder a fixed duration forms a single period.
	if s.cfg.BacktestDurationDays > 0 {
		return []int{s.cfg.BacktestDurationDays}
	}
	return []int{1, 7, 30, 90}
}

// nextWindow derives the next backtest window for the state's current
// period: the first window ends just before now, later windows slide
// back so consecutive runs overlap by at most the configured percentage.
func (s *SchedulerAgent) nextWindow(st *periodState, durationMillis int64) (int64, int64) {
	now := schedulerNow().UnixMilli()
	ranges := st.Ranges[st.PeriodIdx]

	if len(ranges) == 0 {
		end := now - safetyLagMillis
		return end - durationMillis, end
	}

	mostRecent := ranges[0]
	for _, r := range ranges[1:] {
		if r.End > mostRecent.End {
			mostRecent = r
		}
	}
	end := mostRecent.Start + int64(float64(durationMillis)*s.cfg.MaxOverlapPercentage/100)
	if end >= now {
		s.logger.Warn().
			Int64("window_end", end).
			Int64("now", now).
			Msg("Window would extend into the present, clamping")
		end = now - safetyLagMillis
	}
	return end - durationMillis, end
}

// RunCycle executes one qualification step: backtest, evaluate, and
// either advance the period ladder, reset it, or divert to optimization.
func (s *SchedulerAgent) RunCycle(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe("run_cycle", start, err) }(time.Now())

	if s.promoted {
		return nil
	}
	s.maybeDailyReset()

	key := s.paramKey()
	st := s.state(key)
	periods := s.periods()
	if st.PeriodIdx >= len(periods) {
		st.PeriodIdx = len(periods) - 1
	}
	durationMillis := int64(periods[st.PeriodIdx]) * millisPerDay
	start, end := s.nextWindow(st, durationMillis)

	req := messages.NewStartBacktestRequest(s.cfg.Symbol, start)
	req.EndTime = &end
	req.StrategyName = s.cfg.StrategyName
	if len(s.rsiLimits) == 3 {
		req.RSILimits = append([]int(nil), s.rsiLimits...)
	}
	if len(s.timeframes) > 0 {
		req.Timeframes = append([]string(nil), s.timeframes...)
	}
	if s.cfg.InitialBalance > 0 {
		req.InitialBalance = decimal.NewFromFloat(s.cfg.InitialBalance)
	}
	if s.cfg.Leverage > 0 {
		req.Leverage = decimal.NewFromFloat(s.cfg.Leverage)
	}

	s.logger.Info().
		Str("param_key", key).
		Int("period_days", periods[st.PeriodIdx]).
		Int64("window_start", start).
		Int64("window_end", end).
		Msg("Starting qualification backtest")

	res, err := s.pipeline.StartBacktest(ctx, req)
	if err != nil {
		return fmt.Errorf("backtest failed: %w", err)
	}
	// Record the window the run actually covered, not the one requested.
	st.Ranges[st.PeriodIdx] = append(st.Ranges[st.PeriodIdx], windowRange{
		Start: res.StartTime,
		End:   res.EndTime,
	})

	eval, err := s.pipeline.EvaluateRun(res.RunID, s.cfg.KPIs)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	if eval.Recommendation == evaluation.RecommendOptimize {
		s.resetToFirstPeriod(st)
		s.tryOptimize(ctx, res.RunID, &req)
		return nil
	}

	st.Backtests++
	if eval.Passed {
		st.Passed++
	}
	s.logger.Info().
		Str("run_id", res.RunID).
		Bool("passed", eval.Passed).
		Int("backtests_in_period", st.Backtests).
		Int("passed_in_period", st.Passed).
		Msg("Qualification backtest evaluated")

	if st.Backtests < s.cfg.BacktestsPerPeriod {
		return nil
	}

	if st.Passed < s.cfg.MinPassedBacktestsPerP {
		s.logger.Info().
			Int("passed", st.Passed).
			Int("required", s.cfg.MinPassedBacktestsPerP).
			Msg("Period failed, restarting qualification ladder")
		s.resetToFirstPeriod(st)
		return nil
	}

	if st.PeriodIdx == len(periods)-1 {
		s.promoted = true
		s.logger.Info().Str("run_id", res.RunID).Msg("All periods qualified, promoting")
		return s.pipeline.PromoteToProduction(res.RunID, s.cfg.StrategyName, s.cfg.Symbol)
	}

	prevIdx := st.PeriodIdx
	st.PeriodIdx++
	st.Backtests = 0
	st.Passed = 0
	delete(st.Ranges, prevIdx)
	s.logger.Info().
		Int("period_days", periods[st.PeriodIdx]).
		Msg("Period qualified, advancing ladder")
	return nil
}

func (s *SchedulerAgent) resetToFirstPeriod(st *periodState) {
	st.PeriodIdx = 0
	st.Backtests = 0
	st.Passed = 0
	st.Ranges = make(map[int][]windowRange)
}

// tryOptimize asks for new parameters and applies them when the proposal
// is usable. Optimization failures never stop the qualification loop.
func (s *SchedulerAgent) tryOptimize(ctx context.Context, runID string, req *messages.StartBacktestRequest) {
	result, err := s.pipeline.OptimizeRun(ctx, messages.OptimizationRequest{
		RunID:          runID,
		StrategyName:   s.cfg.StrategyName,
		Symbol:         s.cfg.Symbol,
		Objective:      evaluation.MetricSharpeRatio,
		BacktestConfig: req,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("Optimization failed, keeping current parameters")
		return
	}

	if limits, ok := result.Parameters["rsi_limits"].([]int); ok {
		if err := messages.ValidateRSILimits(limits); err != nil {
			s.logger.Warn().Err(err).Ints("rsi_limits", limits).Msg("Rejecting proposed RSI limits")
		} else {
			s.rsiLimits = limits
		}
	}
	if tfs, ok := result.Parameters["timeframes"].([]string); ok {
		if err := messages.ValidateTimeframes(tfs); err != nil {
			s.logger.Warn().Err(err).Strs("timeframes", tfs).Msg("Rejecting proposed timeframes")
		} else {
			s.timeframes = tfs
		}
	}
	s.logger.Info().
		Interface("parameters", result.Parameters).
		Float64("confidence", result.Confidence).
		Str("new_param_key", s.paramKey()).
		Msg("Applied optimized parameters")
}

// maybeDailyReset clears qualification memory once per UTC day.
func (s *SchedulerAgent) maybeDailyReset() {
	if !s.cfg.AutoResetMemory {
		return
	}
	today := schedulerNow().UTC().Format("2006-01-02")
	if s.lastResetDay == "" {
		s.lastResetDay = today
		return
	}
	if s.lastResetDay != today {
		dropped := s.memory.Clear()
		s.lastResetDay = today
		s.logger.Info().Int("dropped_keys", dropped).Msg("Daily memory reset")
	}
}

// HandleMessage answers direct envelopes. The scheduler is driven by its
// own cycle loop rather than by inbound requests, so every payload is
// answered with an UNKNOWN_MESSAGE_TYPE error; a panicking handler is
// reported as HANDLER_ERROR instead of taking the loop down.
func (s *SchedulerAgent) HandleMessage(msg messages.AgentMessage) (reply messages.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("message_id", msg.MessageID).Msg("Message handler panicked")
			reply = messages.NewAgentMessage(s.Name(), msg.FromAgent, msg.FlowID, messages.ErrorResponse{
				ErrorCode:    messages.ErrCodeHandlerError,
				ErrorMessage: fmt.Sprintf("%v", r),
			})
		}
	}()

	return messages.NewAgentMessage(s.Name(), msg.FromAgent, msg.FlowID, messages.ErrorResponse{
		ErrorCode:    messages.ErrCodeUnknownMessageType,
		ErrorMessage: fmt.Sprintf("unknown message type: %T", msg.Payload),
		ErrorDetails: map[string]any{"payload_type": fmt.Sprintf("%T", msg.Payload)},
	})
}

// Run drives qualification cycles on the configured interval until the
// context ends or the parameters are promoted.
func (s *SchedulerAgent) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.ScheduleIntervalSeconds) * time.Second
	s.logger.Info().
		Dur("interval", interval).
		Str("symbol", s.cfg.Symbol).
		Str("strategy", s.cfg.StrategyName).
		Msg("Scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if s.runIterations(ctx) {
		s.Stop()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-ticker.C:
			if s.runIterations(ctx) {
				s.Stop()
				return nil
			}
		}
	}
}

// runIterations runs up to the configured number of cycles back to back
// and reports whether the scheduler finished.
func (s *SchedulerAgent) runIterations(ctx context.Context) bool {
	iterations := s.cfg.MaxIterationsPerCycle
	if iterations < 1 {
		iterations = 1
	}
	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil || s.promoted {
			break
		}
		if err := s.RunCycle(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Qualification cycle failed")
			break
		}
	}
	return s.promoted
}
