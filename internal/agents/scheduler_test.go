package agents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/evaluation"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// stubPipeline answers scheduler calls with canned outcomes and records
// every request it sees.
type stubPipeline struct {
	runs       int
	starts     []messages.StartBacktestRequest
	evalPassed bool
	evalRec    string
	optimized  []messages.OptimizationRequest
	optResult  *messages.OptimizationResult
	optErr     error
	promotions []string
}

func (p *stubPipeline) StartBacktest(_ context.Context, req messages.StartBacktestRequest) (*messages.BacktestResultsResponse, error) {
	p.runs++
	p.starts = append(p.starts, req)
	return &messages.BacktestResultsResponse{
		RunID:        fmt.Sprintf("bt_%d", p.runs),
		Status:       "completed",
		StartTime:    req.StartTime,
		EndTime:      *req.EndTime,
		StrategyName: req.StrategyName,
		Symbol:       req.Symbol,
	}, nil
}

func (p *stubPipeline) EvaluateRun(runID string, _ map[string]float64) (*messages.EvaluationResponse, error) {
	return &messages.EvaluationResponse{
		RunID:          runID,
		Passed:         p.evalPassed,
		Recommendation: p.evalRec,
	}, nil
}

func (p *stubPipeline) OptimizeRun(_ context.Context, req messages.OptimizationRequest) (*messages.OptimizationResult, error) {
	p.optimized = append(p.optimized, req)
	if p.optErr != nil {
		return nil, p.optErr
	}
	return p.optResult, nil
}

func (p *stubPipeline) PromoteToProduction(runID, _, _ string) error {
	p.promotions = append(p.promotions, runID)
	return nil
}

func pinSchedulerClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := schedulerNow
	schedulerNow = func() time.Time { return at }
	t.Cleanup(func() { schedulerNow = prev })
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Symbol:                     "BTCUSDT",
		StrategyName:               "carga_descarga",
		ScheduleIntervalSeconds:    3600,
		MaxIterationsPerCycle:      5,
		MaxOverlapPercentage:       20.0,
		AutoResetMemory:            true,
		InitialBalance:             2500,
		Leverage:                   100,
		BacktestsPerPeriod:         10,
		MinPassedBacktestsPerP:     10,
		IncrementalBacktestPeriods: []int{1},
	}
}

func TestWindowsSlideBackWithBoundedOverlap(t *testing.T) {
	now := time.UnixMilli(1_755_000_000_000)
	pinSchedulerClock(t, now)

	pipe := &stubPipeline{evalPassed: true, evalRec: evaluation.RecommendPromote}
	s := NewSchedulerAgent(pipe, schedulerConfig())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RunCycle(context.Background()))
	}
	require.Len(t, pipe.starts, 3)

	day := int64(86_400_000)
	overlap := day / 5 // 20 percent

	end1 := now.UnixMilli() - 60_000
	start1 := end1 - day
	assert.Equal(t, start1, pipe.starts[0].StartTime)
	assert.Equal(t, end1, *pipe.starts[0].EndTime)

	end2 := start1 + overlap
	start2 := end2 - day
	assert.Equal(t, start2, pipe.starts[1].StartTime)
	assert.Equal(t, end2, *pipe.starts[1].EndTime)

	end3 := start2 + overlap
	assert.Equal(t, end3-day, pipe.starts[2].StartTime)
	assert.Equal(t, end3, *pipe.starts[2].EndTime)
}

func TestFirstWindowEndsJustBeforeNow(t *testing.T) {
	now := time.UnixMilli(1_755_000_000_000)
	pinSchedulerClock(t, now)

	pipe := &stubPipeline{evalPassed: true, evalRec: evaluation.RecommendPromote}
	cfg := schedulerConfig()
	cfg.IncrementalBacktestPeriods = []int{7}
	s := NewSchedulerAgent(pipe, cfg)

	require.NoError(t, s.RunCycle(context.Background()))
	require.Len(t, pipe.starts, 1)
	assert.Equal(t, now.UnixMilli()-60_000, *pipe.starts[0].EndTime)
	assert.Equal(t, now.UnixMilli()-60_000-7*86_400_000, pipe.starts[0].StartTime)
}

func TestPeriodAdvancementAndPromotion(t *testing.T) {
	pinSchedulerClock(t, time.UnixMilli(1_755_000_000_000))

	pipe := &stubPipeline{evalPassed: true, evalRec: evaluation.RecommendPromote}
	cfg := schedulerConfig()
	cfg.IncrementalBacktestPeriods = []int{1, 7}
	cfg.BacktestsPerPeriod = 2
	cfg.MinPassedBacktestsPerP = 2
	s := NewSchedulerAgent(pipe, cfg)

	// Two passes qualify the one-day period.
	require.NoError(t, s.RunCycle(context.Background()))
	require.NoError(t, s.RunCycle(context.Background()))
	assert.False(t, s.Promoted())
	st := s.state(s.paramKey())
	assert.Equal(t, 1, st.PeriodIdx)
	assert.Empty(t, st.Ranges[0], "qualified period's windows are dropped")

	// Two more passes qualify the seven-day period and promote.
	require.NoError(t, s.RunCycle(context.Background()))
	require.NoError(t, s.RunCycle(context.Background()))
	assert.True(t, s.Promoted())
	require.Len(t, pipe.promotions, 1)
	assert.Equal(t, "bt_4", pipe.promotions[0])

	// Seven-day windows are seven times longer.
	w3 := pipe.starts[2]
	assert.Equal(t, int64(7*86_400_000), *w3.EndTime-w3.StartTime)

	// Once promoted, the scheduler stops running cycles.
	require.NoError(t, s.RunCycle(context.Background()))
	assert.Len(t, pipe.starts, 4)
}

func TestFailedPeriodRestartsLadder(t *testing.T) {
	pinSchedulerClock(t, time.UnixMilli(1_755_000_000_000))

	pipe := &stubPipeline{evalPassed: false, evalRec: evaluation.RecommendReject}
	cfg := schedulerConfig()
	cfg.BacktestsPerPeriod = 2
	cfg.MinPassedBacktestsPerP = 2
	s := NewSchedulerAgent(pipe, cfg)

	require.NoError(t, s.RunCycle(context.Background()))
	require.NoError(t, s.RunCycle(context.Background()))

	st := s.state(s.paramKey())
	assert.Equal(t, 0, st.PeriodIdx)
	assert.Equal(t, 0, st.Backtests)
	assert.Empty(t, st.Ranges)
	assert.False(t, s.Promoted())
}

func TestOptimizeRecommendationResetsAndAppliesParameters(t *testing.T) {
	pinSchedulerClock(t, time.UnixMilli(1_755_000_000_000))

	pipe := &stubPipeline{
		evalPassed: false,
		evalRec:    evaluation.RecommendOptimize,
		optResult: &messages.OptimizationResult{
			Parameters: map[string]any{
				"rsi_limits": []int{10, 50, 80},
				"timeframes": []string{"1m", "5m", "30m"},
			},
			Confidence: 0.7,
		},
	}
	s := NewSchedulerAgent(pipe, schedulerConfig())
	keyBefore := s.paramKey()

	require.NoError(t, s.RunCycle(context.Background()))

	require.Len(t, pipe.optimized, 1)
	assert.Equal(t, evaluation.MetricSharpeRatio, pipe.optimized[0].Objective)
	assert.Equal(t, []int{10, 50, 80}, s.rsiLimits)
	assert.Equal(t, []string{"1m", "5m", "30m"}, s.timeframes)
	assert.NotEqual(t, keyBefore, s.paramKey())

	// The old parameter set's progress was wiped.
	st := s.state(keyBefore)
	assert.Equal(t, 0, st.Backtests)
	assert.Empty(t, st.Ranges)

	// The next cycle runs with the new parameters.
	require.NoError(t, s.RunCycle(context.Background()))
	require.Len(t, pipe.starts, 2)
	assert.Equal(t, []int{10, 50, 80}, pipe.starts[1].RSILimits)
}

func TestOptimizationFailureKeepsParameters(t *testing.T) {
	pinSchedulerClock(t, time.UnixMilli(1_755_000_000_000))

	pipe := &stubPipeline{
		evalPassed: false,
		evalRec:    evaluation.RecommendOptimize,
		optErr:     fmt.Errorf("gateway unreachable"),
	}
	s := NewSchedulerAgent(pipe, schedulerConfig())
	key := s.paramKey()

	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, key, s.paramKey())
	assert.Nil(t, s.rsiLimits)
}

func TestDailyMemoryReset(t *testing.T) {
	day1 := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	pinSchedulerClock(t, day1)

	pipe := &stubPipeline{evalPassed: true, evalRec: evaluation.RecommendPromote}
	s := NewSchedulerAgent(pipe, schedulerConfig())
	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, 1, s.memory.Len())

	schedulerNow = func() time.Time { return day1.Add(2 * time.Hour) }
	require.NoError(t, s.RunCycle(context.Background()))
	// The ladder restarted from scratch after the UTC day rolled over.
	st := s.state(s.paramKey())
	assert.Equal(t, 1, st.Backtests)
	assert.Len(t, st.Ranges[0], 1)
}

func TestParamKeyShape(t *testing.T) {
	s := NewSchedulerAgent(&stubPipeline{}, schedulerConfig())
	assert.Equal(t, "carga_descarga_rsi_default_tf_15m,1h,1m", s.paramKey())

	s.rsiLimits = []int{85, 15, 50}
	s.timeframes = []string{"1h", "1m"}
	assert.Equal(t, "carga_descarga_rsi_15,50,85_tf_1h,1m", s.paramKey())
}

func TestHandleMessageRejectsUnknownPayloads(t *testing.T) {
	s := NewSchedulerAgent(&stubPipeline{}, schedulerConfig())

	msg := messages.NewAgentMessage("orchestrator", "scheduler", "flow-1", "ping")
	reply := s.HandleMessage(msg)

	assert.Equal(t, "scheduler", reply.FromAgent)
	assert.Equal(t, "orchestrator", reply.ToAgent)
	assert.Equal(t, "flow-1", reply.FlowID)

	errResp, ok := reply.Payload.(messages.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, messages.ErrCodeUnknownMessageType, errResp.ErrorCode)
	assert.Equal(t, "string", errResp.ErrorDetails["payload_type"])
}

func TestInvalidProposedParametersAreRejected(t *testing.T) {
	pinSchedulerClock(t, time.UnixMilli(1_755_000_000_000))

	pipe := &stubPipeline{
		evalPassed: false,
		evalRec:    evaluation.RecommendOptimize,
		optResult: &messages.OptimizationResult{
			Parameters: map[string]any{
				"rsi_limits": []int{25, 25, 75},
				"timeframes": []string{"1m", "2s"},
			},
			Confidence: 0.4,
		},
	}
	s := NewSchedulerAgent(pipe, schedulerConfig())
	key := s.paramKey()

	require.NoError(t, s.RunCycle(context.Background()))

	// A non-ascending triple and an unknown timeframe never reach the
	// parameter set, so the next window still validates cleanly.
	assert.Equal(t, key, s.paramKey())
	assert.Nil(t, s.rsiLimits)
	assert.Nil(t, s.timeframes)

	require.NoError(t, s.RunCycle(context.Background()))
	require.Len(t, pipe.starts, 2)
	assert.NoError(t, pipe.starts[1].Validate())
}

func TestDurationFallbackFormsSinglePeriod(t *testing.T) {
	now := time.UnixMilli(1_755_000_000_000)
	pinSchedulerClock(t, now)

	cfg := schedulerConfig()
	cfg.IncrementalBacktestPeriods = nil
	cfg.BacktestDurationDays = 3

	pipe := &stubPipeline{evalPassed: true, evalRec: evaluation.RecommendPromote}
	s := NewSchedulerAgent(pipe, cfg)
	require.NoError(t, s.RunCycle(context.Background()))

	require.Len(t, pipe.starts, 1)
	end := *pipe.starts[0].EndTime
	assert.Equal(t, now.UnixMilli()-safetyLagMillis, end)
	assert.Equal(t, end-3*millisPerDay, pipe.starts[0].StartTime)
}
