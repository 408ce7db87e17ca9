package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/stratqual/internal/bus"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// completedHistoryCap bounds the in-memory completed-run history; the
// optimizer only ever reads the most recent runs, and everything is
// persisted in the registry anyway.
const completedHistoryCap = 100

// defaultRSISpace is the parameter space offered to the optimizer when a
// request names none: RSI bound candidates from 10 to 90 in steps of 5.
func defaultRSISpace() map[string][]float64 {
	var levels []float64
	for v := 10.0; v <= 90.0; v += 5.0 {
		levels = append(levels, v)
	}
	return map[string][]float64{"rsi_limits": levels}
}

// OrchestratorAgent routes pipeline requests between the worker agents
// and enforces the backtest concurrency limit.
type OrchestratorAgent struct {
	BaseAgent
	backtest  *BacktestAgent
	evaluator *EvaluatorAgent
	optimizer *OptimizerAgent
	registry  *RegistryAgent
	bus       *bus.Bus

	maxConcurrent int

	mu        sync.Mutex
	active    map[string]struct{}
	completed []*messages.BacktestResultsResponse
	byRunID   map[string]*messages.BacktestResultsResponse
}

func NewOrchestratorAgent(backtest *BacktestAgent, evaluator *EvaluatorAgent, optimizer *OptimizerAgent, registry *RegistryAgent, b *bus.Bus, maxConcurrent int) *OrchestratorAgent {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &OrchestratorAgent{
		BaseAgent:     NewBaseAgent("orchestrator", "pipeline"),
		backtest:      backtest,
		evaluator:     evaluator,
		optimizer:     optimizer,
		registry:      registry,
		bus:           b,
		maxConcurrent: maxConcurrent,
		active:        make(map[string]struct{}),
		byRunID:       make(map[string]*messages.BacktestResultsResponse),
	}
}

// StartBacktest runs one backtest through the backtest agent. The run id
// is always assigned here so downstream records never collide.
func (o *OrchestratorAgent) StartBacktest(ctx context.Context, req messages.StartBacktestRequest) (res *messages.BacktestResultsResponse, err error) {
	defer func(start time.Time) { o.observe("start_backtest", start, err) }(time.Now())

	req.RunID = fmt.Sprintf("bt_%s", uuid.NewString())

	o.mu.Lock()
	if len(o.active) >= o.maxConcurrent {
		o.mu.Unlock()
		return nil, &messages.CodedError{
			Code:    messages.ErrCodeMaxConcurrentBacktest,
			Message: fmt.Sprintf("already running %d backtests", o.maxConcurrent),
		}
	}
	o.active[req.RunID] = struct{}{}
	o.mu.Unlock()

	res, err = o.backtest.HandleStartBacktest(ctx, req)

	o.mu.Lock()
	delete(o.active, req.RunID)
	if err == nil {
		o.completed = append(o.completed, res)
		o.byRunID[res.RunID] = res
		if len(o.completed) > completedHistoryCap {
			evicted := o.completed[0]
			o.completed = o.completed[1:]
			delete(o.byRunID, evicted.RunID)
		}
	}
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if _, storeErr := o.registry.HandleStore(messages.StoreResultsRequest{
		RunID:           res.RunID,
		StrategyName:    res.StrategyName,
		Symbol:          res.Symbol,
		BacktestResults: res,
	}); storeErr != nil {
		o.logger.Warn().Err(storeErr).Str("run_id", res.RunID).Msg("Failed to store backtest results")
	}
	return res, nil
}

// EvaluateRun grades a completed run against the KPIs.
func (o *OrchestratorAgent) EvaluateRun(runID string, kpis map[string]float64) (res *messages.EvaluationResponse, err error) {
	defer func(start time.Time) { o.observe("evaluate_run", start, err) }(time.Now())

	o.mu.Lock()
	results := o.byRunID[runID]
	o.mu.Unlock()
	if results == nil {
		return nil, &messages.CodedError{
			Code:    messages.ErrCodeInvalidRequest,
			Message: fmt.Sprintf("run %s has no completed results", runID),
		}
	}

	res, err = o.evaluator.HandleEvaluation(messages.EvaluationRequest{RunID: runID, KPIs: kpis}, results)
	if err != nil {
		return nil, err
	}

	if _, storeErr := o.registry.HandleStore(messages.StoreResultsRequest{
		RunID:             runID,
		StrategyName:      results.StrategyName,
		Symbol:            results.Symbol,
		EvaluationResults: res,
	}); storeErr != nil {
		o.logger.Warn().Err(storeErr).Str("run_id", runID).Msg("Failed to store evaluation")
	}
	return res, nil
}

// OptimizeRun asks the optimizer for new parameters, feeding it this
// strategy's completed results as history.
func (o *OrchestratorAgent) OptimizeRun(ctx context.Context, req messages.OptimizationRequest) (res *messages.OptimizationResult, err error) {
	defer func(start time.Time) { o.observe("optimize_run", start, err) }(time.Now())

	if len(req.ParameterSpace) == 0 {
		req.ParameterSpace = defaultRSISpace()
	}
	req.RunID = "opt_" + req.RunID

	o.mu.Lock()
	var history []*messages.BacktestResultsResponse
	for _, r := range o.completed {
		if r.StrategyName == req.StrategyName && r.Symbol == req.Symbol {
			history = append(history, r)
		}
	}
	o.mu.Unlock()

	res, err = o.optimizer.HandleOptimization(ctx, req, history)
	if err != nil {
		return nil, err
	}

	if _, storeErr := o.registry.HandleStore(messages.StoreResultsRequest{
		RunID:               res.RunID,
		StrategyName:        req.StrategyName,
		Symbol:              req.Symbol,
		OptimizationResults: res,
	}); storeErr != nil {
		o.logger.Warn().Err(storeErr).Str("run_id", res.RunID).Msg("Failed to store optimization result")
	}
	return res, nil
}

// PromoteToProduction announces that a run's parameters qualified.
func (o *OrchestratorAgent) PromoteToProduction(runID, strategyName, symbol string) error {
	o.logger.Info().
		Str("run_id", runID).
		Str("strategy", strategyName).
		Str("symbol", symbol).
		Msg("Strategy promoted to production")
	return o.bus.Publish(o.Name(), bus.TopicStrategyPromoted, map[string]string{
		"run_id":        runID,
		"strategy_name": strategyName,
		"symbol":        symbol,
	})
}

// ActiveBacktests reports how many backtests are in flight.
func (o *OrchestratorAgent) ActiveBacktests() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
