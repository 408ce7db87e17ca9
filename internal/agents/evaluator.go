package agents

import (
	"time"

	"github.com/ajitpratap0/stratqual/internal/bus"
	"github.com/ajitpratap0/stratqual/internal/evaluation"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// EvaluatorAgent grades backtest results against KPI thresholds.
type EvaluatorAgent struct {
	BaseAgent
	evaluator *evaluation.Evaluator
	bus       *bus.Bus
}

func NewEvaluatorAgent(b *bus.Bus) *EvaluatorAgent {
	return &EvaluatorAgent{
		BaseAgent: NewBaseAgent("evaluator", "pipeline"),
		evaluator: evaluation.NewEvaluator(),
		bus:       b,
	}
}

// HandleEvaluation extracts metrics from the results and grades them
// against the requested (or default) KPIs.
func (a *EvaluatorAgent) HandleEvaluation(req messages.EvaluationRequest, results *messages.BacktestResultsResponse) (res *messages.EvaluationResponse, err error) {
	defer func(start time.Time) { a.observe("evaluate", start, err) }(time.Now())

	if results == nil {
		return nil, &messages.CodedError{
			Code:    messages.ErrCodeInvalidRequest,
			Message: "no backtest results to evaluate",
		}
	}

	metrics := evaluation.ExtractMetrics(results, true)
	res = a.evaluator.Evaluate(req.RunID, metrics, req.KPIs)
	if err := a.bus.Publish(a.Name(), bus.TopicEvaluationResult, res); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to publish evaluation")
	}
	return res, nil
}
