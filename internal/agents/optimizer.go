package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ajitpratap0/stratqual/internal/bus"
	"github.com/ajitpratap0/stratqual/internal/domain"
	"github.com/ajitpratap0/stratqual/internal/evaluation"
	"github.com/ajitpratap0/stratqual/internal/llm"
	"github.com/ajitpratap0/stratqual/internal/messages"
	"github.com/ajitpratap0/stratqual/internal/strategy"
)

const (
	optimizerSystemPrompt = "You are an expert quantitative trading strategy optimizer. " +
		"Given a strategy's recent backtest performance and its parameter space, propose the " +
		"parameter set most likely to improve the optimization objective. Respond with a JSON " +
		"object containing \"parameters\", \"reasoning\", \"confidence\" (0.0-1.0) and " +
		"optionally \"expected_improvement\"."

	maxHistoryResults = 5
	fallbackRSIStep   = 5
	rsiFloor          = 5
	rsiCeiling        = 95
)

// chatClient is the slice of llm.Client the optimizer needs.
type chatClient interface {
	Model() string
	CompleteWithRetry(ctx context.Context, messages []llm.ChatMessage, jsonMode bool) (*llm.ChatResponse, error)
}

// OptimizerAgent proposes new strategy parameters, via the LLM gateway
// when it is reachable and a deterministic heuristic when it is not.
type OptimizerAgent struct {
	BaseAgent
	client chatClient
	bus    *bus.Bus
}

func NewOptimizerAgent(client chatClient, b *bus.Bus) *OptimizerAgent {
	return &OptimizerAgent{
		BaseAgent: NewBaseAgent("optimizer", "pipeline"),
		client:    client,
		bus:       b,
	}
}

// proposal is the shape the LLM is asked to produce.
type proposal struct {
	Parameters          map[string]any     `json:"parameters"`
	Reasoning           string             `json:"reasoning"`
	Confidence          float64            `json:"confidence"`
	ExpectedImprovement map[string]float64 `json:"expected_improvement,omitempty"`
}

// HandleOptimization asks the LLM for a parameter proposal grounded in
// the recent results. Every failure mode falls back to the deterministic
// heuristic so the scheduler always gets an answer.
func (a *OptimizerAgent) HandleOptimization(ctx context.Context, req messages.OptimizationRequest, history []*messages.BacktestResultsResponse) (res *messages.OptimizationResult, err error) {
	defer func(start time.Time) { a.observe("optimize", start, err) }(time.Now())

	if len(history) > maxHistoryResults {
		history = history[len(history)-maxHistoryResults:]
	}

	res, llmErr := a.proposeViaLLM(ctx, req, history)
	if llmErr != nil {
		a.logger.Warn().Err(llmErr).Str("run_id", req.RunID).Msg("LLM optimization failed, using deterministic fallback")
		res = a.fallbackProposal(req, history)
	}

	if err := a.bus.Publish(a.Name(), bus.TopicOptimizationResult, res); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to publish optimization result")
	}
	return res, nil
}

func (a *OptimizerAgent) proposeViaLLM(ctx context.Context, req messages.OptimizationRequest, history []*messages.BacktestResultsResponse) (*messages.OptimizationResult, error) {
	if a.client == nil {
		return nil, fmt.Errorf("no LLM client configured")
	}

	prompt, err := a.buildPrompt(req, history)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.CompleteWithRetry(ctx, []llm.ChatMessage{
		{Role: "system", Content: optimizerSystemPrompt},
		{Role: "user", Content: prompt},
	}, true)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in LLM response")
	}

	var p proposal
	if err := llm.ParseJSONResponse(resp.Choices[0].Message.Content, &p); err != nil {
		return nil, err
	}
	if len(p.Parameters) == 0 {
		return nil, fmt.Errorf("proposal contains no parameters")
	}

	parameters := a.validateParameters(p.Parameters, req.ParameterSpace)
	if len(parameters) == 0 {
		return nil, fmt.Errorf("no valid parameters in proposal")
	}

	return &messages.OptimizationResult{
		RunID:               req.RunID,
		StrategyName:        req.StrategyName,
		Parameters:          parameters,
		Reasoning:           p.Reasoning,
		Confidence:          clamp01(p.Confidence),
		ExpectedImprovement: p.ExpectedImprovement,
		Metadata: map[string]any{
			"model":         resp.Model,
			"usage":         resp.Usage,
			"finish_reason": resp.Choices[0].FinishReason,
		},
	}, nil
}

// buildPrompt assembles the optimization context: objective, current
// parameters, the parameter space and the recent results.
func (a *OptimizerAgent) buildPrompt(req messages.OptimizationRequest, history []*messages.BacktestResultsResponse) (string, error) {
	objective := req.Objective
	if objective == "" {
		objective = evaluation.MetricSharpeRatio
	}

	current := map[string]any{
		"rsi_limits": currentRSILimits(req),
		"timeframes": currentTimeframes(req),
	}
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return "", fmt.Errorf("failed to marshal current parameters: %w", err)
	}
	spaceJSON, err := json.Marshal(req.ParameterSpace)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parameter space: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Strategy: %s on %s\n", req.StrategyName, req.Symbol)
	fmt.Fprintf(&sb, "Optimization objective: maximize %s\n\n", objective)
	fmt.Fprintf(&sb, "Current parameters: %s\n", currentJSON)
	fmt.Fprintf(&sb, "Parameter space: %s\n\n", spaceJSON)

	if len(history) > 0 {
		sb.WriteString("Recent backtest results (oldest first):\n")
		for _, r := range history {
			fmt.Fprintf(&sb,
				"- run %s: return %.2f%%, max drawdown %.2f%%, profit factor %.2f, win rate %.2f%%, trades %d\n",
				r.RunID, r.ReturnPercentage, r.MaxDrawdown, r.ProfitFactor, r.WinRate, r.TotalTrades)
		}
	} else {
		sb.WriteString("No previous results are available.\n")
	}
	sb.WriteString("\nPropose the next parameter set.")
	return sb.String(), nil
}

// validateParameters keeps only proposals this pipeline can apply:
// well-formed rsi_limits, known timeframes, and any other key that the
// parameter space declares. Invalid entries are dropped with a warning.
func (a *OptimizerAgent) validateParameters(params map[string]any, space map[string][]float64) map[string]any {
	out := make(map[string]any, len(params))
	for key, value := range params {
		switch key {
		case "rsi_limits":
			limits, ok := toRSILimits(value)
			if !ok {
				a.logger.Warn().Interface("value", value).Msg("Dropping invalid rsi_limits proposal")
				continue
			}
			out[key] = limits
		case "timeframes":
			tfs, ok := toTimeframes(value)
			if !ok {
				a.logger.Warn().Interface("value", value).Msg("Dropping invalid timeframes proposal")
				continue
			}
			out[key] = tfs
		default:
			if _, known := space[key]; !known {
				a.logger.Warn().Str("parameter", key).Msg("Dropping parameter outside the declared space")
				continue
			}
			out[key] = value
		}
	}
	return out
}

// fallbackProposal applies the deterministic heuristic to the latest
// results: a weak profit factor lowers both outer RSI bounds, a deep
// drawdown tightens them toward the center.
func (a *OptimizerAgent) fallbackProposal(req messages.OptimizationRequest, history []*messages.BacktestResultsResponse) *messages.OptimizationResult {
	limits := currentRSILimits(req)
	reasoning := "Deterministic fallback: keeping current parameters."

	if len(history) > 0 {
		latest := history[len(history)-1]
		switch {
		case latest.ProfitFactor < 1.5:
			limits = []int{
				maxInt(rsiFloor, limits[0]-fallbackRSIStep),
				limits[1],
				maxInt(limits[1]+1, minInt(rsiCeiling, limits[2]-fallbackRSIStep)),
			}
			reasoning = "Deterministic fallback: weak profit factor, lowering both outer RSI bounds."
		case latest.MaxDrawdown > 10:
			// Pull both outer bounds toward the middle one, never past it.
			limits = []int{
				minInt(limits[1]-1, limits[0]+fallbackRSIStep),
				limits[1],
				maxInt(limits[1]+1, limits[2]-fallbackRSIStep),
			}
			reasoning = "Deterministic fallback: deep drawdown, tightening RSI bounds toward the center."
		}
	}

	return &messages.OptimizationResult{
		RunID:        req.RunID,
		StrategyName: req.StrategyName,
		Parameters: map[string]any{
			"rsi_limits": limits,
			"timeframes": currentTimeframes(req),
		},
		Reasoning:  reasoning,
		Confidence: 0.4,
		Metadata:   map[string]any{"method": "fallback_deterministic"},
	}
}

func currentRSILimits(req messages.OptimizationRequest) []int {
	if req.BacktestConfig != nil && len(req.BacktestConfig.RSILimits) == 3 {
		limits := make([]int, 3)
		copy(limits, req.BacktestConfig.RSILimits)
		return limits
	}
	defaults := strategy.DefaultRSILimits
	return []int{defaults[0], defaults[1], defaults[2]}
}

func currentTimeframes(req messages.OptimizationRequest) []string {
	if req.BacktestConfig != nil && len(req.BacktestConfig.Timeframes) > 0 {
		tfs := make([]string, len(req.BacktestConfig.Timeframes))
		copy(tfs, req.BacktestConfig.Timeframes)
		return tfs
	}
	tfs := make([]string, len(strategy.DefaultTimeframes))
	copy(tfs, strategy.DefaultTimeframes)
	return tfs
}

// toRSILimits accepts exactly three whole numbers in 0-100, strictly
// ascending.
func toRSILimits(value any) ([]int, bool) {
	list, ok := value.([]any)
	if !ok || len(list) != 3 {
		return nil, false
	}
	limits := make([]int, 3)
	for i, item := range list {
		f, ok := item.(float64)
		if !ok || f != math.Trunc(f) || f < 0 || f > 100 {
			return nil, false
		}
		limits[i] = int(f)
	}
	if limits[0] >= limits[1] || limits[1] >= limits[2] {
		return nil, false
	}
	return limits, true
}

func toTimeframes(value any) ([]string, bool) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	tfs := make([]string, len(list))
	for i, item := range list {
		tf, ok := item.(string)
		if !ok || !domain.ValidTimeframe(tf) {
			return nil, false
		}
		tfs[i] = tf
	}
	return tfs, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
