package agents

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/stratqual/internal/llm"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// fakeChat returns a canned completion or an error.
type fakeChat struct {
	content string
	err     error
	prompts []string
}

func (f *fakeChat) Model() string { return "gpt-4-turbo" }

func (f *fakeChat) CompleteWithRetry(_ context.Context, msgs []llm.ChatMessage, _ bool) (*llm.ChatResponse, error) {
	for _, m := range msgs {
		f.prompts = append(f.prompts, m.Content)
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := &llm.ChatResponse{Model: "gpt-4-turbo"}
	resp.Choices = []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}{{FinishReason: "stop"}}
	resp.Choices[0].Message.Content = f.content
	resp.Usage = llm.Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140}
	return resp, nil
}

func optimizationRequest() messages.OptimizationRequest {
	return messages.OptimizationRequest{
		RunID:          "opt_run-1",
		StrategyName:   "carga_descarga",
		Symbol:         "BTCUSDT",
		ParameterSpace: map[string][]float64{"rsi_limits": {10, 90}, "load_budget": {6, 9, 12}},
		Objective:      "sharpe_ratio",
	}
}

func TestLLMProposalIsValidatedAndAnnotated(t *testing.T) {
	chat := &fakeChat{content: "```json\n" +
		`{"parameters":{"rsi_limits":[20,50,80],"timeframes":["1m","5m"],"load_budget":12,"exotic_knob":3},` +
		`"reasoning":"tighter bounds","confidence":1.7}` + "\n```"}
	agent := NewOptimizerAgent(chat, nil)

	res, err := agent.HandleOptimization(context.Background(), optimizationRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{20, 50, 80}, res.Parameters["rsi_limits"])
	assert.Equal(t, []string{"1m", "5m"}, res.Parameters["timeframes"])
	assert.Equal(t, 12.0, res.Parameters["load_budget"])
	assert.NotContains(t, res.Parameters, "exotic_knob", "parameters outside the space are dropped")
	assert.Equal(t, 1.0, res.Confidence, "confidence is clamped to [0,1]")
	assert.Equal(t, "tighter bounds", res.Reasoning)
	assert.Equal(t, "gpt-4-turbo", res.Metadata["model"])
	assert.Equal(t, "stop", res.Metadata["finish_reason"])
}

func TestMalformedRSILimitsFallThrough(t *testing.T) {
	// Descending limits are invalid; with nothing else usable the agent
	// falls back to the deterministic heuristic.
	chat := &fakeChat{content: `{"parameters":{"rsi_limits":[80,50,20]},"confidence":0.9}`}
	agent := NewOptimizerAgent(chat, nil)

	res, err := agent.HandleOptimization(context.Background(), optimizationRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback_deterministic", res.Metadata["method"])
}

func TestFallbackLowersBoundsOnWeakProfitFactor(t *testing.T) {
	agent := NewOptimizerAgent(&fakeChat{err: fmt.Errorf("gateway down")}, nil)

	history := []*messages.BacktestResultsResponse{
		{RunID: "bt_1", ProfitFactor: 1.1, MaxDrawdown: 4},
	}
	res, err := agent.HandleOptimization(context.Background(), optimizationRequest(), history)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 50, 80}, res.Parameters["rsi_limits"])
	assert.Equal(t, 0.4, res.Confidence)
	assert.Equal(t, "fallback_deterministic", res.Metadata["method"])
}

func TestFallbackTightensBoundsOnDeepDrawdown(t *testing.T) {
	agent := NewOptimizerAgent(nil, nil)

	history := []*messages.BacktestResultsResponse{
		{RunID: "bt_1", ProfitFactor: 2.0, MaxDrawdown: 15},
	}
	res, err := agent.HandleOptimization(context.Background(), optimizationRequest(), history)
	require.NoError(t, err)
	assert.Equal(t, []int{20, 50, 80}, res.Parameters["rsi_limits"])
}

func TestFallbackRespectsFloorAndCeiling(t *testing.T) {
	agent := NewOptimizerAgent(nil, nil)

	req := optimizationRequest()
	req.BacktestConfig = &messages.StartBacktestRequest{RSILimits: []int{6, 50, 97}}
	history := []*messages.BacktestResultsResponse{{ProfitFactor: 0.8}}

	res, err := agent.HandleOptimization(context.Background(), req, history)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 50, 92}, res.Parameters["rsi_limits"])
}

func TestPromptCarriesObjectiveSpaceAndHistory(t *testing.T) {
	chat := &fakeChat{content: `{"parameters":{"rsi_limits":[20,50,80]},"confidence":0.5}`}
	agent := NewOptimizerAgent(chat, nil)

	history := make([]*messages.BacktestResultsResponse, 7)
	for i := range history {
		history[i] = &messages.BacktestResultsResponse{RunID: fmt.Sprintf("bt_%d", i), ProfitFactor: 1.6}
	}
	_, err := agent.HandleOptimization(context.Background(), optimizationRequest(), history)
	require.NoError(t, err)

	require.Len(t, chat.prompts, 2)
	assert.Contains(t, chat.prompts[0], "expert quantitative trading strategy optimizer")
	user := chat.prompts[1]
	assert.Contains(t, user, "maximize sharpe_ratio")
	assert.Contains(t, user, "load_budget")
	// Only the five most recent results make it into the prompt.
	assert.NotContains(t, user, "run bt_0")
	assert.NotContains(t, user, "run bt_1")
	assert.Contains(t, user, "run bt_2")
	assert.Contains(t, user, "run bt_6")
}

func TestToRSILimits(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []int
		ok    bool
	}{
		{"valid", []any{15.0, 50.0, 85.0}, []int{15, 50, 85}, true},
		{"wrong length", []any{15.0, 50.0}, nil, false},
		{"not ascending", []any{50.0, 50.0, 85.0}, nil, false},
		{"fractional", []any{15.5, 50.0, 85.0}, nil, false},
		{"out of range", []any{-5.0, 50.0, 85.0}, nil, false},
		{"not a list", "15,50,85", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := toRSILimits(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestToTimeframes(t *testing.T) {
	got, ok := toTimeframes([]any{"1m", "1h"})
	require.True(t, ok)
	assert.Equal(t, []string{"1m", "1h"}, got)

	_, ok = toTimeframes([]any{"1m", "13m"})
	assert.False(t, ok)
	_, ok = toTimeframes([]any{})
	assert.False(t, ok)
}

func TestFallbackTightensTowardCenterFromInsideBounds(t *testing.T) {
	agent := NewOptimizerAgent(nil, nil)

	req := optimizationRequest()
	req.BacktestConfig = &messages.StartBacktestRequest{RSILimits: []int{40, 50, 60}}
	history := []*messages.BacktestResultsResponse{{ProfitFactor: 2.0, MaxDrawdown: 15}}

	res, err := agent.HandleOptimization(context.Background(), req, history)
	require.NoError(t, err)
	assert.Equal(t, []int{45, 50, 55}, res.Parameters["rsi_limits"])
}

func TestFallbackNeverCrossesTheMiddleBound(t *testing.T) {
	agent := NewOptimizerAgent(nil, nil)

	req := optimizationRequest()
	req.BacktestConfig = &messages.StartBacktestRequest{RSILimits: []int{20, 25, 80}}
	history := []*messages.BacktestResultsResponse{{ProfitFactor: 2.0, MaxDrawdown: 15}}

	res, err := agent.HandleOptimization(context.Background(), req, history)
	require.NoError(t, err)
	limits := res.Parameters["rsi_limits"].([]int)
	assert.Equal(t, []int{24, 25, 75}, limits)
	assert.NoError(t, messages.ValidateRSILimits(limits))

	// The weak-profit-factor branch keeps the triple ascending too.
	req.BacktestConfig = &messages.StartBacktestRequest{RSILimits: []int{20, 50, 52}}
	history = []*messages.BacktestResultsResponse{{ProfitFactor: 0.8}}
	res, err = agent.HandleOptimization(context.Background(), req, history)
	require.NoError(t, err)
	limits = res.Parameters["rsi_limits"].([]int)
	assert.Equal(t, []int{15, 50, 51}, limits)
	assert.NoError(t, messages.ValidateRSILimits(limits))
}
