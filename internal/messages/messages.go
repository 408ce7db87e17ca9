// Package messages defines the typed payloads exchanged between agents and
// the correlation envelope that wraps them.
package messages

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/domain"
)

// Error codes carried by ErrorResponse across agent boundaries.
const (
	ErrCodeInvalidTimeframes     = "INVALID_TIMEFRAMES"
	ErrCodeInvalidRSILimits      = "INVALID_RSI_LIMITS"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeInvalidResponse       = "INVALID_RESPONSE"
	ErrCodeUnknownMessageType    = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeHandlerError          = "HANDLER_ERROR"
	ErrCodeMaxConcurrentBacktest = "MAX_CONCURRENT_BACKTESTS"
	ErrCodeMaxLossPercentage     = "MAX_LOSS_PERCENTAGE_EXCEEDED"
	ErrCodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	ErrCodeMaxNotionalExceeded   = "MAX_NOTIONAL_EXCEEDED"
	ErrCodeNoCandlesAvailable    = "NO_CANDLES_AVAILABLE"
)

// StartBacktestRequest asks for one backtest run.
type StartBacktestRequest struct {
	RunID             string          `json:"run_id"`
	Symbol            string          `json:"symbol"`
	StartTime         int64           `json:"start_time"`
	EndTime           *int64          `json:"end_time,omitempty"`
	InitialBalance    decimal.Decimal `json:"initial_balance"`
	Leverage          decimal.Decimal `json:"leverage"`
	MakerFee          decimal.Decimal `json:"maker_fee"`
	TakerFee          decimal.Decimal `json:"taker_fee"`
	MaxNotional       decimal.Decimal `json:"max_notional"`
	StrategyName      string          `json:"strategy_name"`
	StopOnLoss        bool            `json:"stop_on_loss"`
	MaxLossPercentage float64         `json:"max_loss_percentage"`
	TrackCycles       bool            `json:"track_cycles"`
	Timeframes        []string        `json:"timeframes"`
	RSILimits         []int           `json:"rsi_limits,omitempty"`
}

// NewStartBacktestRequest returns a request with the documented defaults.
func NewStartBacktestRequest(symbol string, startTime int64) StartBacktestRequest {
	return StartBacktestRequest{
		RunID:             uuid.NewString(),
		Symbol:            symbol,
		StartTime:         startTime,
		InitialBalance:    decimal.NewFromInt(2500),
		Leverage:          decimal.NewFromInt(100),
		MakerFee:          decimal.NewFromFloat(0.0002),
		TakerFee:          decimal.NewFromFloat(0.0005),
		MaxNotional:       decimal.NewFromInt(50000),
		StrategyName:      "default",
		StopOnLoss:        true,
		MaxLossPercentage: 0.5,
		TrackCycles:       true,
		Timeframes:        []string{"1m", "15m", "1h"},
	}
}

// Validate enforces the request invariants: 2-4 timeframes from the fixed
// vocabulary and, when present, an ascending RSI triple in [0,100].
func (r *StartBacktestRequest) Validate() error {
	if err := ValidateTimeframes(r.Timeframes); err != nil {
		return err
	}
	if r.RSILimits != nil {
		if err := ValidateRSILimits(r.RSILimits); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTimeframes checks count and vocabulary membership.
func ValidateTimeframes(tfs []string) error {
	if len(tfs) < 2 || len(tfs) > 4 {
		return &CodedError{Code: ErrCodeInvalidTimeframes, Message: fmt.Sprintf("timeframes must have 2-4 entries, got %d", len(tfs))}
	}
	for _, tf := range tfs {
		if !domain.ValidTimeframe(tf) {
			return &CodedError{Code: ErrCodeInvalidTimeframes, Message: fmt.Sprintf("unknown timeframe %q", tf)}
		}
	}
	return nil
}

// ValidateRSILimits checks for an ascending triple in [0,100].
func ValidateRSILimits(limits []int) error {
	if len(limits) != 3 {
		return &CodedError{Code: ErrCodeInvalidRSILimits, Message: fmt.Sprintf("rsi_limits must have exactly 3 values, got %d", len(limits))}
	}
	for _, v := range limits {
		if v < 0 || v > 100 {
			return &CodedError{Code: ErrCodeInvalidRSILimits, Message: fmt.Sprintf("rsi_limits values must be in range 0-100, got %v", limits)}
		}
	}
	if !(limits[0] < limits[1] && limits[1] < limits[2]) {
		return &CodedError{Code: ErrCodeInvalidRSILimits, Message: fmt.Sprintf("rsi_limits must be strictly ascending, got %v", limits)}
	}
	return nil
}

// BacktestStatusUpdate reports progress of a running backtest.
type BacktestStatusUpdate struct {
	RunID            string          `json:"run_id"`
	Status           string          `json:"status"` // running, paused, completed, failed
	CandlesProcessed int             `json:"candles_processed"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	ExecutionSeconds float64         `json:"execution_time_seconds"`
	CandlesPerSecond float64         `json:"candles_per_second"`
}

// BacktestResultsResponse carries the full metric set of a finished run.
type BacktestResultsResponse struct {
	RunID           string  `json:"run_id"`
	Status          string  `json:"status"` // completed, failed, stopped
	StartTime       int64   `json:"start_time"`
	EndTime         int64   `json:"end_time"`
	DurationSeconds float64 `json:"duration_seconds"`

	TotalCandlesProcessed int             `json:"total_candles_processed"`
	FinalBalance          decimal.Decimal `json:"final_balance"`
	TotalReturn           decimal.Decimal `json:"total_return"`
	ReturnPercentage      float64         `json:"return_percentage"`
	MaxDrawdown           float64         `json:"max_drawdown"`

	TotalTrades  int     `json:"total_trades"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`

	TotalClosedPositions int `json:"total_closed_positions"`
	WinningPositions     int `json:"winning_positions"`
	LosingPositions      int `json:"losing_positions"`

	TotalCommission      decimal.Decimal `json:"total_commission"`
	CommissionPercentage float64         `json:"commission_percentage"`

	TotalCycles      int             `json:"total_cycles"`
	AvgCycleDuration float64         `json:"avg_cycle_duration"`
	AvgCyclePnL      decimal.Decimal `json:"avg_cycle_pnl"`
	WinningCycles    int             `json:"winning_cycles"`
	LosingCycles     int             `json:"losing_cycles"`
	CycleWinRate     float64         `json:"cycle_win_rate"`

	StrategyName string `json:"strategy_name"`
	Symbol       string `json:"symbol"`
}

// EvaluationRequest asks for KPI evaluation of one run.
type EvaluationRequest struct {
	RunID   string             `json:"run_id"`
	Metrics []string           `json:"metrics,omitempty"`
	KPIs    map[string]float64 `json:"kpis,omitempty"`
}

// EvaluationResponse carries compliance and the recommendation.
type EvaluationResponse struct {
	RunID          string             `json:"run_id"`
	Passed         bool               `json:"evaluation_passed"`
	Metrics        map[string]float64 `json:"metrics"`
	KPICompliance  map[string]bool    `json:"kpi_compliance"`
	Recommendation string             `json:"recommendation"` // promote, reject, optimize
}

// OptimizationRequest asks for a new parameter proposal.
type OptimizationRequest struct {
	RunID          string                `json:"run_id"`
	StrategyName   string                `json:"strategy_name"`
	Symbol         string                `json:"symbol"`
	ParameterSpace map[string][]float64  `json:"parameter_space"`
	Objective      string                `json:"objective"`
	BacktestConfig *StartBacktestRequest `json:"backtest_config,omitempty"`
}

// OptimizationResult is the proposal produced by the optimizer.
type OptimizationResult struct {
	RunID               string             `json:"run_id"`
	StrategyName        string             `json:"strategy_name"`
	Parameters          map[string]any     `json:"parameters"`
	Reasoning           string             `json:"reasoning"`
	Confidence          float64            `json:"confidence"`
	ExpectedImprovement map[string]float64 `json:"expected_improvement,omitempty"`
	Metadata            map[string]any     `json:"metadata,omitempty"`
}

// StoreResultsRequest asks the registry to persist one run's payloads.
type StoreResultsRequest struct {
	RunID               string                   `json:"run_id"`
	StrategyName        string                   `json:"strategy_name"`
	Symbol              string                   `json:"symbol"`
	BacktestResults     *BacktestResultsResponse `json:"backtest_results,omitempty"`
	EvaluationResults   *EvaluationResponse      `json:"evaluation_results,omitempty"`
	OptimizationResults *OptimizationResult      `json:"optimization_results,omitempty"`
	Metadata            map[string]any           `json:"metadata,omitempty"`
}

// StoreResultsResponse confirms a store.
type StoreResultsResponse struct {
	RunID     string `json:"run_id"`
	StorageID string `json:"storage_id"`
	Success   bool   `json:"success"`
}

// RetrieveResultsRequest filters stored results; the first non-empty filter
// of run id, strategy, symbol wins.
type RetrieveResultsRequest struct {
	RunID        string `json:"run_id,omitempty"`
	StrategyName string `json:"strategy_name,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
}

// RetrieveResultsResponse carries matching records.
type RetrieveResultsResponse struct {
	Results    []map[string]any `json:"results"`
	TotalCount int              `json:"total_count"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

// AgentMessage is the correlation envelope for agent-to-agent payloads.
type AgentMessage struct {
	MessageID string    `json:"message_id"`
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	FlowID    string    `json:"flow_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewAgentMessage builds an envelope with a fresh message id.
func NewAgentMessage(from, to, flowID string, payload any) AgentMessage {
	return AgentMessage{
		MessageID: uuid.NewString(),
		FromAgent: from,
		ToAgent:   to,
		FlowID:    flowID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// ErrorResponse is the structured error payload.
type ErrorResponse struct {
	ErrorCode    string         `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
}

// CodedError is an error value carrying one of the error codes above.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode extracts the code from err, or HANDLER_ERROR when err carries
// no code of its own.
func ErrorCode(err error) string {
	if ce, ok := err.(*CodedError); ok {
		return ce.Code
	}
	return ErrCodeHandlerError
}
