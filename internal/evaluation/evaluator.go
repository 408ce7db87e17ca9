package evaluation

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// Recommendations returned by Evaluate.
const (
	RecommendPromote  = "promote"
	RecommendOptimize = "optimize"
	RecommendReject   = "reject"
)

// Thresholds separating optimize-worthy misses from hopeless ones.
const (
	nearMissFactor = 0.2
	criticalFactor = 2.0
)

// DefaultKPIs is the threshold set applied when a request names none.
func DefaultKPIs() map[string]float64 {
	return map[string]float64{
		MetricSharpeRatio:  2.0,
		MetricMaxDrawdown:  10.0,
		MetricProfitFactor: 1.5,
	}
}

// Evaluator grades backtest metrics against KPI thresholds.
type Evaluator struct {
	logger zerolog.Logger
}

func NewEvaluator() *Evaluator {
	return &Evaluator{logger: config.NewLogger("evaluator")}
}

// Evaluate checks each KPI threshold against the measured metrics and
// derives a promote/optimize/reject recommendation.
//
// Drawdown-style KPIs pass when the metric magnitude stays at or below the
// threshold magnitude; every other KPI passes when the metric meets or
// exceeds its threshold. A metric missing from the map fails its KPI.
func (e *Evaluator) Evaluate(runID string, metrics map[string]float64, kpis map[string]float64) *messages.EvaluationResponse {
	if len(kpis) == 0 {
		kpis = DefaultKPIs()
	}

	compliance := make(map[string]bool, len(kpis))
	for name, threshold := range kpis {
		metric, ok := metrics[name]
		if !ok {
			e.logger.Warn().
				Str("run_id", runID).
				Str("kpi", name).
				Msg("Metric missing from results, marking non-compliant")
			compliance[name] = false
			continue
		}
		compliance[name] = complies(name, metric, threshold)
	}

	passed := true
	for _, ok := range compliance {
		passed = passed && ok
	}

	res := &messages.EvaluationResponse{
		RunID:          runID,
		Passed:         passed,
		Metrics:        metrics,
		KPICompliance:  compliance,
		Recommendation: e.recommend(passed, metrics, kpis, compliance),
	}
	e.logger.Info().
		Str("run_id", runID).
		Bool("passed", passed).
		Str("recommendation", res.Recommendation).
		Msg("Evaluation completed")
	return res
}

func complies(name string, metric, threshold float64) bool {
	if isDrawdown(name) {
		return math.Abs(metric) <= math.Abs(threshold)
	}
	return metric >= threshold
}

// recommend maps the compliance picture onto an action: promote when all
// KPIs pass, reject when any metric is critically bad, optimize when every
// failure is within 20% of its threshold, reject otherwise.
func (e *Evaluator) recommend(passed bool, metrics, kpis map[string]float64, compliance map[string]bool) string {
	if passed {
		return RecommendPromote
	}

	for name, threshold := range kpis {
		metric, ok := metrics[name]
		if !ok {
			continue
		}
		if isDrawdown(name) && math.Abs(metric) > criticalFactor*math.Abs(threshold) {
			return RecommendReject
		}
		if name == MetricProfitFactor && metric < 1.0 {
			return RecommendReject
		}
		if name == MetricSharpeRatio && metric < 0 {
			return RecommendReject
		}
	}

	for name, ok := range compliance {
		if ok {
			continue
		}
		metric, present := metrics[name]
		if !present {
			return RecommendReject
		}
		threshold := kpis[name]
		if isDrawdown(name) {
			if math.Abs(metric) > (1+nearMissFactor)*math.Abs(threshold) {
				return RecommendReject
			}
		} else if metric < (1-nearMissFactor)*threshold {
			return RecommendReject
		}
	}
	return RecommendOptimize
}

func isDrawdown(name string) bool {
	return name == MetricMaxDrawdown
}
