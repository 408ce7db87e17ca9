// Package agents hosts the qualification pipeline agents: backtest,
// evaluator, optimizer, registry, orchestrator and scheduler. Agents are
// in-process components that share the message types in
// internal/messages and optionally publish progress over NATS.
package agents

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/stratqual/internal/config"
)

// agentMetrics holds the Prometheus instruments shared by all agents,
// labeled per agent and operation.
type agentMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	status   *prometheus.GaugeVec
}

var (
	globalMetrics *agentMetrics
	metricsOnce   sync.Once
)

func sharedMetrics() *agentMetrics {
	metricsOnce.Do(func() {
		globalMetrics = &agentMetrics{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_requests_total",
				Help: "Total requests handled per agent and operation",
			}, []string{"agent", "operation"}),
			errors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agent_errors_total",
				Help: "Total failed requests per agent and operation",
			}, []string{"agent", "operation"}),
			duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agent_request_duration_seconds",
				Help:    "Request duration per agent and operation",
				Buckets: prometheus.DefBuckets,
			}, []string{"agent", "operation"}),
			status: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "agent_status",
				Help: "Agent status (1=running, 0=stopped)",
			}, []string{"agent"}),
		}
	})
	return globalMetrics
}

// PolicyRange bounds one numeric request field; a nil side is unbounded.
type PolicyRange struct {
	Min *float64
	Max *float64
}

// BaseAgent provides identity, logging, metrics and request policies for
// one agent.
type BaseAgent struct {
	name      string
	agentType string
	logger    zerolog.Logger
	metrics   *agentMetrics
	policies  map[string]PolicyRange
}

// NewBaseAgent builds the shared agent scaffolding.
func NewBaseAgent(name, agentType string) BaseAgent {
	a := BaseAgent{
		name:      name,
		agentType: agentType,
		logger:    config.NewAgentLogger(name, agentType),
		metrics:   sharedMetrics(),
		policies:  make(map[string]PolicyRange),
	}
	a.metrics.status.WithLabelValues(name).Set(1)
	return a
}

// SetPolicy installs a bound enforced on future requests.
func (a *BaseAgent) SetPolicy(name string, r PolicyRange) {
	a.policies[name] = r
}

// ValidatePolicy checks value against the named policy. An absent policy
// allows everything.
func (a *BaseAgent) ValidatePolicy(name string, value float64) bool {
	r, ok := a.policies[name]
	if !ok {
		return true
	}
	if r.Min != nil && value < *r.Min {
		return false
	}
	if r.Max != nil && value > *r.Max {
		return false
	}
	return true
}

// Name returns the agent's name.
func (a *BaseAgent) Name() string { return a.name }

// Type returns the agent's type.
func (a *BaseAgent) Type() string { return a.agentType }

// Logger returns the agent's logger.
func (a *BaseAgent) Logger() zerolog.Logger { return a.logger }

// observe records one handled operation.
func (a *BaseAgent) observe(operation string, start time.Time, err error) {
	a.metrics.requests.WithLabelValues(a.name, operation).Inc()
	a.metrics.duration.WithLabelValues(a.name, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		a.metrics.errors.WithLabelValues(a.name, operation).Inc()
	}
}

// Stop marks the agent stopped in the status gauge.
func (a *BaseAgent) Stop() {
	a.metrics.status.WithLabelValues(a.name).Set(0)
}

// Memory is a small concurrency-safe key-value store agents use for
// working state that must survive between cycles.
type Memory struct {
	mu    sync.RWMutex
	items map[string]any
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]any)}
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *Memory) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Clear drops every key and returns how many were held.
func (m *Memory) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.items)
	m.items = make(map[string]any)
	return n
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
