// Package bus publishes agent progress and results over NATS so external
// consumers can follow pipeline flows. The bus is optional: a nil Bus is
// safe to publish on and drops everything.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/messages"
)

// Topics published by the pipeline.
const (
	TopicBacktestStatus     = "backtest.status"
	TopicBacktestCompleted  = "backtest.completed"
	TopicEvaluationResult   = "evaluation.result"
	TopicOptimizationResult = "optimization.result"
	TopicStrategyPromoted   = "strategy.promoted"
)

// Bus wraps a NATS connection with subject namespacing.
type Bus struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// Connect dials NATS per the configuration. Returns (nil, nil) when the
// bus is disabled.
func Connect(cfg config.NATSConfig) (*Bus, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	logger := config.NewLogger("bus")

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("stratqual"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", cfg.SubjectPrefix).
		Msg("Message bus connected")
	return &Bus{nc: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Publish sends an envelope to {prefix}{to}.{topic}. A nil bus drops the
// message silently.
func (b *Bus) Publish(to, topic string, payload any) error {
	if b == nil {
		return nil
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("message bus not connected")
	}

	msg := messages.NewAgentMessage("stratqual", to, "", payload)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := b.subject(to, topic)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	b.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("subject", subject).
		Msg("Published message")
	return nil
}

// Subscribe delivers raw envelopes published to {prefix}{to}.{topic}.
func (b *Bus) Subscribe(to, topic string, handler func(messages.AgentMessage)) (*nats.Subscription, error) {
	if b == nil {
		return nil, fmt.Errorf("message bus disabled")
	}
	return b.nc.Subscribe(b.subject(to, topic), func(m *nats.Msg) {
		var msg messages.AgentMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping malformed message")
			return
		}
		handler(msg)
	})
}

func (b *Bus) subject(to, topic string) string {
	return fmt.Sprintf("%s%s.%s", b.prefix, to, topic)
}

// Close drains the connection. Safe on a nil bus.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("NATS drain failed")
	}
}
