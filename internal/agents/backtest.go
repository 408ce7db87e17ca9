package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/stratqual/internal/backtest"
	"github.com/ajitpratap0/stratqual/internal/bus"
	"github.com/ajitpratap0/stratqual/internal/marketdata"
	"github.com/ajitpratap0/stratqual/internal/messages"
	"github.com/ajitpratap0/stratqual/internal/simulator"
)

// BacktestAgent runs one backtest at a time over the shared candle store.
type BacktestAgent struct {
	BaseAgent
	store  simulator.CandleStore
	source marketdata.Source
	bus    *bus.Bus
}

// maxLossPolicyCeiling caps the loss fraction a request may ask for.
const maxLossPolicyCeiling = 0.5

func NewBacktestAgent(store simulator.CandleStore, source marketdata.Source, b *bus.Bus) *BacktestAgent {
	a := &BacktestAgent{
		BaseAgent: NewBaseAgent("backtest", "pipeline"),
		store:     store,
		source:    source,
		bus:       b,
	}
	ceiling := maxLossPolicyCeiling
	a.SetPolicy("max_loss_percentage", PolicyRange{Max: &ceiling})
	return a
}

// HandleStartBacktest replays the requested window and returns the
// reduced results. Progress updates go to the bus when one is connected.
func (a *BacktestAgent) HandleStartBacktest(ctx context.Context, req messages.StartBacktestRequest) (res *messages.BacktestResultsResponse, err error) {
	defer func(start time.Time) { a.observe("start_backtest", start, err) }(time.Now())

	if !a.ValidatePolicy("max_loss_percentage", req.MaxLossPercentage) {
		return nil, &messages.CodedError{
			Code:    messages.ErrCodeMaxLossPercentage,
			Message: fmt.Sprintf("max_loss_percentage %.2f exceeds the agent policy", req.MaxLossPercentage),
		}
	}

	runner, err := backtest.NewRunner(ctx, a.store, a.source, req)
	if err != nil {
		return nil, err
	}
	runner.OnStatus(func(u messages.BacktestStatusUpdate) {
		if err := a.bus.Publish(a.Name(), bus.TopicBacktestStatus, u); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to publish status update")
		}
	})

	res, err = runner.Run()
	if err != nil {
		return nil, err
	}
	if err := a.bus.Publish(a.Name(), bus.TopicBacktestCompleted, res); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to publish completion")
	}
	return res, nil
}
