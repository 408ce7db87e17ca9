// Package strategy hosts trading strategies and the factory that builds
// them by name.
package strategy

import (
	"fmt"
	"sort"

	"github.com/ajitpratap0/stratqual/internal/domain"
)

// Params carries the tunable knobs a strategy accepts.
type Params struct {
	Timeframes  []string
	RSILimits   []int
	TrackCycles bool
}

// Factory builds a strategy instance bound to one symbol.
type Factory func(symbol string, ex domain.ExchangePort, md domain.MarketData, events *domain.EventDispatcher, p Params) (domain.Strategy, error)

var factories = map[string]Factory{}

// Register adds a named strategy factory. Later registrations override.
func Register(name string, f Factory) {
	factories[name] = f
}

// Names lists the registered strategies, sorted.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the named strategy. "default" resolves to carga_descarga.
func New(name, symbol string, ex domain.ExchangePort, md domain.MarketData, events *domain.EventDispatcher, p Params) (domain.Strategy, error) {
	if name == "" || name == "default" {
		name = "carga_descarga"
	}
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", name, Names())
	}
	return f(symbol, ex, md, events, p)
}

func init() {
	Register("carga_descarga", NewCargaDescarga)
}
