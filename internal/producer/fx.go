package producer

import (
	"context"
	"fmt"

	"github.com/fluxori/creditcore/internal/clock"
	"github.com/fluxori/creditcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("producer",
	fx.Provide(NewAvailability),
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Clock     clock.Clock `optional:"true"`
}

// New selects the producer implementation from configuration.
func New(p Params) (Producer, error) {
	switch p.Config.Producer.Mode {
	case "", config.ProducerModeMemory:
		mem := NewMemoryProducer(p.Log, p.Clock)
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return mem.Close(ctx)
			},
		})
		return mem, nil
	case config.ProducerModeHTTP:
		return NewHTTPProducer(p.Config.Producer, p.Log)
	default:
		return nil, fmt.Errorf("unsupported producer mode %q", p.Config.Producer.Mode)
	}
}
