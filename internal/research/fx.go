package research

import (
	"github.com/fluxori/creditcore/internal/producer"
	"github.com/fluxori/creditcore/internal/research/domain"
	"github.com/fluxori/creditcore/internal/research/service"
	"go.uber.org/fx"
)

var Module = fx.Module("research.service",
	fx.Provide(service.NewService),
	fx.Invoke(bindResultHandler),
)

// bindResultHandler routes in-process producer deliveries to the orchestrator.
func bindResultHandler(p producer.Producer, svc domain.Service) {
	if binder, ok := p.(producer.HandlerBinder); ok {
		binder.SetHandler(svc)
	}
}
