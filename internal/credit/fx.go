package credit

import (
	"github.com/fluxori/creditcore/internal/credit/repository"
	"github.com/fluxori/creditcore/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
