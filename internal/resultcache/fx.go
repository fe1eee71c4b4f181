package resultcache

import (
	"github.com/fluxori/creditcore/internal/resultcache/repository"
	"github.com/fluxori/creditcore/internal/resultcache/service"
	"go.uber.org/fx"
)

var Module = fx.Module("resultcache.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
