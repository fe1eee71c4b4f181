package queue

import (
	"github.com/fluxori/creditcore/internal/queue/repository"
	"github.com/fluxori/creditcore/internal/queue/service"
	"go.uber.org/fx"
)

var Module = fx.Module("queue.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
