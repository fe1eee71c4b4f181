package txn

import "go.uber.org/fx"

var Module = fx.Module("txn",
	fx.Provide(
		NewExecutor,
		func(e *Executor) Runner { return e },
	),
)
