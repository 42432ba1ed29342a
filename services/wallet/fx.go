package wallet

import (
	"taskmarket-platform/services/lifecycle"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet",
	fx.Provide(
		NewService,
		func(s *Service) lifecycle.EarningWriter { return s },
	),
)

// WorkerModule wires the settlement sweep into the queue consumer.
var WorkerModule = fx.Module("wallet:worker",
	fx.Provide(NewScheduler),
	fx.Invoke(
		func(s *Service, mux *asynq.ServeMux) { s.RegisterHandlers(mux) },
		StartScheduler,
	),
)
