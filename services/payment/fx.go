package payment

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(
		NewVerifiers,
		NewService,
	),
)

// WorkerModule registers the queue handlers that run off the hot path.
var WorkerModule = fx.Module("payment:worker",
	fx.Provide(NewAuditTaskHandler),
	fx.Invoke(func(h *AuditTaskHandler, mux *asynq.ServeMux) {
		h.RegisterHandlers(mux)
	}),
)
