package billingperiod

import (
	"github.com/taskora/metering/internal/billingperiod/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingperiod",
	fx.Provide(
		service.NewService,
	),
)
