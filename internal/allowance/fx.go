package allowance

import (
	"github.com/taskora/metering/internal/allowance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allowance",
	fx.Provide(
		service.NewService,
	),
)
