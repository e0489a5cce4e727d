package addon

import (
	"github.com/taskora/metering/internal/addon/service"
	"go.uber.org/fx"
)

var Module = fx.Module("addon",
	fx.Provide(
		service.NewService,
	),
)
