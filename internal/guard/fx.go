package guard

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/ledgerguard/internal/guard/service"
)

var Module = fx.Module("guard",
	fx.Provide(
		service.NewService,
	),
)
