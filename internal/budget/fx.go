package budget

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/ledgerguard/internal/budget/service"
)

var Module = fx.Module("budget",
	fx.Provide(
		service.NewService,
	),
)
