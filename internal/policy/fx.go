package policy

import (
	"github.com/smallbiznis/focusgate/internal/policy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("policy.engine",
	fx.Provide(service.NewEngine),
)
