package unlock

import (
	"github.com/smallbiznis/focusgate/internal/unlock/repository"
	"github.com/smallbiznis/focusgate/internal/unlock/service"
	"go.uber.org/fx"
)

var Module = fx.Module("unlock.coordinator",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewCoordinator),
)
