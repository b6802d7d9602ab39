package blocker

import (
	"github.com/smallbiznis/focusgate/internal/blocker/repository"
	"github.com/smallbiznis/focusgate/internal/blocker/service"
	"go.uber.org/fx"
)

var Module = fx.Module("blocker.controller",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewOverrideSource),
	fx.Provide(service.NewController),
)
