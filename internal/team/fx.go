package team

import (
	"github.com/smallbiznis/matterly/internal/team/repository"
	"github.com/smallbiznis/matterly/internal/team/service"
	"go.uber.org/fx"
)

var Module = fx.Module("team.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
