package quota

import (
	"github.com/smallbiznis/matterly/internal/quota/repository"
	"github.com/smallbiznis/matterly/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewGate),
	fx.Provide(service.NewService),
)
