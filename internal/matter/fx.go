package matter

import (
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	"github.com/smallbiznis/matterly/internal/matter/repository"
	"github.com/smallbiznis/matterly/internal/matter/service"
	"go.uber.org/fx"
)

var Module = fx.Module("matter.service",
	liveevents.Module,
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
