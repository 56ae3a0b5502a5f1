package permission

import (
	"github.com/casbin/casbin/v2"
	"go.uber.org/fx"
)

var Module = fx.Module("permission.gate",
	fx.Provide(NewEnforcer),
	fx.Provide(func(e *casbin.SyncedEnforcer) *Gate { return NewGate(e) }),
)
