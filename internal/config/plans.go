package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	PlanStarter    = "starter"
	PlanTeam       = "team"
	PlanBusiness   = "business"
	PlanEnterprise = "enterprise"
)

// Plan describes one subscription tier. A zero MatterLimit means the tier
// is not capacity-limited.
type Plan struct {
	Code        string `mapstructure:"code"`
	MatterLimit int64  `mapstructure:"matterLimit"`
}

type PlansConfig struct {
	Default string `mapstructure:"default"`
	Plans   []Plan `mapstructure:"plans"`
}

func DefaultPlansConfig() PlansConfig {
	return PlansConfig{
		Default: PlanStarter,
		Plans: []Plan{
			{Code: PlanStarter, MatterLimit: 100},
			{Code: PlanTeam},
			{Code: PlanBusiness},
			{Code: PlanEnterprise},
		},
	}
}

// Find returns the plan with the given code.
func (c PlansConfig) Find(code string) (Plan, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, plan := range c.Plans {
		if plan.Code == code {
			return plan, true
		}
	}
	return Plan{}, false
}

// Limited returns the tiers that carry a matter limit.
func (c PlansConfig) Limited() []Plan {
	out := make([]Plan, 0, len(c.Plans))
	for _, plan := range c.Plans {
		if plan.MatterLimit > 0 {
			out = append(out, plan)
		}
	}
	return out
}

// LimitFor returns the matter limit for the plan, zero when unlimited.
func (c PlansConfig) LimitFor(code string) int64 {
	plan, ok := c.Find(code)
	if !ok {
		return 0
	}
	return plan.MatterLimit
}

type PlansHolder struct {
	current atomic.Value // holds PlansConfig
}

// NewStaticPlansHolder returns a holder that never reloads.
func NewStaticPlansHolder(cfg PlansConfig) *PlansHolder {
	holder := &PlansHolder{}
	holder.current.Store(normalizePlans(cfg))
	return holder
}

// NewPlansHolder reads plans.yml and watches it for changes. When no file
// exists the built-in defaults are used.
func NewPlansHolder(path string) (*PlansHolder, error) {
	v := viper.New()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/matterly")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MATTERLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		return NewStaticPlansHolder(DefaultPlansConfig()), nil
	}

	cfg, err := decodePlans(v)
	if err != nil {
		return nil, err
	}

	holder := &PlansHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePlans(v)
		if err != nil {
			zap.L().Warn("plans config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		zap.L().Info("plans config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PlansHolder) Get() PlansConfig {
	return h.current.Load().(PlansConfig)
}

func decodePlans(v *viper.Viper) (PlansConfig, error) {
	var cfg PlansConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return PlansConfig{}, err
	}
	cfg = normalizePlans(cfg)
	if err := validatePlans(cfg); err != nil {
		return PlansConfig{}, err
	}
	return cfg, nil
}

func normalizePlans(cfg PlansConfig) PlansConfig {
	out := PlansConfig{
		Default: strings.ToLower(strings.TrimSpace(cfg.Default)),
		Plans:   make([]Plan, 0, len(cfg.Plans)),
	}
	for _, plan := range cfg.Plans {
		out.Plans = append(out.Plans, Plan{
			Code:        strings.ToLower(strings.TrimSpace(plan.Code)),
			MatterLimit: plan.MatterLimit,
		})
	}
	if out.Default == "" {
		out.Default = PlanStarter
	}
	return out
}

func validatePlans(cfg PlansConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Plans))
	for _, plan := range cfg.Plans {
		if plan.Code == "" {
			return errors.New("billing.plans.code cannot be empty")
		}
		if plan.MatterLimit < 0 {
			return fmt.Errorf("billing.plans.%s.matterLimit cannot be negative", plan.Code)
		}
		if _, ok := seen[plan.Code]; ok {
			return fmt.Errorf("billing.plans.%s is duplicated", plan.Code)
		}
		seen[plan.Code] = struct{}{}
	}
	if _, ok := cfg.Find(cfg.Default); !ok {
		return fmt.Errorf("billing.default %q is not a known plan", cfg.Default)
	}
	return nil
}
