package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/clock"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/quota/domain"
	"gorm.io/gorm"
)

type gate struct {
	repo  domain.Repository
	plans *config.PlansHolder
	clock clock.Clock
}

func NewGate(repo domain.Repository, plans *config.PlansHolder, clk clock.Clock) domain.Gate {
	return &gate{repo: repo, plans: plans, clock: clk}
}

func (g *gate) WithTx(tx *gorm.DB) domain.Gate {
	return &gate{repo: g.repo.WithTx(tx), plans: g.plans, clock: g.clock}
}

// Consume must run inside the creation transaction so a later failure in
// the same transaction rolls the increment back.
func (g *gate) Consume(ctx context.Context, orgID snowflake.ID) (*domain.ConsumeResult, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	return g.repo.Consume(ctx, orgID, g.plans.Get().Limited(), g.clock.Now())
}

func (g *gate) Release(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	return g.repo.Release(ctx, orgID, g.clock.Now())
}
