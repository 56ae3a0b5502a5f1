package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/clock"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/quota/domain"
	"go.uber.org/zap"
)

type service struct {
	repo  domain.Repository
	plans *config.PlansHolder
	clock clock.Clock
	log   *zap.Logger
}

func NewService(repo domain.Repository, plans *config.PlansHolder, clk clock.Clock, log *zap.Logger) domain.Service {
	return &service{
		repo:  repo,
		plans: plans,
		clock: clk,
		log:   log.Named("quota.service"),
	}
}

func (s *service) Lookup(ctx context.Context, orgID string) (*domain.UsageResponse, error) {
	id, err := parseOrgID(orgID)
	if err != nil {
		return nil, err
	}
	usage, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.toResponse(*usage), nil
}

// ChangePlan only moves the tier. An organization already above the new
// tier's limit keeps its matters but cannot create more.
func (s *service) ChangePlan(ctx context.Context, orgID string, plan string) (*domain.UsageResponse, error) {
	id, err := parseOrgID(orgID)
	if err != nil {
		return nil, err
	}
	selected, ok := s.plans.Get().Find(plan)
	if !ok {
		return nil, domain.ErrInvalidPlan
	}
	if err := s.repo.SetPlan(ctx, id, selected.Code, s.clock.Now()); err != nil {
		return nil, err
	}
	s.log.Info("organization plan changed", zap.String("org_id", id.String()), zap.String("plan", selected.Code))
	return s.Lookup(ctx, orgID)
}

func (s *service) toResponse(usage domain.OrganizationUsage) *domain.UsageResponse {
	limit := s.plans.Get().LimitFor(usage.Plan)
	return &domain.UsageResponse{
		OrgID:       usage.OrgID.String(),
		Plan:        usage.Plan,
		MatterCount: usage.MatterCount,
		MatterLimit: limit,
		Limited:     limit > 0,
	}
}

func parseOrgID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	return id, nil
}
