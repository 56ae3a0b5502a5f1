package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/matterly/internal/clock"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/organization/domain"
	"github.com/smallbiznis/matterly/internal/permission"
	quotadomain "github.com/smallbiznis/matterly/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      domain.Repository
	UsageRepo quotadomain.Repository
	Plans     *config.PlansHolder
	Gate      *permission.Gate
	GenID     *snowflake.Node
	Clock     clock.Clock
}

type service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	usageRepo quotadomain.Repository
	plans     *config.PlansHolder
	gate      *permission.Gate
	genID     *snowflake.Node
	clock     clock.Clock
}

func NewService(p ServiceParam) domain.Service {
	return &service{
		db:        p.DB,
		log:       p.Log.Named("organization.service"),
		repo:      p.Repo,
		usageRepo: p.UsageRepo,
		plans:     p.Plans,
		gate:      p.Gate,
		genID:     p.GenID,
		clock:     p.Clock,
	}
}

// Create provisions the organization, its owner and its usage counter in
// one transaction, so every organization has a row for the quota gate.
func (s *service) Create(ctx context.Context, userID snowflake.ID, req domain.CreateOrganizationRequest) (*domain.OrganizationResponse, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	plans := s.plans.Get()
	planCode := strings.TrimSpace(req.Plan)
	if planCode == "" {
		planCode = plans.Default
	}
	plan, ok := plans.Find(planCode)
	if !ok {
		return nil, quotadomain.ErrInvalidPlan
	}

	now := s.clock.Now()
	orgID := s.genID.Generate()
	org := domain.Organization{
		ID:        orgID,
		Name:      name,
		Metadata:  datatypes.JSONMap{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		orgSlug, err := s.uniqueSlug(ctx, repo, name, orgID)
		if err != nil {
			return err
		}
		org.Slug = orgSlug

		if err := repo.CreateOrganization(ctx, org); err != nil {
			return err
		}

		member := domain.OrganizationMember{
			ID:        s.genID.Generate(),
			OrgID:     orgID,
			UserID:    userID,
			Role:      permission.RoleOwner,
			CreatedAt: now,
		}
		if err := repo.AddMember(ctx, member); err != nil {
			return err
		}

		_, err = s.usageRepo.WithTx(tx).Init(ctx, quotadomain.OrganizationUsage{
			OrgID:     orgID,
			Plan:      plan.Code,
			CreatedAt: now,
			UpdatedAt: now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("organization created",
		zap.String("org_id", orgID.String()),
		zap.String("plan", plan.Code),
	)

	return &domain.OrganizationResponse{
		ID:   orgID.String(),
		Name: name,
		Slug: org.Slug,
		Plan: plan.Code,
	}, nil
}

func (s *service) uniqueSlug(ctx context.Context, repo domain.Repository, name string, orgID snowflake.ID) (string, error) {
	base := slug.Make(name)
	if base == "" {
		base = "org"
	}
	exists, err := repo.SlugExists(ctx, base)
	if err != nil {
		return "", err
	}
	if !exists {
		return base, nil
	}
	return base + "-" + strings.ToLower(orgID.Base36()), nil
}

func (s *service) GetByID(ctx context.Context, id string) (*domain.OrganizationResponse, error) {
	orgID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	org, err := s.repo.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return &domain.OrganizationResponse{
		ID:   org.ID.String(),
		Name: org.Name,
		Slug: org.Slug,
	}, nil
}

func (s *service) ListOrganizationsByUser(ctx context.Context, userID snowflake.ID) ([]domain.OrganizationListResponseItem, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}

	items, err := s.repo.ListOrganizationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := make([]domain.OrganizationListResponseItem, 0, len(items))
	for _, item := range items {
		resp = append(resp, domain.OrganizationListResponseItem{
			ID:        item.ID.String(),
			Name:      item.Name,
			Slug:      item.Slug,
			Role:      item.Role,
			CreatedAt: item.CreatedAt,
		})
	}

	return resp, nil
}

func (s *service) AddMember(ctx context.Context, actorID snowflake.ID, orgID string, req domain.AddMemberRequest) error {
	if actorID == 0 {
		return domain.ErrInvalidUser
	}
	parsedOrgID, err := snowflake.ParseString(strings.TrimSpace(orgID))
	if err != nil || parsedOrgID == 0 {
		return domain.ErrInvalidOrganization
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		return domain.ErrInvalidUser
	}
	role, err := permission.NormalizeRole(req.Role)
	if err != nil {
		return domain.ErrInvalidRole
	}

	if err := s.authorize(ctx, parsedOrgID, actorID, permission.ObjectOrganization, permission.ActionManage); err != nil {
		return err
	}

	return s.repo.AddMember(ctx, domain.OrganizationMember{
		ID:        s.genID.Generate(),
		OrgID:     parsedOrgID,
		UserID:    userID,
		Role:      role,
		CreatedAt: s.clock.Now(),
	})
}

func (s *service) MemberRole(ctx context.Context, orgID snowflake.ID, userID snowflake.ID) (string, error) {
	if orgID == 0 {
		return "", domain.ErrInvalidOrganization
	}
	if userID == 0 {
		return "", domain.ErrInvalidUser
	}
	return s.repo.MemberRole(ctx, orgID, userID)
}

func (s *service) authorize(ctx context.Context, orgID, userID snowflake.ID, object, action string) error {
	role, err := s.repo.MemberRole(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotMember) {
			return permission.ErrNotTeamMember
		}
		return err
	}
	return s.gate.Authorize(permission.Membership{Role: role, Status: permission.StatusActive}, object, action)
}
