package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/clock"
	orgdomain "github.com/smallbiznis/matterly/internal/organization/domain"
	"github.com/smallbiznis/matterly/internal/permission"
	"github.com/smallbiznis/matterly/internal/team/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Repo   domain.Repository
	OrgSvc orgdomain.Service
	Gate   *permission.Gate
	GenID  *snowflake.Node
	Clock  clock.Clock
}

type service struct {
	db     *gorm.DB
	log    *zap.Logger
	repo   domain.Repository
	orgSvc orgdomain.Service
	gate   *permission.Gate
	genID  *snowflake.Node
	clock  clock.Clock
}

func NewService(p ServiceParam) domain.Service {
	return &service{
		db:     p.DB,
		log:    p.Log.Named("team.service"),
		repo:   p.Repo,
		orgSvc: p.OrgSvc,
		gate:   p.Gate,
		genID:  p.GenID,
		clock:  p.Clock,
	}
}

func (s *service) Create(ctx context.Context, actorID snowflake.ID, orgID string, req domain.CreateTeamRequest) (*domain.TeamResponse, error) {
	if actorID == 0 {
		return nil, domain.ErrInvalidUser
	}
	parsedOrgID, err := parseID(orgID)
	if err != nil {
		return nil, domain.ErrInvalidOrgRef
	}
	code, err := domain.NormalizeCode(req.Code)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = code
	}

	role, err := s.orgSvc.MemberRole(ctx, parsedOrgID, actorID)
	if err != nil {
		if errors.Is(err, orgdomain.ErrNotMember) {
			return nil, permission.ErrNotTeamMember
		}
		return nil, err
	}
	if err := s.gate.Authorize(permission.Membership{Role: role, Status: permission.StatusActive}, permission.ObjectTeam, permission.ActionManage); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	team := domain.Team{
		ID:          s.genID.Generate(),
		OrgID:       parsedOrgID,
		Code:        code,
		Name:        name,
		NextShortID: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	owner := domain.TeamMember{
		ID:        s.genID.Generate(),
		TeamID:    team.ID,
		UserID:    actorID,
		Role:      permission.RoleOwner,
		Status:    permission.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.Create(ctx, team); err != nil {
			return err
		}
		return repo.AddMember(ctx, owner)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("team created",
		zap.String("team_id", team.ID.String()),
		zap.String("org_id", parsedOrgID.String()),
		zap.String("code", code),
	)

	resp := toResponse(&team)
	resp.Membership = &domain.MemberResponse{
		TeamID: team.ID.String(),
		UserID: actorID.String(),
		Role:   owner.Role,
		Status: owner.Status,
	}
	return resp, nil
}

func (s *service) Get(ctx context.Context, actorID snowflake.ID, teamID string) (*domain.TeamResponse, error) {
	team, membership, err := s.loadForMember(ctx, actorID, teamID)
	if err != nil {
		return nil, err
	}
	resp := toResponse(team)
	resp.Membership = &domain.MemberResponse{
		TeamID: team.ID.String(),
		UserID: actorID.String(),
		Role:   membership.Role,
		Status: membership.Status,
	}
	return resp, nil
}

func (s *service) AddMember(ctx context.Context, actorID snowflake.ID, teamID string, req domain.AddMemberRequest) (*domain.MemberResponse, error) {
	team, membership, err := s.loadForMember(ctx, actorID, teamID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Authorize(membership, permission.ObjectTeam, permission.ActionManage); err != nil {
		return nil, err
	}

	userID, err := parseID(req.UserID)
	if err != nil {
		return nil, domain.ErrInvalidUser
	}
	role, err := permission.NormalizeRole(req.Role)
	if err != nil {
		return nil, err
	}
	status, err := permission.NormalizeStatus(req.Status)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	member := domain.TeamMember{
		ID:        s.genID.Generate(),
		TeamID:    team.ID,
		UserID:    userID,
		Role:      role,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.UpsertMember(ctx, member); err != nil {
		return nil, err
	}

	return &domain.MemberResponse{
		TeamID: team.ID.String(),
		UserID: userID.String(),
		Role:   role,
		Status: status,
	}, nil
}

func (s *service) PeekNextShortID(ctx context.Context, actorID snowflake.ID, teamID string) (*domain.NextShortIDResponse, error) {
	team, _, err := s.loadForMember(ctx, actorID, teamID)
	if err != nil {
		return nil, err
	}
	next, err := s.repo.Peek(ctx, team.ID)
	if err != nil {
		return nil, err
	}
	return &domain.NextShortIDResponse{
		TeamID:      team.ID.String(),
		TeamCode:    team.Code,
		NextShortID: next,
	}, nil
}

// loadForMember resolves the team and requires an active membership.
func (s *service) loadForMember(ctx context.Context, actorID snowflake.ID, teamID string) (*domain.Team, permission.Membership, error) {
	if actorID == 0 {
		return nil, permission.Membership{}, domain.ErrInvalidUser
	}
	id, err := parseID(teamID)
	if err != nil {
		return nil, permission.Membership{}, domain.ErrInvalidTeam
	}
	team, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, permission.Membership{}, err
	}
	membership, err := s.repo.Membership(ctx, team.ID, actorID)
	if err != nil {
		return nil, permission.Membership{}, err
	}
	if !membership.IsActive() {
		return nil, permission.Membership{}, permission.ErrNotTeamMember
	}
	return team, membership, nil
}

func toResponse(team *domain.Team) *domain.TeamResponse {
	return &domain.TeamResponse{
		ID:          team.ID.String(),
		OrgID:       team.OrgID.String(),
		Code:        team.Code,
		Name:        team.Name,
		NextShortID: team.NextShortID,
	}
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("zero id")
	}
	return id, nil
}
