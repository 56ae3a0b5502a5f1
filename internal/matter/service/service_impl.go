package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/clock"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/matter/allocator"
	"github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	obsmetrics "github.com/smallbiznis/matterly/internal/observability/metrics"
	"github.com/smallbiznis/matterly/internal/permission"
	quotadomain "github.com/smallbiznis/matterly/internal/quota/domain"
	teamdomain "github.com/smallbiznis/matterly/internal/team/domain"
	dbpkg "github.com/smallbiznis/matterly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Clock       clock.Clock
	Repo        domain.Repository
	TeamRepo    teamdomain.Repository
	Quota       quotadomain.Gate
	Permissions *permission.Gate
	Broadcaster liveevents.Broadcaster `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        domain.Repository
	teamRepo    teamdomain.Repository
	quota       quotadomain.Gate
	permissions *permission.Gate
	allocator   *allocator.Allocator
	broadcaster liveevents.Broadcaster
	obsMetrics  *obsmetrics.Metrics

	maxAttempts int
	baseDelay   time.Duration
}

func NewService(p ServiceParam) domain.Service {
	maxAttempts := p.Config.Allocation.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := p.Config.Allocation.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 20 * time.Millisecond
	}

	return &Service{
		db:          p.DB,
		log:         p.Log.Named("matter.service"),
		clock:       p.Clock,
		repo:        p.Repo,
		teamRepo:    p.TeamRepo,
		quota:       p.Quota,
		permissions: p.Permissions,
		allocator:   allocator.New(allocator.DefaultMaxFreshAttempts, p.Config.Allocation.HintWindow),
		broadcaster: p.Broadcaster,
		obsMetrics:  p.ObsMetrics,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// attemptOutcome is what one run of the creation transaction produced.
type attemptOutcome struct {
	matter   *domain.Matter
	replayed bool
	result   allocator.Result
}

// CreateMatter runs the authoritative creation protocol. Authorization and
// quota failures are terminal. Lock conflicts re-run the whole transaction a
// bounded number of times; a re-run that finds the matter already committed
// reports a replay instead of creating a second one.
func (s *Service) CreateMatter(ctx context.Context, actor domain.Actor, req domain.CreateMatterRequest) (*domain.CreateResult, error) {
	if !actor.Authenticated() {
		return nil, domain.ErrNotAuthenticated
	}

	req, err := normalizeCreate(req)
	if err != nil {
		return nil, err
	}

	team, err := s.loadTeam(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}

	membership, err := s.teamRepo.Membership(ctx, team.ID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.permissions.CanCreate(membership, req.Type); err != nil {
		return nil, err
	}

	log := s.log.With(
		zap.String("matter_id", req.ID),
		zap.String("team_id", team.ID.String()),
	)

	hint := req.Hint()
	var outcome *attemptOutcome
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		outcome, err = s.createOnce(ctx, actor, team, req)
		if err == nil {
			break
		}

		reason := retryReason(err)
		if reason == "" {
			var limitErr *quotadomain.LimitReachedError
			if errors.As(err, &limitErr) {
				s.obsMetrics.RecordQuotaRejected(ctx, limitErr.Plan)
			}
			return nil, err
		}

		s.obsMetrics.RecordAllocationRetry(ctx, reason)
		log.Debug("retrying matter allocation", zap.Int("attempt", attempt), zap.String("reason", reason), zap.Error(err))
		if attempt == s.maxAttempts {
			break
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	if err != nil {
		log.Warn("matter allocation exhausted", zap.Int("attempts", s.maxAttempts), zap.Error(err))
		return nil, domain.ErrAllocationFailed
	}

	result := &domain.CreateResult{
		Matter:   domain.ToResponse(outcome.matter),
		Replayed: outcome.replayed,
	}
	if !outcome.replayed {
		result.Reassigned = outcome.result.Reassigned(hint)
	} else {
		result.Reassigned = replayReassigned(outcome.matter)
	}

	s.publish(ctx, outcome.matter, result)
	s.obsMetrics.RecordMatterCreated(ctx, createOutcome(hint, outcome))

	if result.Reassigned && !outcome.replayed {
		log.Info("matter short id reassigned",
			zap.Int64("client_short_id", hint),
			zap.Int64("short_id", outcome.matter.ShortID),
			zap.String("conflict", outcome.result.Conflict),
		)
	}

	return result, nil
}

func (s *Service) createOnce(ctx context.Context, actor domain.Actor, team *teamdomain.Team, req domain.CreateMatterRequest) (*attemptOutcome, error) {
	var outcome attemptOutcome

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindByID(ctx, req.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.TeamID != team.ID {
				return domain.ErrIDConflict
			}
			outcome.matter = existing
			outcome.replayed = true
			return nil
		}

		if _, err := s.quota.WithTx(tx).Consume(ctx, team.OrgID); err != nil {
			return err
		}

		now := s.clock.Now()
		m := &domain.Matter{
			ID:            req.ID,
			OrgID:         team.OrgID,
			TeamID:        team.ID,
			TeamCode:      team.Code,
			Title:         req.Title,
			Description:   req.Description,
			Type:          req.Type,
			CreatedBy:     actor.UserID,
			ClientShortID: req.ClientShortID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		res, err := s.allocator.Allocate(ctx, s.teamRepo.WithTx(tx), repo, m, req.Hint())
		if err != nil {
			return err
		}
		outcome.matter = m
		outcome.result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// retryReason names transient failures worth another transaction. An
// empty reason means the error is terminal.
func retryReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMatterExists):
		return "replay_race"
	case errors.Is(err, allocator.ErrExhausted):
		return "exhausted"
	case dbpkg.IsRetryableErr(err):
		return "serialization"
	default:
		return ""
	}
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	delay := s.baseDelay * time.Duration(1<<(attempt-1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) publish(ctx context.Context, m *domain.Matter, result *domain.CreateResult) {
	if s.broadcaster == nil {
		return
	}
	status := liveevents.StatusCommitted
	if result.Replayed {
		status = liveevents.StatusReplayed
	}
	event := liveevents.Event{
		MatterID:   m.ID,
		TeamID:     m.TeamID.String(),
		ShortID:    m.ShortID,
		Key:        m.Key(),
		Status:     status,
		Reassigned: result.Reassigned,
		OccurredAt: s.clock.Now(),
	}
	if m.ClientShortID != nil {
		event.ClientShortID = *m.ClientShortID
	}
	if err := s.broadcaster.Broadcast(ctx, event); err != nil {
		s.log.Warn("failed to broadcast team event", zap.String("matter_id", m.ID), zap.Error(err))
	}
}

func createOutcome(hint int64, outcome *attemptOutcome) string {
	switch {
	case outcome.replayed:
		return obsmetrics.OutcomeReplayed
	case hint <= 0:
		return obsmetrics.OutcomeFresh
	case outcome.result.Honored:
		return obsmetrics.OutcomeHonored
	default:
		return obsmetrics.OutcomeReassigned
	}
}

// replayReassigned recovers the rebase flag for a replayed matter from the
// hint stored with it.
func replayReassigned(m *domain.Matter) bool {
	return m.ClientShortID != nil && *m.ClientShortID > 0 && *m.ClientShortID != m.ShortID
}

func (s *Service) Get(ctx context.Context, actor domain.Actor, id string) (*domain.MatterResponse, error) {
	if !actor.Authenticated() {
		return nil, domain.ErrNotAuthenticated
	}
	id = strings.TrimSpace(id)
	if !domain.ValidID(id) {
		return nil, domain.ErrInvalidID
	}

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, m.TeamID, actor); err != nil {
		return nil, err
	}

	resp := domain.ToResponse(m)
	return &resp, nil
}

func (s *Service) ListByTeam(ctx context.Context, actor domain.Actor, teamID string, req domain.ListRequest) (*domain.ListResponse, error) {
	if !actor.Authenticated() {
		return nil, domain.ErrNotAuthenticated
	}
	team, err := s.loadTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, team.ID, actor); err != nil {
		return nil, err
	}

	items, err := s.repo.ListByTeam(ctx, team.ID, req.AfterShortID, req.Limit)
	if err != nil {
		return nil, err
	}

	resp := &domain.ListResponse{Matters: make([]domain.MatterResponse, 0, len(items))}
	for i := range items {
		resp.Matters = append(resp.Matters, domain.ToResponse(&items[i]))
	}
	if req.Limit > 0 && len(items) == req.Limit {
		resp.NextAfter = items[len(items)-1].ShortID
	}
	return resp, nil
}

// Delete soft deletes the matter and gives its quota unit back. The short
// id stays taken.
func (s *Service) Delete(ctx context.Context, actor domain.Actor, id string) error {
	if !actor.Authenticated() {
		return domain.ErrNotAuthenticated
	}
	id = strings.TrimSpace(id)
	if !domain.ValidID(id) {
		return domain.ErrInvalidID
	}

	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	membership, err := s.teamRepo.Membership(ctx, m.TeamID, actor.UserID)
	if err != nil {
		return err
	}
	if m.CreatedBy != actor.UserID {
		if err := s.permissions.Authorize(membership, m.Type, permission.ActionDelete); err != nil {
			return err
		}
	} else if !membership.IsActive() {
		return permission.ErrNotTeamMember
	}

	now := s.clock.Now()
	var deleted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		deleted, err = s.repo.WithTx(tx).SoftDelete(ctx, m.ID, now)
		if err != nil || !deleted {
			return err
		}
		return s.quota.WithTx(tx).Release(ctx, m.OrgID)
	})
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrNotFound
	}

	if s.broadcaster != nil {
		event := liveevents.Event{
			MatterID:   m.ID,
			TeamID:     m.TeamID.String(),
			ShortID:    m.ShortID,
			Key:        m.Key(),
			Status:     liveevents.StatusDeleted,
			OccurredAt: now,
		}
		if err := s.broadcaster.Broadcast(ctx, event); err != nil {
			s.log.Warn("failed to broadcast team event", zap.String("matter_id", m.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) loadTeam(ctx context.Context, teamID string) (*teamdomain.Team, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(teamID))
	if err != nil || id == 0 {
		return nil, domain.ErrInvalidTeam
	}
	return s.teamRepo.GetByID(ctx, id)
}

func (s *Service) requireMember(ctx context.Context, teamID snowflake.ID, actor domain.Actor) error {
	membership, err := s.teamRepo.Membership(ctx, teamID, actor.UserID)
	if err != nil {
		return err
	}
	if !membership.IsActive() {
		return permission.ErrNotTeamMember
	}
	return nil
}

func normalizeCreate(req domain.CreateMatterRequest) (domain.CreateMatterRequest, error) {
	req.ID = strings.TrimSpace(req.ID)
	if !domain.ValidID(req.ID) {
		return req, domain.ErrInvalidID
	}
	req.TeamID = strings.TrimSpace(req.TeamID)
	if req.TeamID == "" {
		return req, domain.ErrInvalidTeam
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return req, domain.ErrInvalidTitle
	}
	req.Description = strings.TrimSpace(req.Description)
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	switch req.Type {
	case domain.TypeTask, domain.TypeRequest:
	default:
		return req, domain.ErrInvalidType
	}
	if req.ClientShortID != nil {
		switch {
		case *req.ClientShortID < 0, *req.ClientShortID > domain.MaxShortID:
			return req, domain.ErrInvalidClientShortID
		case *req.ClientShortID == 0:
			// zero is the device's pending placeholder, not a hint
			req.ClientShortID = nil
		}
	}
	return req, nil
}
