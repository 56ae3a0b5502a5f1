package offline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/matterly/internal/clock"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/permission"
	"go.uber.org/zap"
)

type CreateInput struct {
	TeamID      string
	Title       string
	Description string
	Type        string
	// TeamCode is used when the team has never been cached.
	TeamCode string
}

// Applier makes a new matter visible on the device without touching the
// network and queues it for the server.
type Applier struct {
	store *Store
	pool  *Pool
	gate  *permission.Gate
	clock clock.Clock
	log   *zap.Logger
}

func NewApplier(store *Store, pool *Pool, gate *permission.Gate, clk clock.Clock, log *zap.Logger) *Applier {
	return &Applier{store: store, pool: pool, gate: gate, clock: clk, log: log.Named("offline.applier")}
}

// Create checks the cached membership, takes a provisional short id, and
// writes the matter and its outbox entry in one transaction. A team with
// no cached membership is let through; the server decides on sync.
func (a *Applier) Create(ctx context.Context, input CreateInput) (*LocalMatter, error) {
	input, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}

	teamCode := input.TeamCode
	team, err := a.store.Team(ctx, input.TeamID)
	switch {
	case err == nil:
		if err := a.gate.CanCreate(permission.Membership{Role: team.Role, Status: team.Status}, input.Type); err != nil {
			return nil, err
		}
		teamCode = team.Code
	case errors.Is(err, ErrTeamNotCached):
		if teamCode == "" {
			return nil, ErrTeamNotCached
		}
	default:
		return nil, err
	}

	now := a.clock.Now()
	matter := &LocalMatter{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		TeamID:      input.TeamID,
		TeamCode:    teamCode,
		State:       StatePending,
		Title:       input.Title,
		Description: input.Description,
		Type:        input.Type,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = a.store.Transaction(ctx, func(tx *Store) error {
		shortID, err := a.pool.WithStore(tx).Next(ctx, input.TeamID)
		if err != nil {
			return err
		}
		matter.ShortID = shortID
		matter.ClientShortID = shortID
		if err := tx.SaveMatter(ctx, matter); err != nil {
			return err
		}
		_, err = enqueue(ctx, tx, matter)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.log.Debug("matter applied locally",
		zap.String("matter_id", matter.ID),
		zap.String("team_id", matter.TeamID),
		zap.Int64("client_short_id", matter.ClientShortID),
	)
	return matter, nil
}

// Enqueue queues a pending local matter again. It is a no-op when the
// matter is already queued, so resuming after a crash cannot double-create.
func (a *Applier) Enqueue(ctx context.Context, matterID string) (bool, error) {
	matter, err := a.store.Matter(ctx, matterID)
	if err != nil {
		return false, err
	}
	if matter.State != StatePending {
		return false, nil
	}
	return enqueue(ctx, a.store, matter)
}

func enqueue(ctx context.Context, store *Store, matter *LocalMatter) (bool, error) {
	req := matterdomain.CreateMatterRequest{
		ID:          matter.ID,
		TeamID:      matter.TeamID,
		TeamCode:    matter.TeamCode,
		Title:       matter.Title,
		Description: matter.Description,
		Type:        matter.Type,
	}
	if matter.ClientShortID > 0 {
		hint := matter.ClientShortID
		req.ClientShortID = &hint
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	return store.Enqueue(ctx, OutboxEntry{
		MatterID:  matter.ID,
		TeamID:    matter.TeamID,
		Payload:   payload,
		CreatedAt: matter.CreatedAt,
		UpdatedAt: matter.CreatedAt,
	})
}

func normalizeInput(input CreateInput) (CreateInput, error) {
	input.TeamID = strings.TrimSpace(input.TeamID)
	if input.TeamID == "" {
		return input, matterdomain.ErrInvalidTeam
	}
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return input, matterdomain.ErrInvalidTitle
	}
	input.Description = strings.TrimSpace(input.Description)
	input.Type = strings.ToLower(strings.TrimSpace(input.Type))
	if input.Type == "" {
		input.Type = matterdomain.TypeTask
	}
	if input.Type != matterdomain.TypeTask && input.Type != matterdomain.TypeRequest {
		return input, matterdomain.ErrInvalidType
	}
	input.TeamCode = strings.ToUpper(strings.TrimSpace(input.TeamCode))
	return input, nil
}
