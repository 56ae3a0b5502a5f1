package offline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/smallbiznis/matterly/internal/clock"
	"go.uber.org/zap"
)

const seedTimeout = 10 * time.Second

// Seeder refills the pool from the server's next short id. It only reads
// the counter, so opening a create surface and walking away burns nothing.
type Seeder struct {
	store     *Store
	pool      *Pool
	remote    Remote
	blockSize int64
	clock     clock.Clock
	log       *zap.Logger
}

func NewSeeder(store *Store, pool *Pool, remote Remote, blockSize int64, clk clock.Clock, log *zap.Logger) *Seeder {
	if blockSize <= 0 {
		blockSize = 20
	}
	return &Seeder{
		store:     store,
		pool:      pool,
		remote:    remote,
		blockSize: blockSize,
		clock:     clk,
		log:       log.Named("offline.seeder"),
	}
}

// Seed refreshes the cached membership and the pool. Offline it does
// nothing and returns a nil pool. Losing membership drops both.
func (s *Seeder) Seed(ctx context.Context, teamID string) (*IDPool, error) {
	team, err := s.remote.GetTeam(ctx, teamID)
	if err != nil {
		return nil, s.handleSeedError(ctx, teamID, err)
	}

	cached := LocalTeam{
		TeamID:    team.ID,
		OrgID:     team.OrgID,
		Code:      team.Code,
		Name:      team.Name,
		SyncedAt:  s.clock.Now(),
		UpdatedAt: s.clock.Now(),
	}
	if team.Membership != nil {
		cached.UserID = team.Membership.UserID
		cached.Role = team.Membership.Role
		cached.Status = team.Membership.Status
	}
	if err := s.store.SaveTeam(ctx, cached); err != nil {
		return nil, err
	}

	next, err := s.remote.PeekNextShortID(ctx, teamID)
	if err != nil {
		return nil, s.handleSeedError(ctx, teamID, err)
	}

	pool, err := s.pool.Refill(ctx, teamID, next.NextShortID, s.blockSize)
	if err != nil {
		return nil, err
	}
	s.log.Debug("pool seeded",
		zap.String("team_id", teamID),
		zap.Int64("low", pool.Low),
		zap.Int64("high", pool.High),
	)
	return pool, nil
}

// OnSurfaceOpened seeds in the background. The returned channel yields the
// outcome once and is then closed.
func (s *Seeder) OnSurfaceOpened(ctx context.Context, teamID string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		seedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), seedTimeout)
		defer cancel()
		_, err := s.Seed(seedCtx, teamID)
		if err != nil {
			s.log.Warn("background seed failed", zap.String("team_id", teamID), zap.Error(err))
		}
		done <- err
	}()
	return done
}

// SwitchTeam makes teamID the active team. The previous team's range is
// dropped: other devices keep creating there while the user is away, so it
// is re-seeded on the way back instead of trusted. It returns the team that
// was active before.
func (s *Seeder) SwitchTeam(ctx context.Context, teamID string) (string, error) {
	var previous string
	err := s.store.Transaction(ctx, func(tx *Store) error {
		var err error
		previous, err = tx.ActiveTeam(ctx)
		if err != nil || previous == teamID {
			return err
		}
		if previous != "" {
			if err := s.pool.WithStore(tx).Discard(ctx, previous); err != nil {
				return err
			}
		}
		return tx.SetActiveTeam(ctx, teamID, s.clock.Now())
	})
	if err != nil {
		return "", err
	}
	if previous != "" && previous != teamID {
		s.log.Debug("switched team, dropped previous pool",
			zap.String("from_team_id", previous),
			zap.String("team_id", teamID),
		)
	}
	return previous, nil
}

func (s *Seeder) handleSeedError(ctx context.Context, teamID string, err error) error {
	if IsOffline(err) {
		s.log.Debug("seed skipped while offline", zap.String("team_id", teamID))
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusForbidden || httpErr.StatusCode == http.StatusNotFound) {
		if dropErr := s.forget(ctx, teamID); dropErr != nil {
			return errors.Join(err, dropErr)
		}
	}
	return err
}

func (s *Seeder) forget(ctx context.Context, teamID string) error {
	return s.store.Transaction(ctx, func(tx *Store) error {
		if err := tx.DeleteTeam(ctx, teamID); err != nil {
			return err
		}
		return s.pool.WithStore(tx).Discard(ctx, teamID)
	})
}
