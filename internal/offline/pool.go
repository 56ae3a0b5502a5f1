package offline

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/matterly/internal/clock"
)

var ErrInvalidRange = errors.New("invalid_pool_range")

// Pool hands out provisional short ids from the team's reserved range.
// The range is advisory: other devices may hold overlapping ranges, and
// the server has the final say.
type Pool struct {
	store      *Store
	clock      clock.Clock
	staleAfter time.Duration
}

func NewPool(store *Store, clk clock.Clock, staleAfter time.Duration) *Pool {
	return &Pool{store: store, clock: clk, staleAfter: staleAfter}
}

func (p *Pool) WithStore(store *Store) *Pool {
	return &Pool{store: store, clock: p.clock, staleAfter: p.staleAfter}
}

// Next takes the lowest id in the range, or returns zero when the range is
// empty or stale so the matter is shown with a pending id.
func (p *Pool) Next(ctx context.Context, teamID string) (int64, error) {
	current, err := p.store.pool(ctx, teamID)
	if err != nil || current == nil {
		return 0, err
	}
	now := p.clock.Now()
	if current.Remaining() == 0 || p.stale(current, now) {
		return 0, nil
	}
	id := current.Low
	current.Low++
	current.UpdatedAt = now
	if err := p.store.savePool(ctx, current); err != nil {
		return 0, err
	}
	return id, nil
}

// Refill resets the range to start at next. A fresh range never moves
// below ids this device already handed out; a stale one is replaced.
func (p *Pool) Refill(ctx context.Context, teamID string, next, size int64) (*IDPool, error) {
	if next < 1 || size < 1 {
		return nil, ErrInvalidRange
	}
	now := p.clock.Now()
	var refilled *IDPool
	// a create may take an id while a background seed is refilling
	err := p.store.Transaction(ctx, func(tx *Store) error {
		current, err := tx.pool(ctx, teamID)
		if err != nil {
			return err
		}
		low := next
		if current != nil && !p.stale(current, now) && current.Low > low {
			low = current.Low
		}
		refilled = &IDPool{
			TeamID:    teamID,
			Low:       low,
			High:      low + size,
			SeededAt:  now,
			UpdatedAt: now,
		}
		return tx.savePool(ctx, refilled)
	})
	if err != nil {
		return nil, err
	}
	return refilled, nil
}

// Observe moves the range past a short id the server has committed.
func (p *Pool) Observe(ctx context.Context, teamID string, shortID int64) error {
	current, err := p.store.pool(ctx, teamID)
	if err != nil || current == nil {
		return err
	}
	if shortID < current.Low {
		return nil
	}
	current.Low = shortID + 1
	if current.Low > current.High {
		current.High = current.Low
	}
	current.UpdatedAt = p.clock.Now()
	return p.store.savePool(ctx, current)
}

// Discard drops the range, e.g. when the user switches team.
func (p *Pool) Discard(ctx context.Context, teamID string) error {
	return p.store.deletePool(ctx, teamID)
}

// Remaining reports how many ids are left. A stale range counts as empty.
func (p *Pool) Remaining(ctx context.Context, teamID string) (int64, error) {
	current, err := p.store.pool(ctx, teamID)
	if err != nil || current == nil {
		return 0, err
	}
	if p.stale(current, p.clock.Now()) {
		return 0, nil
	}
	return current.Remaining(), nil
}

func (p *Pool) stale(current *IDPool, now time.Time) bool {
	return p.staleAfter > 0 && now.Sub(current.SeededAt) > p.staleAfter
}
