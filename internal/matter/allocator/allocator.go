// Package allocator assigns the final short id of a matter on the server.
//
// Allocation is a small state machine run inside the creation transaction:
//
//	AttemptClientID -> Committed
//	AttemptClientID -> AllocateFresh -> Committed
//	AllocateFresh   -> Committed
//
// The unique index on (team_id, short_id) is what guarantees uniqueness.
// The existence check in AttemptClientID only avoids a wasted insert.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/matter/domain"
)

type State string

const (
	StateAttemptClientID State = "attempt_client_id"
	StateAllocateFresh   State = "allocate_fresh"
	StateCommitted       State = "committed"
)

const DefaultMaxFreshAttempts = 3

// DefaultHintWindow is how far past the team counter a hint may land and
// still be honored. Device pools are seeded from the counter in blocks much
// smaller than this.
const DefaultHintWindow int64 = 1000

// ErrExhausted is returned when every fresh short id collided. It only
// happens when rows were written without going through the counter.
var ErrExhausted = errors.New("allocation_exhausted")

// Counter is the team counter store, bound to the creation transaction.
type Counter interface {
	Reserve(ctx context.Context, teamID snowflake.ID, now time.Time) (int64, error)
	Advance(ctx context.Context, teamID snowflake.ID, floor int64, now time.Time) error
	Peek(ctx context.Context, teamID snowflake.ID) (int64, error)
}

// Store persists matters, bound to the creation transaction.
type Store interface {
	ShortIDTaken(ctx context.Context, teamID snowflake.ID, shortID int64) (bool, error)
	Insert(ctx context.Context, m *domain.Matter) error
}

type Result struct {
	ShortID int64
	// Honored is true when the client hint became the final short id.
	Honored bool
	// Conflict names why the hint was rejected: "existing" when the check
	// found the slot taken, "constraint" when the insert lost a race,
	// "out_of_window" when the hint was too far ahead of the counter.
	Conflict string
	Path     []State
}

// Reassigned reports whether a hint was proposed and not honored.
func (r Result) Reassigned(hint int64) bool {
	return hint > 0 && !r.Honored
}

type Allocator struct {
	maxFresh int
	window   int64
}

func New(maxFresh int, window int64) *Allocator {
	if maxFresh <= 0 {
		maxFresh = DefaultMaxFreshAttempts
	}
	if window <= 0 {
		window = DefaultHintWindow
	}
	return &Allocator{maxFresh: maxFresh, window: window}
}

// Allocate inserts m with its final short id. m.ShortID is overwritten.
// domain.ErrMatterExists is passed through untouched so callers can treat
// it as a replay. Counter writes are stamped with m.CreatedAt.
func (a *Allocator) Allocate(ctx context.Context, counter Counter, store Store, m *domain.Matter, hint int64) (Result, error) {
	var res Result

	state := StateAllocateFresh
	if hint > 0 {
		state = StateAttemptClientID
	}

	fresh := 0
	for {
		res.Path = append(res.Path, state)

		switch state {
		case StateAttemptClientID:
			next, err := a.attemptClientID(ctx, counter, store, m, hint, &res)
			if err != nil {
				return res, err
			}
			state = next

		case StateAllocateFresh:
			if fresh >= a.maxFresh {
				return res, ErrExhausted
			}
			fresh++
			next, err := a.allocateFresh(ctx, counter, store, m, &res)
			if err != nil {
				return res, err
			}
			state = next

		case StateCommitted:
			return res, nil

		default:
			return res, fmt.Errorf("unknown allocation state %q", state)
		}
	}
}

func (a *Allocator) attemptClientID(ctx context.Context, counter Counter, store Store, m *domain.Matter, hint int64, res *Result) (State, error) {
	// A hint far past the counter would drag next_short_id toward the
	// int64 ceiling for the whole team.
	next, err := counter.Peek(ctx, m.TeamID)
	if err != nil {
		return "", err
	}
	if hint-next >= a.window {
		res.Conflict = "out_of_window"
		return StateAllocateFresh, nil
	}

	// Advancing first takes the team row lock before the matter row is
	// written, the same order the fresh path uses.
	if err := counter.Advance(ctx, m.TeamID, hint+1, m.CreatedAt); err != nil {
		return "", err
	}

	taken, err := store.ShortIDTaken(ctx, m.TeamID, hint)
	if err != nil {
		return "", err
	}
	if taken {
		res.Conflict = "existing"
		return StateAllocateFresh, nil
	}

	m.ShortID = hint
	switch err := store.Insert(ctx, m); {
	case err == nil:
		res.ShortID = hint
		res.Honored = true
		return StateCommitted, nil
	case errors.Is(err, domain.ErrShortIDTaken):
		res.Conflict = "constraint"
		return StateAllocateFresh, nil
	default:
		return "", err
	}
}

func (a *Allocator) allocateFresh(ctx context.Context, counter Counter, store Store, m *domain.Matter, res *Result) (State, error) {
	shortID, err := counter.Reserve(ctx, m.TeamID, m.CreatedAt)
	if err != nil {
		return "", err
	}

	m.ShortID = shortID
	switch err := store.Insert(ctx, m); {
	case err == nil:
		res.ShortID = shortID
		res.Honored = false
		return StateCommitted, nil
	case errors.Is(err, domain.ErrShortIDTaken):
		return StateAllocateFresh, nil
	default:
		return "", err
	}
}
