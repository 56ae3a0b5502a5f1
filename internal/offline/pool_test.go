package offline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolEmptyYieldsPending(t *testing.T) {
	pool := NewPool(newTestStore(t), newFakeClock(), time.Hour)

	id, err := pool.Next(context.Background(), testTeamID)
	require.NoError(t, err)
	assert.Zero(t, id)

	remaining, err := pool.Remaining(context.Background(), testTeamID)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestPoolHandsOutRangeInOrder(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(newTestStore(t), newFakeClock(), time.Hour)

	_, err := pool.Refill(ctx, testTeamID, 7, 3)
	require.NoError(t, err)

	for _, want := range []int64{7, 8, 9, 0, 0} {
		id, err := pool.Next(ctx, testTeamID)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestPoolRefillNeverRewindsFreshRange(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	pool := NewPool(newTestStore(t), clk, time.Hour)

	_, err := pool.Refill(ctx, testTeamID, 5, 10)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := pool.Next(ctx, testTeamID)
		require.NoError(t, err)
	}

	// the server has not seen the ids handed out offline yet
	refilled, err := pool.Refill(ctx, testTeamID, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(9), refilled.Low)
	assert.Equal(t, int64(19), refilled.High)

	refilled, err = pool.Refill(ctx, testTeamID, 30, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(30), refilled.Low)
}

func TestPoolStaleRangeIsNotUsed(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	pool := NewPool(newTestStore(t), clk, time.Hour)

	_, err := pool.Refill(ctx, testTeamID, 5, 10)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := pool.Next(ctx, testTeamID)
		require.NoError(t, err)
	}

	clk.Advance(2 * time.Hour)
	id, err := pool.Next(ctx, testTeamID)
	require.NoError(t, err)
	assert.Zero(t, id)

	remaining, err := pool.Remaining(ctx, testTeamID)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	// a stale range is replaced outright
	refilled, err := pool.Refill(ctx, testTeamID, 6, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(6), refilled.Low)
}

func TestPoolObserveSkipsCommittedIDs(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(newTestStore(t), newFakeClock(), time.Hour)

	_, err := pool.Refill(ctx, testTeamID, 1, 5)
	require.NoError(t, err)

	require.NoError(t, pool.Observe(ctx, testTeamID, 3))
	id, err := pool.Next(ctx, testTeamID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), id)

	require.NoError(t, pool.Observe(ctx, testTeamID, 2))
	require.NoError(t, pool.Observe(ctx, testTeamID, 40))
	id, err = pool.Next(ctx, testTeamID)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestPoolDiscardAndValidation(t *testing.T) {
	ctx := context.Background()
	pool := NewPool(newTestStore(t), newFakeClock(), 0)

	_, err := pool.Refill(ctx, testTeamID, 0, 5)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = pool.Refill(ctx, testTeamID, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = pool.Refill(ctx, testTeamID, 1, 5)
	require.NoError(t, err)
	require.NoError(t, pool.Discard(ctx, testTeamID))

	id, err := pool.Next(ctx, testTeamID)
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestRefillAfterNextKeepsTakenIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pool := NewPool(store, newFakeClock(), time.Hour)

	_, err := pool.Refill(ctx, testTeamID, 1, 5)
	require.NoError(t, err)
	for want := int64(1); want <= 2; want++ {
		got, err := pool.Next(ctx, testTeamID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// a seed that peeked before those creates reports next=1 again
	refilled, err := pool.Refill(ctx, testTeamID, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), refilled.Low)
	assert.Equal(t, int64(8), refilled.High)
}
