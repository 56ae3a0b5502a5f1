package allocator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	next       int64
	advances   int
	reserveErr error
}

func (c *fakeCounter) Reserve(_ context.Context, _ snowflake.ID, _ time.Time) (int64, error) {
	if c.reserveErr != nil {
		return 0, c.reserveErr
	}
	v := c.next
	c.next++
	return v, nil
}

func (c *fakeCounter) Advance(_ context.Context, _ snowflake.ID, floor int64, _ time.Time) error {
	c.advances++
	if c.next < floor {
		c.next = floor
	}
	return nil
}

func (c *fakeCounter) Peek(_ context.Context, _ snowflake.ID) (int64, error) {
	return c.next, nil
}

// fakeStore keeps taken short ids. hidden ids are invisible to the existence
// check but still violate the constraint, like a concurrent uncommitted row.
type fakeStore struct {
	taken  map[int64]bool
	hidden map[int64]bool
	ids    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{taken: map[int64]bool{}, hidden: map[int64]bool{}, ids: map[string]bool{}}
}

func (s *fakeStore) ShortIDTaken(_ context.Context, _ snowflake.ID, shortID int64) (bool, error) {
	return s.taken[shortID], nil
}

func (s *fakeStore) Insert(_ context.Context, m *domain.Matter) error {
	if s.ids[m.ID] {
		return domain.ErrMatterExists
	}
	if s.taken[m.ShortID] || s.hidden[m.ShortID] {
		return domain.ErrShortIDTaken
	}
	s.taken[m.ShortID] = true
	s.ids[m.ID] = true
	return nil
}

func newMatter(id string) *domain.Matter {
	return &domain.Matter{ID: id, TeamID: snowflake.ID(1), TeamCode: "ENG"}
}

func TestAllocateWithoutHintGoesFresh(t *testing.T) {
	counter := &fakeCounter{next: 4}
	store := newFakeStore()

	res, err := New(0, 0).Allocate(context.Background(), counter, store, newMatter("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.ShortID)
	assert.False(t, res.Honored)
	assert.False(t, res.Reassigned(0))
	assert.Equal(t, []State{StateAllocateFresh, StateCommitted}, res.Path)
	assert.Equal(t, int64(5), counter.next)
}

func TestAllocateHonorsFreeHint(t *testing.T) {
	counter := &fakeCounter{next: 3}
	store := newFakeStore()
	m := newMatter("a")

	res, err := New(0, 0).Allocate(context.Background(), counter, store, m, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.ShortID)
	assert.Equal(t, int64(7), m.ShortID)
	assert.True(t, res.Honored)
	assert.Equal(t, []State{StateAttemptClientID, StateCommitted}, res.Path)
	assert.Equal(t, int64(8), counter.next)
}

func TestAllocateHintBelowCounterKeepsCounter(t *testing.T) {
	counter := &fakeCounter{next: 10}
	store := newFakeStore()

	res, err := New(0, 0).Allocate(context.Background(), counter, store, newMatter("a"), 2)
	require.NoError(t, err)
	assert.True(t, res.Honored)
	assert.Equal(t, int64(10), counter.next)
}

func TestAllocateExistingHintFallsBack(t *testing.T) {
	counter := &fakeCounter{next: 6}
	store := newFakeStore()
	store.taken[5] = true

	res, err := New(0, 0).Allocate(context.Background(), counter, store, newMatter("a"), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.ShortID)
	assert.True(t, res.Reassigned(5))
	assert.Equal(t, "existing", res.Conflict)
	assert.Equal(t, []State{StateAttemptClientID, StateAllocateFresh, StateCommitted}, res.Path)
}

func TestAllocateConstraintRaceFallsBack(t *testing.T) {
	counter := &fakeCounter{next: 5}
	store := newFakeStore()
	store.hidden[5] = true

	res, err := New(0, 0).Allocate(context.Background(), counter, store, newMatter("a"), 5)
	require.NoError(t, err)
	assert.Equal(t, "constraint", res.Conflict)
	assert.Equal(t, int64(6), res.ShortID)
	assert.False(t, res.Honored)
}

func TestAllocateFreshSkipsStrayRows(t *testing.T) {
	counter := &fakeCounter{next: 1}
	store := newFakeStore()
	store.hidden[1] = true

	res, err := New(0, 0).Allocate(context.Background(), counter, store, newMatter("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ShortID)
	assert.Equal(t, []State{StateAllocateFresh, StateAllocateFresh, StateCommitted}, res.Path)
}

func TestAllocateFreshIsBounded(t *testing.T) {
	counter := &fakeCounter{next: 1}
	store := newFakeStore()
	for i := int64(1); i <= 10; i++ {
		store.hidden[i] = true
	}

	_, err := New(2, 0).Allocate(context.Background(), counter, store, newMatter("a"), 0)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAllocatePassesReplayThrough(t *testing.T) {
	counter := &fakeCounter{next: 1}
	store := newFakeStore()
	store.ids["a"] = true

	_, err := New(0, 0).Allocate(context.Background(), counter, store, newMatter("a"), 3)
	assert.ErrorIs(t, err, domain.ErrMatterExists)
}

func TestAllocateCounterFailure(t *testing.T) {
	boom := errors.New("boom")
	counter := &fakeCounter{next: 1, reserveErr: boom}

	_, err := New(0, 0).Allocate(context.Background(), counter, newFakeStore(), newMatter("a"), 0)
	assert.ErrorIs(t, err, boom)
}

func TestAllocateCollidingHintsYieldDistinctIDs(t *testing.T) {
	counter := &fakeCounter{next: 1}
	store := newFakeStore()
	alloc := New(0, 0)

	first, err := alloc.Allocate(context.Background(), counter, store, newMatter("a"), 1)
	require.NoError(t, err)
	second, err := alloc.Allocate(context.Background(), counter, store, newMatter("b"), 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ShortID)
	assert.True(t, first.Honored)
	assert.NotEqual(t, first.ShortID, second.ShortID)
	assert.True(t, second.Reassigned(1))
}

func TestAllocateHintOutsideWindowGoesFresh(t *testing.T) {
	counter := &fakeCounter{next: 4}
	store := newFakeStore()

	res, err := New(0, 100).Allocate(context.Background(), counter, store, newMatter("a"), 104)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.ShortID)
	assert.Equal(t, "out_of_window", res.Conflict)
	assert.True(t, res.Reassigned(104))
	assert.Equal(t, []State{StateAttemptClientID, StateAllocateFresh, StateCommitted}, res.Path)
	assert.Equal(t, int64(5), counter.next)
	assert.Zero(t, counter.advances)
}

func TestAllocateHintAtWindowEdgeIsHonored(t *testing.T) {
	counter := &fakeCounter{next: 4}
	store := newFakeStore()

	res, err := New(0, 100).Allocate(context.Background(), counter, store, newMatter("a"), 103)
	require.NoError(t, err)
	assert.True(t, res.Honored)
	assert.Equal(t, int64(104), counter.next)
}

func TestAllocateHugeHintLeavesCounterUsable(t *testing.T) {
	counter := &fakeCounter{next: 1}
	store := newFakeStore()
	alloc := New(0, 0)

	for i, hint := range []int64{math.MaxInt64, math.MaxInt64 - 1} {
		res, err := alloc.Allocate(context.Background(), counter, store, newMatter(string(rune('a'+i))), hint)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), res.ShortID)
		assert.Equal(t, "out_of_window", res.Conflict)
	}
	assert.Equal(t, int64(3), counter.next)
}
