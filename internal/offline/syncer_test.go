package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	"github.com/smallbiznis/matterly/internal/permission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type syncFixture struct {
	store   *Store
	pool    *Pool
	applier *Applier
	syncer  *Syncer
	remote  *mockRemote
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	store := newTestStore(t)
	clk := newFakeClock()
	pool := NewPool(store, clk, time.Hour)
	remote := &mockRemote{}
	t.Cleanup(func() { remote.AssertExpectations(t) })
	cacheTeam(t, store, permission.RoleMember, permission.StatusActive)
	return &syncFixture{
		store:   store,
		pool:    pool,
		applier: NewApplier(store, pool, newTestGate(t), clk, zap.NewNop()),
		syncer:  NewSyncer(store, pool, remote, clk, zap.NewNop()),
		remote:  remote,
	}
}

func (f *syncFixture) create(t *testing.T, title string) *LocalMatter {
	t.Helper()
	matter, err := f.applier.Create(context.Background(), CreateInput{TeamID: testTeamID, Title: title})
	require.NoError(t, err)
	return matter
}

func TestFlushRebasesOntoCommittedIDs(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	_, err := f.pool.Refill(ctx, testTeamID, 7, 10)
	require.NoError(t, err)

	kept := f.create(t, "kept")
	moved := f.create(t, "moved")

	f.remote.On("CreateMatter", mock.Anything, requestFor(kept.ID)).Return(committed(kept.ID, 7, false), nil).Once()
	f.remote.On("CreateMatter", mock.Anything, requestFor(moved.ID)).Return(committed(moved.ID, 9, true), nil).Once()

	report, err := f.syncer.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Interrupted)
	require.Len(t, report.Notices, 2)
	assert.Empty(t, report.Failures)

	assert.False(t, report.Notices[0].Reassigned)
	assert.Equal(t, "ENG-7 confirmed", report.Notices[0].String())
	assert.True(t, report.Notices[1].Reassigned)
	assert.Equal(t, "ENG-8 is now ENG-9", report.Notices[1].String())

	stored, err := f.store.Matter(ctx, moved.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, stored.State)
	assert.Equal(t, int64(9), stored.ShortID)
	assert.Equal(t, int64(8), stored.PreviousShortID)
	assert.Equal(t, int64(8), stored.ClientShortID)
	assert.True(t, stored.Reassigned)
	require.NotNil(t, stored.CommittedAt)

	n, err := f.store.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// the pool moved past the highest committed id
	next, err := f.pool.Next(ctx, testTeamID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), next)
}

func TestFlushPendingMatterIsAssigned(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)

	pending := f.create(t, "pending")
	f.remote.On("CreateMatter", mock.Anything, mock.MatchedBy(func(req matterdomain.CreateMatterRequest) bool {
		return req.Hint() == 0
	})).Return(committed(pending.ID, 4, false), nil).Once()

	report, err := f.syncer.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Notices, 1)
	assert.False(t, report.Notices[0].Reassigned)
	assert.Equal(t, "ENG-4 assigned", report.Notices[0].String())
}

func TestFlushStopsOnTransientErrorAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)

	first := f.create(t, "first")
	second := f.create(t, "second")

	f.remote.On("CreateMatter", mock.Anything, requestFor(first.ID)).
		Return(nil, fmt.Errorf("dial: %w", ErrOffline)).Once()

	report, err := f.syncer.Flush(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, report.Interrupted, ErrOffline)
	assert.Equal(t, int64(2), report.Remaining)
	f.remote.AssertNotCalled(t, "CreateMatter", mock.Anything, requestFor(second.ID))

	entries, err := f.store.Outbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].MatterID)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "offline")

	f.remote.On("CreateMatter", mock.Anything, requestFor(first.ID)).Return(committed(first.ID, 1, false), nil).Once()
	f.remote.On("CreateMatter", mock.Anything, requestFor(second.ID)).Return(committed(second.ID, 2, false), nil).Once()

	report, err = f.syncer.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Interrupted)
	assert.Len(t, report.Notices, 2)
}

func TestFlushRetryableStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusUnauthorized} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			ctx := context.Background()
			f := newSyncFixture(t)
			matter := f.create(t, "retry")

			f.remote.On("CreateMatter", mock.Anything, requestFor(matter.ID)).
				Return(nil, &HTTPError{StatusCode: status, Code: "X"}).Once()

			report, err := f.syncer.Flush(ctx)
			require.NoError(t, err)
			require.Error(t, report.Interrupted)
			assert.Equal(t, int64(1), report.Remaining)

			stored, err := f.store.Matter(ctx, matter.ID)
			require.NoError(t, err)
			assert.Equal(t, StatePending, stored.State)
		})
	}
}

func TestFlushTerminalRejectionMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	_, err := f.pool.Refill(ctx, testTeamID, 3, 10)
	require.NoError(t, err)

	rejected := f.create(t, "over quota")
	accepted := f.create(t, "next")

	f.remote.On("CreateMatter", mock.Anything, requestFor(rejected.ID)).
		Return(nil, &HTTPError{StatusCode: http.StatusPaymentRequired, Code: "LIMIT_REACHED", Message: "plan starter allows 100 matters"}).Once()
	f.remote.On("CreateMatter", mock.Anything, requestFor(accepted.ID)).Return(committed(accepted.ID, 3, true), nil).Once()

	report, err := f.syncer.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "LIMIT_REACHED", report.Failures[0].Code)
	assert.Equal(t, "ENG-3", report.Failures[0].Key)
	require.Len(t, report.Notices, 1)
	assert.Equal(t, "ENG-4 is now ENG-3", report.Notices[0].String())

	stored, err := f.store.Matter(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, "LIMIT_REACHED", stored.FailureCode)

	n, err := f.store.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlushUnexpectedErrorAborts(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	matter := f.create(t, "boom")

	boom := errors.New("decode response")
	f.remote.On("CreateMatter", mock.Anything, requestFor(matter.ID)).Return(nil, boom).Once()

	_, err := f.syncer.Flush(ctx)
	require.ErrorIs(t, err, boom)

	n, err := f.store.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestApplyStreamEvents(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	_, err := f.pool.Refill(ctx, testTeamID, 5, 10)
	require.NoError(t, err)
	matter := f.create(t, "from stream")

	event := liveevents.Event{
		MatterID:   matter.ID,
		TeamID:     testTeamID,
		ShortID:    12,
		Status:     liveevents.StatusCommitted,
		Reassigned: true,
	}
	notice, err := f.syncer.Apply(ctx, event)
	require.NoError(t, err)
	require.NotNil(t, notice)
	assert.Equal(t, "ENG-5 is now ENG-12", notice.String())

	// the create already landed, nothing left to send
	n, err := f.store.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	notice, err = f.syncer.Apply(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, notice)

	// another device's matter only moves the pool
	notice, err = f.syncer.Apply(ctx, liveevents.Event{MatterID: "elsewhere", TeamID: testTeamID, ShortID: 20, Status: liveevents.StatusCommitted})
	require.NoError(t, err)
	assert.Nil(t, notice)
	next, err := f.pool.Next(ctx, testTeamID)
	require.NoError(t, err)
	assert.Zero(t, next)

	_, err = f.syncer.Apply(ctx, liveevents.Event{MatterID: matter.ID, TeamID: testTeamID, ShortID: 12, Status: liveevents.StatusDeleted})
	require.NoError(t, err)
	stored, err := f.store.Matter(ctx, matter.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, stored.State)
	assert.Equal(t, int64(12), stored.ShortID)
}

func TestWatchReconnectsAndStopsOnPermanentError(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t)
	f.syncer.reconnectDelay = time.Millisecond
	matter := f.create(t, "watched")

	f.remote.On("Stream", mock.Anything, testTeamID, mock.Anything).
		Return(fmt.Errorf("stream closed: %w", ErrOffline)).Once()
	f.remote.On("Stream", mock.Anything, testTeamID, mock.Anything).
		Run(func(args mock.Arguments) {
			handle := args.Get(2).(func(liveevents.Event) error)
			require.NoError(t, handle(liveevents.Event{MatterID: matter.ID, TeamID: testTeamID, ShortID: 1, Status: liveevents.StatusCommitted}))
		}).
		Return(&HTTPError{StatusCode: http.StatusForbidden, Code: "NOT_TEAM_MEMBER"}).Once()

	var notices []RebaseNotice
	err := f.syncer.Watch(ctx, testTeamID, func(n RebaseNotice) { notices = append(notices, n) })

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	require.Len(t, notices, 1)
	assert.Equal(t, "ENG-1 assigned", notices[0].String())
}

func TestWatchReturnsWhenContextEnds(t *testing.T) {
	f := newSyncFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.remote.On("Stream", mock.Anything, testTeamID, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(context.Canceled).Once()

	require.NoError(t, f.syncer.Watch(ctx, testTeamID, nil))
}
