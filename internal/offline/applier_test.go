package offline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/permission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestApplier(t *testing.T) (*Applier, *Store, *Pool) {
	t.Helper()
	store := newTestStore(t)
	clk := newFakeClock()
	pool := NewPool(store, clk, time.Hour)
	return NewApplier(store, pool, newTestGate(t), clk, zap.NewNop()), store, pool
}

func TestApplierCreateTakesIDFromPool(t *testing.T) {
	ctx := context.Background()
	applier, store, pool := newTestApplier(t)
	cacheTeam(t, store, permission.RoleMember, permission.StatusActive)
	_, err := pool.Refill(ctx, testTeamID, 7, 5)
	require.NoError(t, err)

	matter, err := applier.Create(ctx, CreateInput{TeamID: testTeamID, Title: "  Fix login  "})
	require.NoError(t, err)

	_, err = ulid.ParseStrict(matter.ID)
	require.NoError(t, err)
	assert.Equal(t, "ENG-7", matter.Key())
	assert.Equal(t, int64(7), matter.ClientShortID)
	assert.Equal(t, StatePending, matter.State)
	assert.Equal(t, matterdomain.TypeTask, matter.Type)
	assert.Equal(t, "Fix login", matter.Title)

	entries, err := store.Outbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var req matterdomain.CreateMatterRequest
	require.NoError(t, json.Unmarshal(entries[0].Payload, &req))
	assert.Equal(t, matter.ID, req.ID)
	assert.Equal(t, int64(7), req.Hint())
	assert.Equal(t, "ENG", req.TeamCode)
}

func TestApplierCreateWithoutPoolIsPending(t *testing.T) {
	ctx := context.Background()
	applier, store, _ := newTestApplier(t)
	cacheTeam(t, store, permission.RoleMember, permission.StatusActive)

	matter, err := applier.Create(ctx, CreateInput{TeamID: testTeamID, Title: "Draft"})
	require.NoError(t, err)
	assert.Zero(t, matter.ShortID)
	assert.Equal(t, "ENG-?", matter.Key())

	entries, err := store.Outbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var req matterdomain.CreateMatterRequest
	require.NoError(t, json.Unmarshal(entries[0].Payload, &req))
	assert.Nil(t, req.ClientShortID)
}

func TestApplierCreateDeniedLeavesNoTrace(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		role     string
		status   string
		itemType string
		wantErr  error
	}{
		{name: "viewer", role: permission.RoleViewer, status: permission.StatusActive, itemType: "task", wantErr: permission.ErrInsufficientRole},
		{name: "guest task", role: permission.RoleGuest, status: permission.StatusActive, itemType: "task", wantErr: permission.ErrInsufficientRole},
		{name: "suspended member", role: permission.RoleMember, status: permission.StatusSuspended, itemType: "task", wantErr: permission.ErrNotTeamMember},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			applier, store, pool := newTestApplier(t)
			cacheTeam(t, store, tc.role, tc.status)
			_, err := pool.Refill(ctx, testTeamID, 1, 5)
			require.NoError(t, err)

			_, err = applier.Create(ctx, CreateInput{TeamID: testTeamID, Title: "Nope", Type: tc.itemType})
			require.ErrorIs(t, err, tc.wantErr)

			matters, err := store.Matters(ctx, testTeamID)
			require.NoError(t, err)
			assert.Empty(t, matters)
			n, err := store.OutboxLen(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			remaining, err := pool.Remaining(ctx, testTeamID)
			require.NoError(t, err)
			assert.Equal(t, int64(5), remaining)
		})
	}
}

func TestApplierGuestMayCreateRequest(t *testing.T) {
	applier, store, _ := newTestApplier(t)
	cacheTeam(t, store, permission.RoleGuest, permission.StatusActive)

	matter, err := applier.Create(context.Background(), CreateInput{TeamID: testTeamID, Title: "Access please", Type: "REQUEST"})
	require.NoError(t, err)
	assert.Equal(t, matterdomain.TypeRequest, matter.Type)
}

func TestApplierUncachedTeam(t *testing.T) {
	ctx := context.Background()
	applier, _, _ := newTestApplier(t)

	_, err := applier.Create(ctx, CreateInput{TeamID: testTeamID, Title: "Offline first"})
	require.ErrorIs(t, err, ErrTeamNotCached)

	matter, err := applier.Create(ctx, CreateInput{TeamID: testTeamID, Title: "Offline first", TeamCode: "eng"})
	require.NoError(t, err)
	assert.Equal(t, "ENG", matter.TeamCode)
}

func TestApplierValidation(t *testing.T) {
	applier, _, _ := newTestApplier(t)
	ctx := context.Background()

	_, err := applier.Create(ctx, CreateInput{Title: "x"})
	assert.ErrorIs(t, err, matterdomain.ErrInvalidTeam)
	_, err = applier.Create(ctx, CreateInput{TeamID: testTeamID, Title: " "})
	assert.ErrorIs(t, err, matterdomain.ErrInvalidTitle)
	_, err = applier.Create(ctx, CreateInput{TeamID: testTeamID, Title: "x", Type: "epic"})
	assert.ErrorIs(t, err, matterdomain.ErrInvalidType)
}

func TestApplierEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	applier, store, _ := newTestApplier(t)
	cacheTeam(t, store, permission.RoleMember, permission.StatusActive)

	matter, err := applier.Create(ctx, CreateInput{TeamID: testTeamID, Title: "Once"})
	require.NoError(t, err)

	added, err := applier.Enqueue(ctx, matter.ID)
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, store.RemoveOutbox(ctx, matter.ID))
	added, err = applier.Enqueue(ctx, matter.ID)
	require.NoError(t, err)
	assert.True(t, added)

	n, err := store.OutboxLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = applier.Enqueue(ctx, "missing")
	assert.ErrorIs(t, err, ErrMatterNotFound)
}
