package offline

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/matterly/internal/clock"
	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"github.com/smallbiznis/matterly/internal/matter/liveevents"
	"github.com/smallbiznis/matterly/internal/permission"
	teamdomain "github.com/smallbiznis/matterly/internal/team/domain"
	dbpkg "github.com/smallbiznis/matterly/pkg/db"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTeamID = "20"

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbpkg.NewTest()
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func newTestGate(t *testing.T) *permission.Gate {
	t.Helper()
	enforcer, err := permission.NewMemoryEnforcer()
	require.NoError(t, err)
	return permission.NewGate(enforcer)
}

func cacheTeam(t *testing.T, store *Store, role, status string) {
	t.Helper()
	require.NoError(t, store.SaveTeam(context.Background(), LocalTeam{
		TeamID:   testTeamID,
		OrgID:    "10",
		Code:     "ENG",
		Name:     "Engineering",
		UserID:   "1",
		Role:     role,
		Status:   status,
		SyncedAt: testNow,
	}))
}

func newFakeClock() *clock.FakeClock {
	return clock.NewFakeClock(testNow)
}

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) GetTeam(ctx context.Context, teamID string) (*teamdomain.TeamResponse, error) {
	args := m.Called(ctx, teamID)
	resp, _ := args.Get(0).(*teamdomain.TeamResponse)
	return resp, args.Error(1)
}

func (m *mockRemote) PeekNextShortID(ctx context.Context, teamID string) (*teamdomain.NextShortIDResponse, error) {
	args := m.Called(ctx, teamID)
	resp, _ := args.Get(0).(*teamdomain.NextShortIDResponse)
	return resp, args.Error(1)
}

func (m *mockRemote) CreateMatter(ctx context.Context, req matterdomain.CreateMatterRequest) (*matterdomain.CreateResult, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*matterdomain.CreateResult)
	return resp, args.Error(1)
}

func (m *mockRemote) ListMatters(ctx context.Context, teamID string, after int64, limit int) (*matterdomain.ListResponse, error) {
	args := m.Called(ctx, teamID, after, limit)
	resp, _ := args.Get(0).(*matterdomain.ListResponse)
	return resp, args.Error(1)
}

func (m *mockRemote) Stream(ctx context.Context, teamID string, handle func(liveevents.Event) error) error {
	args := m.Called(ctx, teamID, handle)
	return args.Error(0)
}

func committed(id string, shortID int64, reassigned bool) *matterdomain.CreateResult {
	return &matterdomain.CreateResult{
		Matter: matterdomain.MatterResponse{
			ID:       id,
			TeamID:   testTeamID,
			TeamCode: "ENG",
			ShortID:  shortID,
			Key:      matterdomain.FormatKey("ENG", shortID),
		},
		Reassigned: reassigned,
	}
}

func requestFor(id string) interface{} {
	return mock.MatchedBy(func(req matterdomain.CreateMatterRequest) bool { return req.ID == id })
}
