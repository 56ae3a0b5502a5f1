package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/quota/domain"
	dbpkg "github.com/smallbiznis/matterly/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var starterOnly = []config.Plan{{Code: config.PlanStarter, MatterLimit: 3}}

func setupUsage(t *testing.T, plan string, count int64) (*gorm.DB, domain.Repository, snowflake.ID) {
	t.Helper()
	db, err := dbpkg.NewTest()
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.OrganizationUsage{}))

	repo := NewRepository(db)
	orgID := snowflake.ID(42)
	inserted, err := repo.Init(context.Background(), domain.OrganizationUsage{
		OrgID:       orgID,
		Plan:        plan,
		MatterCount: count,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return db, repo, orgID
}

func TestInitIsIdempotent(t *testing.T) {
	_, repo, orgID := setupUsage(t, config.PlanStarter, 0)

	inserted, err := repo.Init(context.Background(), domain.OrganizationUsage{OrgID: orgID, Plan: config.PlanTeam, MatterCount: 9})
	require.NoError(t, err)
	assert.False(t, inserted)

	usage, err := repo.Get(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, config.PlanStarter, usage.Plan)
	assert.Equal(t, int64(0), usage.MatterCount)
}

func TestConsumeBelowLimitIncrements(t *testing.T) {
	_, repo, orgID := setupUsage(t, config.PlanStarter, 1)

	res, err := repo.Consume(context.Background(), orgID, starterOnly, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.MatterCount)
	assert.Equal(t, config.PlanStarter, res.Plan)
}

func TestConsumeAtLimitRejectsWithoutMutation(t *testing.T) {
	_, repo, orgID := setupUsage(t, config.PlanStarter, 3)

	res, err := repo.Consume(context.Background(), orgID, starterOnly, time.Now().UTC())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrLimitReached)

	var limitErr *domain.LimitReachedError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, config.PlanStarter, limitErr.Plan)

	usage, err := repo.Get(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.MatterCount)
}

func TestConsumePaidTierIgnoresStarterLimit(t *testing.T) {
	_, repo, orgID := setupUsage(t, config.PlanTeam, 500)

	res, err := repo.Consume(context.Background(), orgID, starterOnly, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(501), res.MatterCount)
	assert.Equal(t, config.PlanTeam, res.Plan)
}

func TestConsumeWithoutLimitedTiers(t *testing.T) {
	_, repo, orgID := setupUsage(t, config.PlanStarter, 1000)

	res, err := repo.Consume(context.Background(), orgID, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1001), res.MatterCount)
}

func TestConsumeUnknownOrganization(t *testing.T) {
	_, repo, _ := setupUsage(t, config.PlanStarter, 0)

	_, err := repo.Consume(context.Background(), snowflake.ID(7), starterOnly, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrUsageNotFound)
}

func TestConsumeConcurrentBurstNeverOvershoots(t *testing.T) {
	db, repo, orgID := setupUsage(t, config.PlanStarter, 0)

	const attempts = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				_, err := repo.WithTx(tx).Consume(context.Background(), orgID, starterOnly, time.Now().UTC())
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrLimitReached):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, attempts-3, rejected)

	usage, err := repo.Get(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.MatterCount)
}

func TestRollbackUndoesConsume(t *testing.T) {
	db, repo, orgID := setupUsage(t, config.PlanStarter, 0)

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := repo.WithTx(tx).Consume(context.Background(), orgID, starterOnly, time.Now().UTC()); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	usage, err := repo.Get(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.MatterCount)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	_, repo, orgID := setupUsage(t, config.PlanStarter, 1)

	require.NoError(t, repo.Release(context.Background(), orgID, time.Now().UTC()))
	require.NoError(t, repo.Release(context.Background(), orgID, time.Now().UTC()))

	usage, err := repo.Get(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.MatterCount)
}

func TestSetPlan(t *testing.T) {
	_, repo, orgID := setupUsage(t, config.PlanStarter, 3)

	require.NoError(t, repo.SetPlan(context.Background(), orgID, config.PlanBusiness, time.Now().UTC()))
	_, err := repo.Consume(context.Background(), orgID, starterOnly, time.Now().UTC())
	require.NoError(t, err)

	assert.ErrorIs(t, repo.SetPlan(context.Background(), snowflake.ID(99), config.PlanBusiness, time.Now().UTC()), domain.ErrUsageNotFound)
}
