package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/config"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Init(ctx context.Context, usage OrganizationUsage) (bool, error)
	// Consume increments matter_count in a single conditional statement.
	// It returns ErrLimitReached without mutating anything when the plan
	// is one of limited and its limit is already met.
	Consume(ctx context.Context, orgID snowflake.ID, limited []config.Plan, now time.Time) (*ConsumeResult, error)
	Release(ctx context.Context, orgID snowflake.ID, now time.Time) error
	Get(ctx context.Context, orgID snowflake.ID) (*OrganizationUsage, error)
	SetPlan(ctx context.Context, orgID snowflake.ID, plan string, now time.Time) error
}
