package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Gate is the quota check embedded in the creation transaction.
type Gate interface {
	WithTx(tx *gorm.DB) Gate
	Consume(ctx context.Context, orgID snowflake.ID) (*ConsumeResult, error)
	Release(ctx context.Context, orgID snowflake.ID) error
}

// Service exposes usage lookups. It never mutates matter_count.
type Service interface {
	Lookup(ctx context.Context, orgID string) (*UsageResponse, error)
	ChangePlan(ctx context.Context, orgID string, plan string) (*UsageResponse, error)
}

type UsageResponse struct {
	OrgID       string `json:"org_id"`
	Plan        string `json:"plan"`
	MatterCount int64  `json:"matter_count"`
	MatterLimit int64  `json:"matter_limit"`
	Limited     bool   `json:"limited"`
}

var (
	ErrLimitReached        = errors.New("limit_reached")
	ErrUsageNotFound       = errors.New("usage_not_found")
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidOrganization = errors.New("invalid_organization")
)

// LimitReachedError carries the tier that refused the increment.
type LimitReachedError struct {
	Plan        string
	MatterCount int64
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("limit_reached: plan %s at %d matters", e.Plan, e.MatterCount)
}

func (e *LimitReachedError) Is(target error) bool {
	return target == ErrLimitReached
}
