package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/quota/domain"
	dbpkg "github.com/smallbiznis/matterly/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) Init(ctx context.Context, usage domain.OrganizationUsage) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}},
			DoNothing: true,
		}).
		Create(&usage)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) Consume(ctx context.Context, orgID snowflake.ID, limited []config.Plan, now time.Time) (*domain.ConsumeResult, error) {
	condition, condArgs := limitCondition(limited)
	args := append([]any{now, orgID}, condArgs...)

	query := `UPDATE organization_usages
		 SET matter_count = matter_count + 1, updated_at = ?
		 WHERE org_id = ?` + condition

	db := r.db.WithContext(ctx)
	if dbpkg.SupportsReturning(db) {
		var row domain.ConsumeResult
		result := db.Raw(query+` RETURNING matter_count, plan`, args...).Scan(&row)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			return nil, r.rejection(ctx, orgID)
		}
		return &row, nil
	}

	result := db.Exec(query, args...)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, r.rejection(ctx, orgID)
	}
	// the row is locked by the update above until the transaction ends
	var row domain.ConsumeResult
	if err := db.Raw(
		`SELECT matter_count, plan FROM organization_usages WHERE org_id = ?`,
		orgID,
	).Scan(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// limitCondition excludes rows whose tier limit is already met. An empty
// list means no tier is limited and the increment is unconditional.
func limitCondition(limited []config.Plan) (string, []any) {
	if len(limited) == 0 {
		return "", nil
	}
	terms := make([]string, 0, len(limited))
	args := make([]any, 0, len(limited)*2)
	for _, plan := range limited {
		terms = append(terms, "(plan = ? AND matter_count >= ?)")
		args = append(args, plan.Code, plan.MatterLimit)
	}
	return " AND NOT (" + strings.Join(terms, " OR ") + ")", args
}

func (r *repository) rejection(ctx context.Context, orgID snowflake.ID) error {
	usage, err := r.Get(ctx, orgID)
	if err != nil {
		return err
	}
	return &domain.LimitReachedError{Plan: usage.Plan, MatterCount: usage.MatterCount}
}

func (r *repository) Release(ctx context.Context, orgID snowflake.ID, now time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE organization_usages
		 SET matter_count = matter_count - 1, updated_at = ?
		 WHERE org_id = ? AND matter_count > 0`,
		now,
		orgID,
	).Error
}

func (r *repository) Get(ctx context.Context, orgID snowflake.ID) (*domain.OrganizationUsage, error) {
	var usage domain.OrganizationUsage
	err := r.db.WithContext(ctx).Where("org_id = ?", orgID).Take(&usage).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUsageNotFound
		}
		return nil, err
	}
	return &usage, nil
}

func (r *repository) SetPlan(ctx context.Context, orgID snowflake.ID, plan string, now time.Time) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE organization_usages SET plan = ?, updated_at = ? WHERE org_id = ?`,
		plan,
		now,
		orgID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrUsageNotFound
	}
	return nil
}
