package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/matter/domain"
	dbpkg "github.com/smallbiznis/matterly/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxListLimit = 200

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) FindByID(ctx context.Context, id string) (*domain.Matter, error) {
	var m domain.Matter
	err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *repository) Get(ctx context.Context, id string) (*domain.Matter, error) {
	var m domain.Matter
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *repository) ListByTeam(ctx context.Context, teamID snowflake.ID, afterShortID int64, limit int) ([]domain.Matter, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	var items []domain.Matter
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND short_id > ?", teamID, afterShortID).
		Order("short_id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) ShortIDTaken(ctx context.Context, teamID snowflake.ID, shortID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM matters WHERE team_id = ? AND short_id = ?`,
		teamID,
		shortID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) Insert(ctx context.Context, m *domain.Matter) error {
	var inserted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(m)
		if result.Error != nil {
			if dbpkg.IsDuplicateKeyErr(result.Error) {
				return domain.ErrShortIDTaken
			}
			return result.Error
		}
		inserted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	// mysql folds every unique conflict into the upsert, so tell the two
	// apart by looking for the id.
	existing, err := r.FindByID(ctx, m.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrMatterExists
	}
	return domain.ErrShortIDTaken
}

func (r *repository) SoftDelete(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE matters SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
