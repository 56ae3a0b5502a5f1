package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/permission"
	"github.com/smallbiznis/matterly/internal/team/domain"
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

func (r *repository) Create(ctx context.Context, team domain.Team) error {
	if team.NextShortID < 1 {
		team.NextShortID = 1
	}
	err := r.db.WithContext(ctx).Create(&team).Error
	if dbpkg.IsDuplicateKeyErr(err) {
		return domain.ErrCodeExists
	}
	return err
}

func (r *repository) GetByID(ctx context.Context, id snowflake.ID) (*domain.Team, error) {
	var team domain.Team
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&team).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

func (r *repository) Reserve(ctx context.Context, teamID snowflake.ID, now time.Time) (int64, error) {
	db := r.db.WithContext(ctx)

	query := `UPDATE teams
		 SET next_short_id = next_short_id + 1, updated_at = ?
		 WHERE id = ?`

	if dbpkg.SupportsReturning(db) {
		var row struct {
			ShortID int64 `gorm:"column:short_id"`
		}
		result := db.Raw(query+` RETURNING next_short_id - 1 AS short_id`, now, teamID).Scan(&row)
		if result.Error != nil {
			return 0, result.Error
		}
		if result.RowsAffected == 0 {
			return 0, domain.ErrNotFound
		}
		return row.ShortID, nil
	}

	result := db.Exec(query, now, teamID)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, domain.ErrNotFound
	}
	// the update holds the row lock until commit, so this read is ours
	var shortID int64
	if err := db.Raw(
		`SELECT next_short_id - 1 FROM teams WHERE id = ?`,
		teamID,
	).Scan(&shortID).Error; err != nil {
		return 0, err
	}
	return shortID, nil
}

func (r *repository) Advance(ctx context.Context, teamID snowflake.ID, floor int64, now time.Time) error {
	if floor < 1 {
		return domain.ErrInvalidFloor
	}
	db := r.db.WithContext(ctx)
	result := db.Exec(
		`UPDATE teams
		 SET next_short_id = CASE WHEN next_short_id < ? THEN ? ELSE next_short_id END,
		     updated_at = ?
		 WHERE id = ?`,
		floor,
		floor,
		now,
		teamID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	// mysql reports zero affected rows when nothing changed
	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM teams WHERE id = ?`, teamID).Scan(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repository) Peek(ctx context.Context, teamID snowflake.ID) (int64, error) {
	var row struct {
		NextShortID int64 `gorm:"column:next_short_id"`
	}
	result := r.db.WithContext(ctx).Raw(
		`SELECT next_short_id FROM teams WHERE id = ?`,
		teamID,
	).Scan(&row)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, domain.ErrNotFound
	}
	return row.NextShortID, nil
}

func (r *repository) AddMember(ctx context.Context, member domain.TeamMember) error {
	err := r.db.WithContext(ctx).Create(&member).Error
	if dbpkg.IsDuplicateKeyErr(err) {
		return domain.ErrMemberExists
	}
	return err
}

func (r *repository) UpsertMember(ctx context.Context, member domain.TeamMember) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "team_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "status", "updated_at"}),
		}).
		Create(&member).Error
}

func (r *repository) Membership(ctx context.Context, teamID, userID snowflake.ID) (permission.Membership, error) {
	var row struct {
		Role   string `gorm:"column:role"`
		Status string `gorm:"column:status"`
	}
	err := r.db.WithContext(ctx).Raw(
		`SELECT role, status
		 FROM team_members
		 WHERE team_id = ? AND user_id = ?
		 LIMIT 1`,
		teamID,
		userID,
	).Scan(&row).Error
	if err != nil {
		return permission.Membership{}, err
	}
	return permission.Membership{Role: row.Role, Status: row.Status}, nil
}
