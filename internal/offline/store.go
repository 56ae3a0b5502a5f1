package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const settingActiveTeam = "active_team"

var (
	ErrTeamNotCached  = errors.New("team_not_cached")
	ErrMatterNotFound = errors.New("local_matter_not_found")
)

// Store is the device database. It is a single-writer sqlite file.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (or creates) the sqlite file at path and migrates it.
func OpenStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return NewStore(conn)
}

// NewStore wraps an existing connection and migrates the device tables.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&LocalTeam{}, &LocalMatter{}, &IDPool{}, &OutboxEntry{}, &DeviceSetting{}); err != nil {
		return nil, fmt.Errorf("migrate device store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Transaction runs fn with a store bound to one transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) SaveTeam(ctx context.Context, team LocalTeam) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"org_id", "code", "name", "user_id", "role", "status", "synced_at", "updated_at"}),
	}).Create(&team).Error
}

func (s *Store) Team(ctx context.Context, teamID string) (*LocalTeam, error) {
	var team LocalTeam
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Take(&team).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTeamNotCached
		}
		return nil, err
	}
	return &team, nil
}

func (s *Store) Teams(ctx context.Context) ([]LocalTeam, error) {
	var teams []LocalTeam
	err := s.db.WithContext(ctx).Order("code ASC").Find(&teams).Error
	return teams, err
}

func (s *Store) SaveMatter(ctx context.Context, m *LocalMatter) error {
	return s.db.WithContext(ctx).Save(m).Error
}

func (s *Store) Matter(ctx context.Context, id string) (*LocalMatter, error) {
	var m LocalMatter
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMatterNotFound
		}
		return nil, err
	}
	return &m, nil
}

// Matters lists a team's local matters, pending ones last.
func (s *Store) Matters(ctx context.Context, teamID string) ([]LocalMatter, error) {
	var matters []LocalMatter
	err := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("CASE WHEN short_id = 0 THEN 1 ELSE 0 END, short_id ASC, created_at ASC").
		Find(&matters).Error
	return matters, err
}

// Enqueue adds the create to the outbox once per matter id. It reports
// whether a new entry was written.
func (s *Store) Enqueue(ctx context.Context, entry OutboxEntry) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "matter_id"}},
		DoNothing: true,
	}).Create(&entry)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Outbox returns queued creates in the order they were made.
func (s *Store) Outbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	q := s.db.WithContext(ctx).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

func (s *Store) OutboxLen(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&OutboxEntry{}).Count(&n).Error
	return n, err
}

func (s *Store) RemoveOutbox(ctx context.Context, matterID string) error {
	return s.db.WithContext(ctx).Where("matter_id = ?", matterID).Delete(&OutboxEntry{}).Error
}

func (s *Store) MarkAttempt(ctx context.Context, matterID, lastError string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&OutboxEntry{}).
		Where("matter_id = ?", matterID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastError,
			"updated_at": now,
		}).Error
}

func (s *Store) pool(ctx context.Context, teamID string) (*IDPool, error) {
	var p IDPool
	err := s.db.WithContext(ctx).Where("team_id = ?", teamID).Take(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) savePool(ctx context.Context, p *IDPool) error {
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *Store) deletePool(ctx context.Context, teamID string) error {
	return s.db.WithContext(ctx).Where("team_id = ?", teamID).Delete(&IDPool{}).Error
}

// ActiveTeam returns the team the user last worked in, or "" before the
// first one is chosen.
func (s *Store) ActiveTeam(ctx context.Context) (string, error) {
	var setting DeviceSetting
	err := s.db.WithContext(ctx).Where("name = ?", settingActiveTeam).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Store) SetActiveTeam(ctx context.Context, teamID string, now time.Time) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&DeviceSetting{Name: settingActiveTeam, Value: teamID, UpdatedAt: now}).Error
}

func (s *Store) DeleteTeam(ctx context.Context, teamID string) error {
	return s.db.WithContext(ctx).Where("team_id = ?", teamID).Delete(&LocalTeam{}).Error
}
