package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository

	// FindByID includes soft-deleted rows.
	FindByID(ctx context.Context, id string) (*Matter, error)
	Get(ctx context.Context, id string) (*Matter, error)
	ListByTeam(ctx context.Context, teamID snowflake.ID, afterShortID int64, limit int) ([]Matter, error)

	// ShortIDTaken includes soft-deleted rows.
	ShortIDTaken(ctx context.Context, teamID snowflake.ID, shortID int64) (bool, error)
	// Insert writes the matter inside a savepoint. A taken short id yields
	// ErrShortIDTaken and an existing id yields ErrMatterExists; in both
	// cases the enclosing transaction stays usable.
	Insert(ctx context.Context, m *Matter) error
	SoftDelete(ctx context.Context, id string, now time.Time) (bool, error)
}
