package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/permission"
	"gorm.io/gorm"
)

// Repository is the team counter store. Reserve and Advance are the only
// statements that touch next_short_id.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Create(ctx context.Context, team Team) error
	GetByID(ctx context.Context, id snowflake.ID) (*Team, error)

	// Reserve increments the counter and returns the pre-increment value.
	Reserve(ctx context.Context, teamID snowflake.ID, now time.Time) (int64, error)
	// Advance raises the counter to floor when it is below it. The row is
	// written, and therefore locked, even when the counter already exceeds
	// floor.
	Advance(ctx context.Context, teamID snowflake.ID, floor int64, now time.Time) error
	// Peek reads the counter without consuming it.
	Peek(ctx context.Context, teamID snowflake.ID) (int64, error)

	AddMember(ctx context.Context, member TeamMember) error
	UpsertMember(ctx context.Context, member TeamMember) error
	Membership(ctx context.Context, teamID, userID snowflake.ID) (permission.Membership, error)
}
