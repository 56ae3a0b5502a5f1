package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Team owns a namespace of short ids. NextShortID is strictly greater than
// every short id ever assigned in the team and never decreases.
type Team struct {
	ID          snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	OrgID       snowflake.ID `gorm:"not null;index;uniqueIndex:ux_teams_org_code,priority:1" json:"org_id"`
	Code        string       `gorm:"type:text;not null;uniqueIndex:ux_teams_org_code,priority:2" json:"code"`
	Name        string       `gorm:"type:text;not null" json:"name"`
	NextShortID int64        `gorm:"not null;default:1" json:"next_short_id"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Team) TableName() string { return "teams" }

type TeamMember struct {
	ID        snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TeamID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_team_user,priority:1" json:"team_id"`
	UserID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_team_user,priority:2" json:"user_id"`
	Role      string       `gorm:"type:text;not null" json:"role"`
	Status    string       `gorm:"type:text;not null;default:'active'" json:"status"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (TeamMember) TableName() string { return "team_members" }
