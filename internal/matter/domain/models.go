package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	TypeTask    = "task"
	TypeRequest = "request"
)

// MaxShortID is the largest client short id accepted, the last integer a
// JSON number carries exactly.
const MaxShortID int64 = 1<<53 - 1

// Matter is a work item. ID is generated by the creating device and doubles
// as the idempotency key. (team_id, short_id) is unique across live and
// soft-deleted rows, so a short id is never handed out twice.
type Matter struct {
	ID            string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	OrgID         snowflake.ID   `gorm:"not null;index" json:"org_id"`
	TeamID        snowflake.ID   `gorm:"not null;uniqueIndex:ux_matters_team_short_id,priority:1" json:"team_id"`
	ShortID       int64          `gorm:"not null;uniqueIndex:ux_matters_team_short_id,priority:2" json:"short_id"`
	TeamCode      string         `gorm:"type:varchar(16);not null" json:"team_code"`
	Title         string         `gorm:"type:text;not null" json:"title"`
	Description   string         `gorm:"type:text" json:"description"`
	Type          string         `gorm:"type:varchar(16);not null" json:"type"`
	CreatedBy     snowflake.ID   `gorm:"not null" json:"created_by"`
	ClientShortID *int64         `json:"client_short_id,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Matter) TableName() string { return "matters" }

// Key renders the human readable identifier, e.g. ENG-101.
func (m Matter) Key() string {
	return FormatKey(m.TeamCode, m.ShortID)
}

// FormatKey renders code-short. A zero short id is pending and renders as
// code-?.
func FormatKey(teamCode string, shortID int64) string {
	if shortID <= 0 {
		return teamCode + "-?"
	}
	return fmt.Sprintf("%s-%d", teamCode, shortID)
}
