// Package domain contains the organization usage counter guarded by the quota gate.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// OrganizationUsage is the live matter count of an organization and the
// plan tier its limit is read from.
type OrganizationUsage struct {
	OrgID       snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"org_id"`
	Plan        string       `gorm:"type:text;not null" json:"plan"`
	MatterCount int64        `gorm:"not null;default:0" json:"matter_count"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (OrganizationUsage) TableName() string { return "organization_usages" }

// ConsumeResult is the row returned by the conditional increment.
type ConsumeResult struct {
	MatterCount int64  `gorm:"column:matter_count"`
	Plan        string `gorm:"column:plan"`
}
