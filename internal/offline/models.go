// Package offline is the device side of matter creation. Matters are
// applied to a local store with a provisional short id from a Hi-Lo pool,
// queued in an outbox, and rebased once the server commits them.
package offline

import (
	"fmt"
	"time"

	matterdomain "github.com/smallbiznis/matterly/internal/matter/domain"
	"gorm.io/datatypes"
)

const (
	StatePending   = "pending"
	StateCommitted = "committed"
	StateFailed    = "failed"
	StateDeleted   = "deleted"
)

// LocalTeam caches the user's membership so the permission gate can run
// while offline. It may be stale; the server re-checks on sync.
type LocalTeam struct {
	TeamID    string    `gorm:"type:varchar(32);primaryKey" json:"team_id"`
	OrgID     string    `gorm:"type:varchar(32);not null" json:"org_id"`
	Code      string    `gorm:"type:varchar(16);not null" json:"code"`
	Name      string    `gorm:"type:text" json:"name"`
	UserID    string    `gorm:"type:varchar(32)" json:"user_id"`
	Role      string    `gorm:"type:varchar(16)" json:"role"`
	Status    string    `gorm:"type:varchar(16)" json:"status"`
	SyncedAt  time.Time `gorm:"not null" json:"synced_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (LocalTeam) TableName() string { return "local_teams" }

// LocalMatter is the optimistic copy of a matter. ShortID is zero while
// the id is pending. PreviousShortID keeps the provisional number after a
// rebase so the user can be told which key changed.
type LocalMatter struct {
	ID              string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	TeamID          string     `gorm:"type:varchar(32);not null;index" json:"team_id"`
	TeamCode        string     `gorm:"type:varchar(16);not null" json:"team_code"`
	ShortID         int64      `gorm:"not null;default:0" json:"short_id"`
	ClientShortID   int64      `gorm:"not null;default:0" json:"client_short_id"`
	PreviousShortID int64      `gorm:"not null;default:0" json:"previous_short_id"`
	Reassigned      bool       `gorm:"not null;default:false" json:"reassigned"`
	State           string     `gorm:"type:varchar(16);not null;index" json:"state"`
	FailureCode     string     `gorm:"type:varchar(64)" json:"failure_code,omitempty"`
	Title           string     `gorm:"type:text;not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description,omitempty"`
	Type            string     `gorm:"type:varchar(16);not null" json:"type"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	CommittedAt     *time.Time `json:"committed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (LocalMatter) TableName() string { return "local_matters" }

func (m LocalMatter) Key() string {
	return matterdomain.FormatKey(m.TeamCode, m.ShortID)
}

// DeviceSetting is a small key/value row for device-wide state such as the
// team the user is working in.
type DeviceSetting struct {
	Name      string    `gorm:"type:varchar(64);primaryKey" json:"name"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DeviceSetting) TableName() string { return "device_settings" }

// IDPool is the reserved range [Low, High) for one team.
type IDPool struct {
	TeamID    string    `gorm:"type:varchar(32);primaryKey" json:"team_id"`
	Low       int64     `gorm:"not null" json:"low"`
	High      int64     `gorm:"not null" json:"high"`
	SeededAt  time.Time `gorm:"not null" json:"seeded_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (IDPool) TableName() string { return "id_pools" }

func (p IDPool) Remaining() int64 {
	if p.High <= p.Low {
		return 0
	}
	return p.High - p.Low
}

// OutboxEntry is one queued create. Seq preserves creation order.
type OutboxEntry struct {
	Seq       int64          `gorm:"primaryKey;autoIncrement" json:"seq"`
	MatterID  string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_outbox_matter_id" json:"matter_id"`
	TeamID    string         `gorm:"type:varchar(32);not null" json:"team_id"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`
	Attempts  int            `gorm:"not null;default:0" json:"attempts"`
	LastError string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (OutboxEntry) TableName() string { return "outbox" }

// RebaseNotice reports the final key of a matter after sync. Reassigned
// means the provisional number the user saw was replaced by another one.
type RebaseNotice struct {
	MatterID        string `json:"matter_id"`
	TeamCode        string `json:"team_code"`
	PreviousShortID int64  `json:"previous_short_id"`
	ShortID         int64  `json:"short_id"`
	Reassigned      bool   `json:"reassigned"`
}

func (n RebaseNotice) String() string {
	previous := matterdomain.FormatKey(n.TeamCode, n.PreviousShortID)
	current := matterdomain.FormatKey(n.TeamCode, n.ShortID)
	if n.Reassigned {
		return fmt.Sprintf("%s is now %s", previous, current)
	}
	if n.PreviousShortID <= 0 {
		return fmt.Sprintf("%s assigned", current)
	}
	return fmt.Sprintf("%s confirmed", current)
}

// Failure is a queued create the server refused for good.
type Failure struct {
	MatterID string `json:"matter_id"`
	Key      string `json:"key"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}
