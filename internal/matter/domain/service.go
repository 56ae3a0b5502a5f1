package domain

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	CreateMatter(ctx context.Context, actor Actor, req CreateMatterRequest) (*CreateResult, error)
	Get(ctx context.Context, actor Actor, id string) (*MatterResponse, error)
	ListByTeam(ctx context.Context, actor Actor, teamID string, req ListRequest) (*ListResponse, error)
	Delete(ctx context.Context, actor Actor, id string) error
}

// Actor is the authenticated caller. A zero UserID is unauthenticated.
type Actor struct {
	UserID snowflake.ID
}

func (a Actor) Authenticated() bool { return a.UserID != 0 }

type CreateMatterRequest struct {
	ID            string `json:"id"`
	TeamID        string `json:"team_id"`
	TeamCode      string `json:"team_code"`
	ClientShortID *int64 `json:"client_short_id,omitempty"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Type          string `json:"type"`
}

// Hint returns the client short id, or zero when none was proposed.
func (r CreateMatterRequest) Hint() int64 {
	if r.ClientShortID == nil {
		return 0
	}
	return *r.ClientShortID
}

type MatterResponse struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	TeamID        string    `json:"team_id"`
	TeamCode      string    `json:"team_code"`
	ShortID       int64     `json:"short_id"`
	Key           string    `json:"key"`
	ClientShortID *int64    `json:"client_short_id,omitempty"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Type          string    `json:"type"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	Deleted       bool      `json:"deleted,omitempty"`
}

// CreateResult carries the committed matter. Reassigned is set when the
// device proposed a short id that was not honored, so the device must show
// the new key rather than silently replacing the old one.
type CreateResult struct {
	Matter     MatterResponse `json:"matter"`
	Replayed   bool           `json:"replayed"`
	Reassigned bool           `json:"reassigned"`
}

type ListRequest struct {
	AfterShortID int64
	Limit        int
}

type ListResponse struct {
	Matters   []MatterResponse `json:"matters"`
	NextAfter int64            `json:"next_after_short_id,omitempty"`
}

func ToResponse(m *Matter) MatterResponse {
	return MatterResponse{
		ID:            m.ID,
		OrgID:         m.OrgID.String(),
		TeamID:        m.TeamID.String(),
		TeamCode:      m.TeamCode,
		ShortID:       m.ShortID,
		Key:           m.Key(),
		ClientShortID: m.ClientShortID,
		Title:         m.Title,
		Description:   m.Description,
		Type:          m.Type,
		CreatedBy:     m.CreatedBy.String(),
		CreatedAt:     m.CreatedAt,
		Deleted:       m.DeletedAt.Valid,
	}
}

var (
	ErrNotAuthenticated     = errors.New("not_authenticated")
	ErrInvalidID            = errors.New("invalid_matter_id")
	ErrInvalidTeam          = errors.New("invalid_team")
	ErrInvalidTitle         = errors.New("invalid_title")
	ErrInvalidType          = errors.New("invalid_matter_type")
	ErrInvalidClientShortID = errors.New("invalid_client_short_id")
	ErrNotFound             = errors.New("matter_not_found")
	ErrIDConflict           = errors.New("matter_id_conflict")
	ErrAllocationFailed     = errors.New("allocation_failed")
	ErrShortIDTaken         = errors.New("short_id_taken")
	ErrMatterExists         = errors.New("matter_exists")
)

var idPattern = regexp.MustCompile(`^[0-9A-Za-z_-]{1,64}$`)

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
