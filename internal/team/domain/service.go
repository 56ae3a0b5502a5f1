package domain

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Create(ctx context.Context, actorID snowflake.ID, orgID string, req CreateTeamRequest) (*TeamResponse, error)
	Get(ctx context.Context, actorID snowflake.ID, teamID string) (*TeamResponse, error)
	AddMember(ctx context.Context, actorID snowflake.ID, teamID string, req AddMemberRequest) (*MemberResponse, error)
	PeekNextShortID(ctx context.Context, actorID snowflake.ID, teamID string) (*NextShortIDResponse, error)
}

type CreateTeamRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

type TeamResponse struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"org_id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	NextShortID int64           `json:"next_short_id"`
	Membership  *MemberResponse `json:"membership,omitempty"`
}

type MemberResponse struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// NextShortIDResponse is what a device seeds its id pool from. Reading it
// does not consume anything.
type NextShortIDResponse struct {
	TeamID      string `json:"team_id"`
	TeamCode    string `json:"team_code"`
	NextShortID int64  `json:"next_short_id"`
}

var (
	ErrInvalidTeam   = errors.New("invalid_team")
	ErrInvalidCode   = errors.New("invalid_team_code")
	ErrInvalidName   = errors.New("invalid_team_name")
	ErrInvalidUser   = errors.New("invalid_user")
	ErrNotFound      = errors.New("team_not_found")
	ErrCodeExists    = errors.New("team_code_exists")
	ErrMemberExists  = errors.New("team_member_exists")
	ErrInvalidFloor  = errors.New("invalid_short_id_floor")
	ErrInvalidOrgRef = errors.New("invalid_organization")
)

var codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// NormalizeCode upper-cases a team code and validates its shape.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !codePattern.MatchString(code) {
		return "", ErrInvalidCode
	}
	return code, nil
}
