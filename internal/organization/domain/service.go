package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Create(ctx context.Context, userID snowflake.ID, req CreateOrganizationRequest) (*OrganizationResponse, error)
	GetByID(ctx context.Context, id string) (*OrganizationResponse, error)
	ListOrganizationsByUser(ctx context.Context, userID snowflake.ID) ([]OrganizationListResponseItem, error)
	AddMember(ctx context.Context, actorID snowflake.ID, orgID string, req AddMemberRequest) error
	// MemberRole returns the user's organization role, or ErrNotMember.
	MemberRole(ctx context.Context, orgID snowflake.ID, userID snowflake.ID) (string, error)
}

type CreateOrganizationRequest struct {
	Name string
	Plan string
}

type AddMemberRequest struct {
	UserID string
	Role   string
}

type OrganizationResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
	Plan string `json:"plan,omitempty"`
}

type OrganizationListResponseItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidRole         = errors.New("invalid_role")
	ErrNotFound            = errors.New("organization_not_found")
	ErrNotMember           = errors.New("not_organization_member")
	ErrMemberExists        = errors.New("member_exists")
)
