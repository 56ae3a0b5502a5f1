// Package permission decides whether a team member may act on a team.
// The same Gate runs on the device before an optimistic apply and on the
// server before allocation.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

const (
	RoleOwner  = "OWNER"
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
	RoleGuest  = "GUEST"
	RoleViewer = "VIEWER"
)

const (
	StatusActive    = "active"
	StatusInvited   = "invited"
	StatusSuspended = "suspended"
)

const (
	ObjectTask         = "task"
	ObjectRequest      = "request"
	ObjectTeam         = "team"
	ObjectOrganization = "organization"
)

const (
	ActionCreate = "create"
	ActionDelete = "delete"
	ActionManage = "manage"
	ActionPlan   = "plan.change"
)

var (
	ErrNotTeamMember    = errors.New("not_team_member")
	ErrInsufficientRole = errors.New("insufficient_role")
	ErrInvalidRole      = errors.New("invalid_role")
	ErrInvalidStatus    = errors.New("invalid_status")
)

// Membership is the acting user's standing in a team. The zero value means
// the user is not a member.
type Membership struct {
	Role   string
	Status string
}

func (m Membership) IsActive() bool {
	return strings.TrimSpace(m.Role) != "" && strings.EqualFold(strings.TrimSpace(m.Status), StatusActive)
}

// Enforcer is satisfied by casbin enforcers.
type Enforcer interface {
	Enforce(rvals ...interface{}) (bool, error)
}

type Gate struct {
	enforcer Enforcer
}

func NewGate(enforcer Enforcer) *Gate {
	return &Gate{enforcer: enforcer}
}

// CanCreate checks that the member may create an item of itemType.
func (g *Gate) CanCreate(m Membership, itemType string) error {
	return g.Authorize(m, strings.ToLower(strings.TrimSpace(itemType)), ActionCreate)
}

// Authorize checks an arbitrary object/action pair against the role policies.
func (g *Gate) Authorize(m Membership, object, action string) error {
	if !m.IsActive() {
		return ErrNotTeamMember
	}
	allowed, err := g.enforcer.Enforce(Subject(m.Role), object, action)
	if err != nil {
		return fmt.Errorf("enforce %s %s: %w", object, action, err)
	}
	if !allowed {
		return ErrInsufficientRole
	}
	return nil
}

// Subject maps a role to its policy subject.
func Subject(role string) string {
	return fmt.Sprintf("role:%s", strings.ToLower(strings.TrimSpace(role)))
}

// NormalizeRole validates and upper-cases a role name.
func NormalizeRole(role string) (string, error) {
	role = strings.ToUpper(strings.TrimSpace(role))
	switch role {
	case RoleOwner, RoleAdmin, RoleMember, RoleGuest, RoleViewer:
		return role, nil
	default:
		return "", ErrInvalidRole
	}
}

// NormalizeStatus validates a membership status; empty means active.
func NormalizeStatus(status string) (string, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "":
		return StatusActive, nil
	case StatusActive, StatusInvited, StatusSuspended:
		return status, nil
	default:
		return "", ErrInvalidStatus
	}
}
