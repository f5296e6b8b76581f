// Package rbac defines the closed role set and the authorization capability
// consumed by the trace state machine and the HTTP endpoint guards.
package rbac

import "context"

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionUpload    Action = "upload"
	ActionEditTrace Action = "edit_trace"
	ActionApprove   Action = "approve"
	ActionAdmin     Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionUpload || action == ActionEditTrace || action == ActionApprove
	case RoleMember:
		return action == ActionRead || action == ActionUpload
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}

// Authorizer answers ownership and role questions for an actor. Role storage
// lives behind this interface; callers only consume the booleans.
type Authorizer interface {
	IsOwner(ctx context.Context, entityID, actorID string) (bool, error)
	HasRole(ctx context.Context, actorID string, role Role) (bool, error)
}
