package domain

import (
	"context"
	"slices"
)

// Role levels understood by the audit read surface.
const (
	RolePlatformAdmin = "platform_admin"
	RolePlatformUser  = "platform_user"
	RoleTenantAdmin   = "tenant_admin"
	RoleSupervisor    = "supervisor"
)

// Actor is the identity and request metadata of whoever triggered a call.
// It is built once at the request boundary and passed down through ctx.
type Actor struct {
	UserID      string
	Email       string
	TenantID    string
	Role        string
	TeamUserIDs []string
	IPAddress   string
	UserAgent   string
	RequestID   string
}

func (a Actor) IsPlatform() bool {
	return a.Role == RolePlatformAdmin || a.Role == RolePlatformUser
}

func (a Actor) InTeam(userID string) bool {
	return slices.Contains(a.TeamUserIDs, userID)
}

type actorKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
