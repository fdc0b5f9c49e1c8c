package shared

import "context"

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID          string
	Name        string
	Permissions []string
}

// Can reports whether the actor holds the permission.
func (a Actor) Can(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == PermFinanceAll {
			return true
		}
	}
	return false
}

// System is the actor used by background jobs.
var System = Actor{ID: "system", Name: "system"}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
