package privacy

import (
	"context"
	"fmt"
	"slices"

	"github.com/syssam/persist"
)

// Actor is the principal on whose behalf a store is flushed.
type Actor struct {
	ID    string
	Roles []string
}

// HasRole reports whether the actor holds one of roles.
func (a *Actor) HasRole(roles ...string) bool {
	if a == nil {
		return false
	}
	for _, r := range roles {
		if slices.Contains(a.Roles, r) {
			return true
		}
	}
	return false
}

type actorKey struct{}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor of the context, or nil.
func ActorFrom(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorKey{}).(*Actor)
	return a
}

// RequireActor rejects changes flushed without an actor.
func RequireActor() Rule {
	return FromContext(func(ctx context.Context) error {
		if ActorFrom(ctx) == nil {
			return Denyf("no actor")
		}
		return Skip
	})
}

// RoleAllowed accepts changes flushed by an actor holding one of roles.
func RoleAllowed(roles ...string) Rule {
	return FromContext(func(ctx context.Context) error {
		if ActorFrom(ctx).HasRole(roles...) {
			return Allow
		}
		return Skip
	})
}

// OwnedBy accepts changes of objects whose attribute holds the actor ID.
// Numeric attributes are compared by their decimal form.
func OwnedBy(attribute string) Rule {
	return RuleFunc(func(ctx context.Context, m persist.Mutation) error {
		a := ActorFrom(ctx)
		if a == nil {
			return Skip
		}
		v, ok := m.Field(attribute)
		if !ok || v == nil {
			return Skip
		}
		if fmt.Sprint(v) == a.ID {
			return Allowf("%s owned by %s", m.ID(), a.ID)
		}
		return Skip
	})
}

// RequireAttribute rejects inserts and updates of objects whose attribute is
// nil. Attributes that are not loaded, which updates never read, pass.
func RequireAttribute(attribute string) Rule {
	return OnOp(RuleFunc(func(_ context.Context, m persist.Mutation) error {
		v, ok := m.Field(attribute)
		if ok && v == nil {
			return Denyf("%s.%s must not be nil", m.Entity(), attribute)
		}
		return Skip
	}), persist.OpInsert|persist.OpUpdate)
}
