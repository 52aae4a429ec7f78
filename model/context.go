package model

import (
	"context"
	"errors"
	"fmt"
)

// ActorContext carries the caller identity and role set already resolved by
// the surrounding request layer. It is immutable after construction and safe
// for concurrent reads.
type ActorContext struct {
	SubjectID     string
	Name          string
	Roles         []string
	CorrelationID string
}

// Validate checks that all mandatory fields are present.
func (a *ActorContext) Validate() error {
	var errs []error
	if a.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the actor declares the given role. The dynamic
// "self" role is never declared; see RoleSet.
func (a *ActorContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithActorContext attaches an ActorContext to the given context.
func WithActorContext(ctx context.Context, actor *ActorContext) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// ActorContextFrom extracts the ActorContext from the context, or returns
// nil if not present.
func ActorContextFrom(ctx context.Context) *ActorContext {
	actor, _ := ctx.Value(contextKey{}).(*ActorContext)
	return actor
}
