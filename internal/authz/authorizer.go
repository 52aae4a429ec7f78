package authz

import (
	"fmt"

	"github.com/pitabwire/workorder/model"
)

// RoleResolver returns the effective roles of an actor.
type RoleResolver interface {
	Resolve(actor *model.ActorContext) (model.RoleSet, error)
}

// Authorizer gates steps on the intersection of the actor's roles and the
// step's role whitelist.
type Authorizer struct {
	roles RoleResolver
}

// NewAuthorizer creates an Authorizer. A nil resolver trusts declared roles.
func NewAuthorizer(roles RoleResolver) *Authorizer {
	if roles == nil {
		roles = NewResolver(DeclaredRoles{}, 0)
	}
	return &Authorizer{roles: roles}
}

// EffectiveRoles returns the actor's roles on flow, including "self" when the
// actor owns it.
func (a *Authorizer) EffectiveRoles(actor *model.ActorContext, flow *model.Flow) (model.RoleSet, error) {
	roles, err := a.roles.Resolve(actor)
	if err != nil {
		return nil, err
	}
	if flow != nil && flow.OwnerID != "" && actor.SubjectID == flow.OwnerID {
		roles = roles.With(model.RoleSelf)
	}
	return roles, nil
}

// Allowed reports whether roles intersect the step's whitelist. "self" must
// be held explicitly; the wildcard does not imply ownership.
func Allowed(roles model.RoleSet, step model.Step) bool {
	for _, required := range step.Roles {
		if required == model.RoleSelf {
			if roles[model.RoleSelf] {
				return true
			}
			continue
		}
		if roles.Has(required) {
			return true
		}
	}
	return false
}

// Authorize returns UNAUTHORIZED unless the actor may invoke step on flow.
func (a *Authorizer) Authorize(actor *model.ActorContext, flow *model.Flow, step model.Step) error {
	roles, err := a.EffectiveRoles(actor, flow)
	if err != nil {
		return fmt.Errorf("resolve roles: %w", err)
	}
	if !Allowed(roles, step) {
		return model.NewUnauthorizedError(
			fmt.Sprintf("actor %q may not invoke step %q (requires one of %v)", actor.SubjectID, step.Name, step.Roles),
		)
	}
	return nil
}
