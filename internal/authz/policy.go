package authz

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/workorder/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicy expands declared roles through a YAML file mapping a role to
// the roles it implies, e.g.
//
//	roles:
//	  supervisor: [admin, executor]
//
// Expansion is transitive. The "self" role is never granted by a policy.
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy creates a policy loaded from path.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseStaticPolicy creates a policy from YAML bytes. Sync is a no-op on the
// result.
func ParseStaticPolicy(data []byte) (*StaticPolicy, error) {
	p := &StaticPolicy{}
	if err := p.load(data, "<inline>"); err != nil {
		return nil, err
	}
	return p, nil
}

// ExpandRoles returns the declared roles plus everything they imply.
func (p *StaticPolicy) ExpandRoles(actor *model.ActorContext) (model.RoleSet, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	roles := make(model.RoleSet)
	queue := append([]string(nil), actor.Roles...)
	for len(queue) > 0 {
		role := queue[0]
		queue = queue[1:]
		if role == "" || role == model.RoleSelf || roles[role] {
			continue
		}
		roles[role] = true
		queue = append(queue, p.policy.Roles[role]...)
	}
	return roles, nil
}

// Roles returns the roles the policy declares, sorted.
func (p *StaticPolicy) Roles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.policy.Roles))
	for r := range p.policy.Roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Sync reloads the policy file from disk.
func (p *StaticPolicy) Sync() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("authz: reading policy file %s: %w", p.path, err)
	}
	return p.load(data, p.path)
}

func (p *StaticPolicy) load(data []byte, source string) error {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("authz: parsing policy file %s: %w", source, err)
	}
	for role, implied := range pf.Roles {
		for _, r := range implied {
			if r == model.RoleSelf {
				return fmt.Errorf("authz: policy file %s: role %q cannot imply %q", source, role, model.RoleSelf)
			}
		}
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()
	return nil
}

// DeclaredRoles is a PolicyEvaluator that trusts the actor's declared roles
// as-is.
type DeclaredRoles struct{}

// ExpandRoles returns the declared roles without "self".
func (DeclaredRoles) ExpandRoles(actor *model.ActorContext) (model.RoleSet, error) {
	roles := model.NewRoleSet(actor.Roles...)
	delete(roles, model.RoleSelf)
	return roles, nil
}
