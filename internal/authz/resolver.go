// Package authz resolves the effective roles of an actor and decides whether
// it may invoke a flow step.
package authz

import (
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pitabwire/workorder/model"
)

// PolicyEvaluator expands an actor's declared roles into its effective set.
type PolicyEvaluator interface {
	ExpandRoles(actor *model.ActorContext) (model.RoleSet, error)
}

// CacheObserver is notified of cache lookups.
type CacheObserver interface {
	RecordRoleCacheHit()
	RecordRoleCacheMiss()
}

// Resolver caches PolicyEvaluator results per subject and declared roles.
type Resolver struct {
	evaluator PolicyEvaluator
	ttl       time.Duration
	observer  CacheObserver
	cache     *gocache.Cache
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
// A non-positive TTL disables caching.
func NewResolver(evaluator PolicyEvaluator, ttl time.Duration) *Resolver {
	r := &Resolver{evaluator: evaluator, ttl: ttl}
	if ttl > 0 {
		r.cache = gocache.New(ttl, 2*ttl)
	}
	return r
}

// SetObserver registers o to receive hit/miss notifications.
func (r *Resolver) SetObserver(o CacheObserver) {
	r.observer = o
}

func cacheKey(actor *model.ActorContext) string {
	roles := append([]string(nil), actor.Roles...)
	sort.Strings(roles)
	return actor.SubjectID + ":" + strings.Join(roles, ",")
}

// Resolve returns the effective role set of the actor. The dynamic "self"
// role is never part of the result.
func (r *Resolver) Resolve(actor *model.ActorContext) (model.RoleSet, error) {
	if r.cache == nil {
		return r.evaluator.ExpandRoles(actor)
	}

	key := cacheKey(actor)
	if cached, ok := r.cache.Get(key); ok {
		if r.observer != nil {
			r.observer.RecordRoleCacheHit()
		}
		return cached.(model.RoleSet), nil
	}
	if r.observer != nil {
		r.observer.RecordRoleCacheMiss()
	}

	roles, err := r.evaluator.ExpandRoles(actor)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, roles, gocache.DefaultExpiration)
	return roles, nil
}

// Invalidate clears cached roles for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	if r.cache == nil {
		return
	}
	prefix := subjectID + ":"
	for key := range r.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Delete(key)
		}
	}
}
