package flow

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// snapshot is an immutable collection of templates indexed by ID.
type snapshot struct {
	templates map[string]*Template
	checksum  string
}

// Registry is a read-optimized, thread-safe store of compiled templates.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
	mu   sync.Mutex // serializes writers
}

// NewRegistry creates a Registry holding the given templates.
func NewRegistry(templates ...*Template) *Registry {
	r := &Registry{}
	r.Replace(templates)
	return r
}

// Replace atomically swaps the registry contents. Later templates win over
// earlier ones with the same ID.
func (r *Registry) Replace(templates []*Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replace(templates)
}

func (r *Registry) replace(templates []*Template) {
	s := &snapshot{templates: make(map[string]*Template, len(templates))}

	var checksumParts []string
	for _, t := range templates {
		s.templates[t.ID()] = t
	}
	for id, t := range s.templates {
		checksumParts = append(checksumParts, id+"="+t.def.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

// Register adds or replaces a single template.
func (r *Registry) Register(t *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current()
	all := make([]*Template, 0, len(cur.templates)+1)
	for _, existing := range cur.templates {
		all = append(all, existing)
	}
	all = append(all, t)
	r.replace(all)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the template with the given ID.
func (r *Registry) Get(templateID string) (*Template, bool) {
	t, ok := r.current().templates[templateID]
	return t, ok
}

// All returns every registered template sorted by ID.
func (r *Registry) All() []*Template {
	s := r.current()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Checksum returns the combined checksum of all registered templates.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
