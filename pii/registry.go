package pii

import (
	"sort"
	"sync"
)

// Factory constructs an empty instance of one entity type, ready to be
// populated from a wire payload.
type Factory func() Entity

type registration struct {
	factory Factory
	sync    bool
}

// Registry is the process-wide set of entity types known to the engine.
// Types are registered once at startup via explicit calls; there is no
// removal. Reads may race with registration in adversarial embeddings, so
// all accessors copy under a read lock.
type Registry struct {
	mu    sync.RWMutex
	types map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]registration)}
}

// Register adds a type to the set replicated by the sync engine.
// Registering the same type twice is a no-op.
func (r *Registry) Register(f Factory) {
	r.add(f, true)
}

// RegisterType makes a type known to the codec and to force sweeps without
// marking it for replication. A later Register upgrades it; RegisterType
// never downgrades an already replicating type.
func (r *Registry) RegisterType(f Factory) {
	r.add(f, false)
}

func (r *Registry) add(f Factory, forSync bool) {
	name := f().EntityType()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[name]; ok {
		existing.factory = f
		existing.sync = existing.sync || forSync
		r.types[name] = existing
		return
	}
	r.types[name] = registration{factory: f, sync: forSync}
}

// Registered returns the sorted type identifiers registered for replication.
func (r *Registry) Registered() []string {
	return r.list(true)
}

// KnownTypes returns the sorted type identifiers of every registered type,
// replicating or not.
func (r *Registry) KnownTypes() []string {
	return r.list(false)
}

func (r *Registry) list(syncOnly bool) []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.types))
	for name, reg := range r.types {
		if syncOnly && !reg.sync {
			continue
		}
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// New constructs an empty instance of the named type.
func (r *Registry) New(entityType string) (Entity, bool) {
	r.mu.RLock()
	reg, ok := r.types[entityType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reg.factory(), true
}

// IsReplicated reports whether the named type implements the replicated
// entity contract, i.e. was registered at all. Routing decisions key off
// this rather than runtime type inspection.
func (r *Registry) IsReplicated(entityType string) bool {
	r.mu.RLock()
	_, ok := r.types[entityType]
	r.mu.RUnlock()
	return ok
}
