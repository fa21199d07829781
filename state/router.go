package state

import "github.com/pii-shield/pii-shield/pii"

// StoreID identifies one of the two stores an entity type can live in.
type StoreID string

const (
	// StoreDefault is the secure store of record.
	StoreDefault StoreID = "default"
	// StoreIsolated is the replica store replicated entities are served
	// from, subject to TTL eviction.
	StoreIsolated StoreID = "isolated"
)

// Op classifies a storage operation for routing purposes.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Router directs per-type reads, writes and schema operations to the right
// store. Whether a type is replicated is resolved from the registry's
// registration-time capability, never from runtime type inspection.
type Router struct {
	registry            *pii.Registry
	allowMixedRelations bool
}

func NewRouter(registry *pii.Registry, allowMixedRelations bool) *Router {
	return &Router{registry: registry, allowMixedRelations: allowMixedRelations}
}

// RouteFor returns the store handling the given type and operation.
// ok is false when the decision is deferred to the caller's default.
func (r *Router) RouteFor(entityType string, op Op) (store StoreID, ok bool) {
	if r.registry.IsReplicated(entityType) {
		return StoreIsolated, true
	}
	return "", false
}

// AllowRelation decides whether two entity types may hold a relation.
// Relations between two replicated types are always allowed; mixed
// relations require the configuration flag; relations between two
// non-replicated types are deferred (decided is false).
func (r *Router) AllowRelation(a, b string) (allowed, decided bool) {
	aRep := r.registry.IsReplicated(a)
	bRep := r.registry.IsReplicated(b)
	switch {
	case aRep && bRep:
		return true, true
	case aRep || bRep:
		return r.allowMixedRelations, true
	default:
		return false, false
	}
}

// AllowSchemaChange decides whether a schema change for entityType may run
// against store: replicated types only on the isolated store, everything
// else only off it.
func (r *Router) AllowSchemaChange(store StoreID, entityType string) (allowed, decided bool) {
	if r.registry.IsReplicated(entityType) {
		return store == StoreIsolated, true
	}
	return store != StoreIsolated, true
}
