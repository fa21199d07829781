package pii

import "time"

// Entity is implemented by any domain record eligible for replication from
// the secure store into the isolated store. Embed Record to get the common
// fields and accessors; the concrete type only supplies EntityType.
type Entity interface {
	// EntityType returns the stable type identifier used on the wire and in
	// the stores, e.g. "profiles.address".
	EntityType() string
	// Key identifies this record within its type.
	Key() string
	Session() string
	SetSession(sessionID string)
	ExpiresAt() time.Time
	SetExpiresAt(t time.Time)
}

// Related marks entity types whose relations should be walked when a sync
// is asked to include related records. Implementing this is the explicit
// opt-in for the walk; there is no runtime type inspection.
type Related interface {
	RelatedEntities() []Entity
}

// Record is the embeddable portion common to all replicated entities.
// SessionID and DataExpiresAt are set by the sync engine, never by callers.
type Record struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	DataExpiresAt time.Time `json:"data_expires_at"`
}

func (r *Record) Key() string { return r.ID }

func (r *Record) Session() string { return r.SessionID }

func (r *Record) SetSession(sessionID string) { r.SessionID = sessionID }

func (r *Record) ExpiresAt() time.Time { return r.DataExpiresAt }

func (r *Record) SetExpiresAt(t time.Time) { r.DataExpiresAt = t }
