package pii

import "time"

// DefaultSessionTimeout is how long a replicated record lives in the
// isolated store when no timeout is configured.
const DefaultSessionTimeout = 1800 * time.Second

// ExpirationTime returns the instant at which a record written at now
// should expire. No rounding beyond the clock's own resolution.
func ExpirationTime(now time.Time, timeout time.Duration) time.Time {
	return now.Add(timeout)
}

// IsExpired reports whether the entity expired strictly before now.
func IsExpired(e Entity, now time.Time) bool {
	return e.ExpiresAt().Before(now)
}

// Policy computes expiry timestamps for replicated records. The zero
// timeout means DefaultSessionTimeout; Now is overridable for tests.
type Policy struct {
	Timeout time.Duration
	Now     func() time.Time
}

func NewPolicy(timeout time.Duration) *Policy {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &Policy{Timeout: timeout, Now: time.Now}
}

func (p *Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Stamp sets the entity's expiry to now + timeout.
func (p *Policy) Stamp(e Entity) {
	e.SetExpiresAt(ExpirationTime(p.now(), p.Timeout))
}
