// Package gate holds the request-time state machine that decides whether a
// request can be served from the isolated store or must wait for
// replication to catch up.
package gate

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/pii-shield/pii-shield/internal"
	"github.com/pii-shield/pii-shield/pii"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultRefreshThreshold is how close to expiry a record may get before
// the gate considers it stale and re-triggers synchronization.
const DefaultRefreshThreshold = 300 * time.Second

// DefaultSessionCookie is where the session identifier is read from when no
// SessionKey func is configured.
const DefaultSessionCookie = "piishield_session"

// FreshnessStore answers freshness checks from the isolated store.
type FreshnessStore interface {
	HasFresh(entityType, sessionID string, threshold time.Time) (bool, error)
}

// Trigger asks the source role to publish a session's data.
type Trigger interface {
	RequestSync(sessionID string) error
}

// sessionState is the per-session gate state: whether a sync is in flight
// and where to send the client once it completes.
type sessionState struct {
	syncInProgress bool
	redirectPath   string
}

// Opts configure the gate. Zero values take the documented defaults.
type Opts struct {
	RefreshThreshold time.Duration
	// SessionTimeout bounds how long per-session gate state is kept.
	SessionTimeout time.Duration
	// ExcludedPaths are path prefixes the gate never defers.
	ExcludedPaths []string
	// WaitingPath is where deferred requests are redirected. Empty disables
	// redirects: stale requests then proceed while sync runs behind them.
	WaitingPath string
	// SessionKey extracts the session identifier from a request. Requests
	// without one pass through ungated.
	SessionKey func(*http.Request) string
	Now        func() time.Time
}

// Gate checks data freshness per request, triggers publication for stale
// sessions and defers the caller until the data is ready.
type Gate struct {
	store    FreshnessStore
	registry *pii.Registry
	trigger  Trigger
	opts     Opts

	mu       sync.Mutex
	sessions *ttlcache.Cache[string, *sessionState]
}

func New(store FreshnessStore, registry *pii.Registry, trigger Trigger, opts Opts) *Gate {
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = DefaultRefreshThreshold
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = pii.DefaultSessionTimeout
	}
	if opts.SessionKey == nil {
		opts.SessionKey = func(req *http.Request) string {
			cookie, err := req.Cookie(DefaultSessionCookie)
			if err != nil {
				return ""
			}
			return cookie.Value
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Gate{
		store:    store,
		registry: registry,
		trigger:  trigger,
		opts:     opts,
		sessions: ttlcache.New[string, *sessionState](
			ttlcache.WithTTL[string, *sessionState](opts.SessionTimeout),
		),
	}
	go g.sessions.Start()
	return g
}

func (g *Gate) Teardown() {
	g.sessions.Stop()
}

// Middleware gates every request carrying a session id. Requests whose
// session data is missing or expiring are deferred to the waiting path
// while a sync runs; everything else passes through.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sessionID := g.opts.SessionKey(req)
		if sessionID == "" || g.excluded(req.URL.Path) {
			next.ServeHTTP(w, req)
			return
		}

		if g.inProgress(sessionID) {
			if g.shouldDefer(req.URL.Path) {
				g.rememberPath(sessionID, req.URL.Path)
				http.Redirect(w, req, g.opts.WaitingPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, req)
			return
		}

		if g.fresh(sessionID) {
			next.ServeHTTP(w, req)
			return
		}

		// Data is missing or expiring: mark the sync, remember where the
		// client was going, and ask the source role to publish.
		g.markInProgress(sessionID, req.URL.Path)
		if err := g.trigger.RequestSync(sessionID); err != nil {
			// Clear the flag so the session is not stuck waiting on a sync
			// that was never requested.
			logger.Err(err).Str("session_id", sessionID).Msg("failed to trigger sync")
			g.clear(sessionID)
		}
		if g.shouldDefer(req.URL.Path) {
			http.Redirect(w, req, g.opts.WaitingPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Ready reports whether the session's data has become fresh, along with the
// path the client originally asked for. A true result clears the gate
// state, so the redirect path is only returned once.
func (g *Gate) Ready(sessionID string) (bool, string) {
	g.mu.Lock()
	redirect := ""
	if item := g.sessions.Get(sessionID); item != nil {
		redirect = item.Value().redirectPath
	}
	g.mu.Unlock()
	if g.fresh(sessionID) {
		return true, redirect
	}
	return false, redirect
}

// fresh runs the freshness check: every registered type must have at least
// one record for this session expiring after now + RefreshThreshold. Any
// check error is treated as not fresh. Success clears the gate state.
func (g *Gate) fresh(sessionID string) bool {
	threshold := g.opts.Now().Add(g.opts.RefreshThreshold)
	for _, entityType := range g.registry.Registered() {
		ok, err := g.store.HasFresh(entityType, sessionID, threshold)
		if err != nil {
			// fail closed: unknown means unavailable
			logger.Err(&internal.GateError{Err: err}).
				Str("session_id", sessionID).
				Str("entity_type", entityType).
				Msg("freshness check failed")
			return false
		}
		if !ok {
			return false
		}
	}
	g.clear(sessionID)
	return true
}

func (g *Gate) excluded(path string) bool {
	for _, prefix := range g.opts.ExcludedPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Gate) shouldDefer(path string) bool {
	return g.opts.WaitingPath != "" && path != g.opts.WaitingPath
}

func (g *Gate) inProgress(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	item := g.sessions.Get(sessionID)
	return item != nil && item.Value().syncInProgress
}

func (g *Gate) markInProgress(sessionID, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions.Set(sessionID, &sessionState{syncInProgress: true, redirectPath: path}, ttlcache.DefaultTTL)
}

func (g *Gate) rememberPath(sessionID, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	item := g.sessions.Get(sessionID)
	if item == nil {
		g.sessions.Set(sessionID, &sessionState{syncInProgress: true, redirectPath: path}, ttlcache.DefaultTTL)
		return
	}
	item.Value().redirectPath = path
}

func (g *Gate) clear(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions.Delete(sessionID)
}
