// Forced switchover and drain (spec §4.F.5): the administrative layer asks
// that a backend be taken out of service. New dispatch is refused
// immediately; sessions with an open transaction on that backend get a
// grace period to finish, after which the backend is force-closed and any
// still-open transaction is handed to replay.
package router

import (
	"sync"
	"time"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/maxerror"
)

// Registry tracks every live session so the administrative layer (spec §6's
// admin collaborator) can act across all of them for a drain request.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

// Register adds a session to the registry, called once the session is
// fully constructed and attached to its backends.
func (reg *Registry) Register(s *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.sessions[s] = struct{}{}
}

// Unregister removes a session, called on session teardown.
func (reg *Registry) Unregister(s *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.sessions, s)
}

// Len reports how many sessions are currently registered, for admin
// introspection.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.sessions)
}

// Summaries returns a diagnostic snapshot of every registered session, for
// the admin "list sessions" endpoint.
func (reg *Registry) Summaries() []string {
	sessions := reg.snapshot()
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.String())
	}
	return out
}

func (reg *Registry) snapshot() []*Session {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Session, 0, len(reg.sessions))
	for s := range reg.sessions {
		out = append(out, s)
	}
	return out
}

// activeOn reports whether s currently has name as its active target with
// an open transaction, the condition spec §4.F.5 calls "in-flight" work
// worth a grace period.
func (s *Session) activeOn(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == name && s.trx.IsTrxActive()
}

// Switchover implements spec §4.F.5's drain procedure. It marks name
// draining on pool (refusing it to any session's next target-selection
// call) and waits up to grace for every session with an open transaction
// still pinned to name to finish. It then hands each session still in a
// transaction on name to ReplayTransaction, detaching name from it if the
// replay fails, and detaches name from every other session.
//
// The admin layer's "switchover-force" variant calls this same method
// after skipping its own lagging-slave/lock-in-progress pre-checks —
// those checks have no bearing on the router's own drain/replay mechanics,
// so they live in internal/admin rather than being threaded through here.
func (reg *Registry) Switchover(pool *Pool, name string, grace time.Duration) error {
	pool.Drain(name)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !reg.anySessionActiveOn(name) {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	var firstErr error
	for _, s := range reg.snapshot() {
		if !s.activeOn(name) {
			s.DetachBackend(name)
			continue
		}
		if _, err := s.ReplayTransaction(name); err != nil {
			if firstErr == nil {
				firstErr = maxerror.Wrap(maxerror.KindReplayUnsafe, "switchover replay for session stuck on "+name, err)
			}
			s.DetachBackend(name)
			continue
		}
	}

	return firstErr
}

// ForceClose immediately detaches name from every registered session
// without attempting replay, for the admin "force-close backend" action
// against a backend already known to be gone (as opposed to Switchover's
// graceful, replay-attempting drain of a backend still reachable).
func (reg *Registry) ForceClose(pool *Pool, name string) {
	pool.MarkUnhealthy(name)
	for _, s := range reg.snapshot() {
		s.DetachBackend(name)
	}
}

func (reg *Registry) anySessionActiveOn(name string) bool {
	for _, s := range reg.snapshot() {
		if s.activeOn(name) {
			return true
		}
	}
	return false
}
