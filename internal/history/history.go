// Package history implements the session-command history: an ordered,
// size-bounded log of every statement that mutates session state, the
// canonical-response map, and the Subscriber mechanism backends use to
// compare their own replies against the canonical outcome.
//
// Grounded statement-for-statement on MaxScale's server/core/history.cc.
package history

import (
	"bytes"
	"sync"
)

// Entry is one recorded session-altering statement.
type Entry struct {
	ID      uint32
	Payload []byte
}

// History is owned by the session and outlives every Subscriber; it is
// only ever touched from the session's single worker goroutine, so no
// internal locking is required on that path. The mutex here guards against
// accidental cross-goroutine use (e.g. an admin endpoint reading metrics)
// rather than being load-bearing for the single-threaded design.
type History struct {
	mu        sync.Mutex
	max       int
	allowPrune bool
	entries   []Entry
	responses map[uint32]bool
	pruned    bool

	subs map[*Subscriber]*subInfo
}

type subInfo struct {
	position       uint32
	waitingForResp bool
}

// New creates a History bounded to max entries. If allowPrune is true,
// byte-identical re-insertions replace the earlier entry instead of
// growing the log (spec invariant 3).
func New(max int, allowPrune bool) *History {
	return &History{
		max:        max,
		allowPrune: allowPrune,
		responses:  make(map[uint32]bool),
		subs:       make(map[*Subscriber]*subInfo),
	}
}

// Len returns the number of entries currently retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Pruned reports whether any entry has ever been dropped for being over
// the size limit (independent of duplicate-elimination removals).
func (h *History) Pruned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pruned
}

// Entries returns a snapshot copy of the retained entries in order.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Add records a session-altering statement and its accepted outcome.
func (h *History) Add(id uint32, payload []byte, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.allowPrune {
		for i, e := range h.entries {
			if bytes.Equal(e.Payload, payload) {
				h.entries = append(h.entries[:i], h.entries[i+1:]...)
				break
			}
		}
	}

	h.responses[id] = ok
	h.entries = append(h.entries, Entry{ID: id, Payload: payload})

	if h.max > 0 && len(h.entries) > h.max {
		h.entries = h.entries[1:]
		h.pruned = true
	}

	h.pruneResponsesLocked()
}

// Erase removes the entry (and its recorded response) matching id.
func (h *History) Erase(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	erased := false
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.ID == id {
			erased = true
			continue
		}
		out = append(out, e)
	}
	h.entries = out
	delete(h.responses, id)
	return erased
}

// CanRecoverState reports whether the session's state can be fully
// reconstructed by replaying the retained history (spec invariant,
// History::can_recover_state in the original).
func (h *History) CanRecoverState() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return true
	}
	if h.max <= 0 {
		return false
	}
	return h.allowPrune || !h.pruned
}

// pruneResponsesLocked implements History::prune_responses: the minimum ID
// still potentially needed is the tail's ID, lowered by any subscriber
// still pinned behind it. Using the tail (not the head) as the base bound
// prevents runaway retention when IDs wrap after 2^32 statements.
func (h *History) pruneResponsesLocked() {
	if len(h.entries) == 0 {
		return
	}
	minNeeded := h.entries[len(h.entries)-1].ID

	for sub, info := range h.subs {
		if info.position > 0 && info.position < minNeeded {
			minNeeded = info.position
		} else if cur := sub.currentID(); cur != 0 && cur < minNeeded {
			minNeeded = cur
		}
	}

	for id := range h.responses {
		if id >= minNeeded {
			continue
		}
		if !h.hasEntryLocked(id) {
			delete(h.responses, id)
		}
	}
}

func (h *History) hasEntryLocked(id uint32) bool {
	for _, e := range h.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Subscribe creates a new Subscriber pinned at the current tail of the
// history (or ID 0 if the history is empty).
func (h *History) Subscribe(cb func()) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	var startID uint32
	if len(h.entries) > 0 {
		startID = h.entries[len(h.entries)-1].ID
	}

	s := &Subscriber{history: h, cb: cb, pending: make(map[uint32]bool)}
	h.subs[s] = &subInfo{position: startID}
	return s
}

func (h *History) unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

func (h *History) setPosition(s *Subscriber, id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info, ok := h.subs[s]; ok {
		info.position = id
	}
}

func (h *History) needResponse(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info, ok := h.subs[s]; ok {
		info.waitingForResp = true
	}
}

func (h *History) get(id uint32) (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.responses[id]
	return v, ok
}

// Response returns the recorded canonical outcome for a session-command
// ID, for callers outside the package (replay) that need to compare a
// freshly-replayed backend's outcome against it.
func (h *History) Response(id uint32) (bool, bool) {
	return h.get(id)
}

// CheckEarlyResponses is called once the canonical outcome for id has
// arrived. It walks every subscriber that recorded an early response
// before the canonical one arrived and compares them now, firing each
// mismatching subscriber's callback exactly once.
func (h *History) CheckEarlyResponses(id uint32, success bool) {
	h.mu.Lock()
	var waiting []*Subscriber
	for sub, info := range h.subs {
		if info.waitingForResp {
			info.waitingForResp = false
			waiting = append(waiting, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range waiting {
		if !sub.compareResponses(id, success) {
			sub.cb()
		}
	}
}

// Subscriber is a per-backend handle into the session's History, used to
// compare that backend's session-command replies against the canonical
// outcome. Subscribers must be torn down (Close) before the History.
type Subscriber struct {
	history   *History
	cb        func()
	mu        sync.Mutex
	currentid uint32
	pending   map[uint32]bool
}

// Close tears down the subscription. Must be called exactly once, from the
// owning backend connection's teardown path, before the History.
func (s *Subscriber) Close() {
	s.history.unsubscribe(s)
}

// SetCurrentID records the session-command ID the next AddResponse call
// refers to.
func (s *Subscriber) SetCurrentID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentid = id
}

func (s *Subscriber) currentID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentid
}

// AddResponse reports this subscriber's backend's outcome for the
// statement set by the most recent SetCurrentID. If the canonical outcome
// has already arrived, the comparison happens immediately and the return
// value reports whether it matched (false means the caller should treat
// this backend as quarantined). If the canonical outcome hasn't arrived
// yet, the outcome is recorded for later comparison via
// History.CheckEarlyResponses and AddResponse optimistically returns true.
func (s *Subscriber) AddResponse(success bool) bool {
	s.mu.Lock()
	id := s.currentid
	s.currentid = 0
	s.mu.Unlock()

	if id == 0 {
		return true
	}

	if canonical, ok := s.history.get(id); ok {
		s.history.setPosition(s, id)
		return success == canonical
	}

	s.mu.Lock()
	s.pending[id] = success
	s.mu.Unlock()
	s.history.needResponse(s)
	return true
}

// compareResponses is invoked by History.CheckEarlyResponses once the
// canonical outcome for id is known.
func (s *Subscriber) compareResponses(id uint32, success bool) bool {
	s.mu.Lock()
	got, exists := s.pending[id]
	if exists {
		delete(s.pending, id)
	}
	stillPending := len(s.pending) > 0
	s.mu.Unlock()

	if !exists {
		if stillPending {
			// Still waiting on a different ID; re-arm for the next check.
			s.history.needResponse(s)
		}
		return true
	}

	ok := got == success
	if ok {
		s.history.setPosition(s, id)
	}
	return ok
}
