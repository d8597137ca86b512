package history

import "testing"

func TestAddAndCanRecoverState(t *testing.T) {
	h := New(4, false)
	for i := uint32(1); i <= 4; i++ {
		h.Add(i, []byte{byte(i)}, true)
	}
	if !h.CanRecoverState() {
		t.Fatal("history within limit should be recoverable")
	}
	h.Add(5, []byte{5}, true)
	if h.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", h.Len())
	}
	if !h.Pruned() {
		t.Fatal("expected pruned=true after exceeding max with allow_pruning=false")
	}
	if h.CanRecoverState() {
		t.Fatal("pruned history without allow_pruning should not be recoverable")
	}
}

func TestDuplicateEliminationMovesToTail(t *testing.T) {
	h := New(10, true)
	payload := []byte("SET SQL_MODE=''")
	h.Add(1, payload, true)
	h.Add(2, []byte("USE db"), true)
	h.Add(3, payload, true) // byte-identical re-insertion

	entries := h.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected duplicate elimination to keep 2 entries, got %d", len(entries))
	}
	if entries[len(entries)-1].ID != 3 {
		t.Fatalf("expected the re-inserted entry at the tail, got id=%d", entries[len(entries)-1].ID)
	}
}

func TestPruningUnderCyclicPattern(t *testing.T) {
	h := New(4, true)
	stmts := [][]byte{[]byte("A"), []byte("B"), []byte("C"), []byte("D")}
	id := uint32(1)
	for cycle := 0; cycle < 5; cycle++ {
		for _, s := range stmts {
			h.Add(id, s, true)
			id++
		}
	}
	if h.Len() != 4 {
		t.Fatalf("expected 4 unique entries retained, got %d", h.Len())
	}
	if h.Pruned() {
		t.Fatal("duplicate elimination should have kept size under the limit; pruned should remain false")
	}
}

func TestSubscriberFastMismatchReportedByAddResponse(t *testing.T) {
	h := New(10, false)
	h.Add(1, []byte("SET SQL_MODE='ANSI'"), true) // canonical: OK

	var mismatched bool
	sub := h.Subscribe(func() { mismatched = true })
	sub.SetCurrentID(1)
	ok := sub.AddResponse(false) // this backend said ERR
	if ok {
		t.Fatal("expected mismatch against canonical OK")
	}
	_ = mismatched
}

func TestSlowCanonicalEarlyDivergent(t *testing.T) {
	h := New(10, false)

	var mismatchFired int
	sub := h.Subscribe(func() { mismatchFired++ })

	// Slave responds OK before the canonical (master) outcome is known.
	sub.SetCurrentID(1)
	optimistic := sub.AddResponse(true)
	if !optimistic {
		t.Fatal("AddResponse before canonical arrives should optimistically return true")
	}

	// Canonical outcome arrives: ERR.
	h.Add(1, []byte("SET SQL_MODE='ANSI'"), false)
	h.CheckEarlyResponses(1, false)

	if mismatchFired != 1 {
		t.Fatalf("expected exactly one mismatch callback, got %d", mismatchFired)
	}
}

func TestSubscriberPositionNeverExceedsTail(t *testing.T) {
	h := New(10, false)
	h.Add(1, []byte("SET a=1"), true)
	h.Add(2, []byte("SET a=2"), true)

	sub := h.Subscribe(func() {})
	sub.SetCurrentID(1)
	sub.AddResponse(true)
	sub.SetCurrentID(2)
	sub.AddResponse(true)

	// No public accessor for position; read it through the package's own
	// bookkeeping.
	h.mu.Lock()
	pos := h.subs[sub].position
	tail := h.entries[len(h.entries)-1].ID
	h.mu.Unlock()
	if pos > tail {
		t.Fatalf("subscriber position %d exceeds tail ID %d", pos, tail)
	}
}

func TestIdempotentAddUnderAllowPruning(t *testing.T) {
	h := New(10, true)
	payload := []byte("SET NAMES utf8")
	h.Add(1, payload, true)
	before := h.Len()
	h.Add(2, payload, true)
	if h.Len() != before {
		t.Fatalf("Len() changed from %d to %d on byte-identical re-add", before, h.Len())
	}
}

func TestEraseRemovesEntryAndResponse(t *testing.T) {
	h := New(10, false)
	h.Add(1, []byte("SET a=1"), true)
	if !h.Erase(1) {
		t.Fatal("Erase should report true for an existing entry")
	}
	if h.Len() != 0 {
		t.Fatal("entry should be gone")
	}
}
