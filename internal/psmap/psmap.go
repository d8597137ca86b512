// Package psmap implements the prepared-statement ID map: the
// client-facing ID MaxScale assigns to every COM_STMT_PREPARE, the
// per-backend IDs that statement maps to, and the outgoing packet rewrite
// needed to address the right backend ID on STMT_EXECUTE/FETCH/CLOSE/
// SEND_LONG_DATA/RESET.
//
// Grounded on original_source's psreuse.cc (MYSQL_PS_ID_OFFSET,
// MARIADB_PS_DIRECT_EXEC_ID) and proto's packet byte layout.
package psmap

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/maxerror"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

// idOffset is the byte offset of the 4-byte little-endian statement ID
// within the payload of a STMT_EXECUTE/FETCH/CLOSE/SEND_LONG_DATA/RESET
// packet (the command byte occupies offset 0).
const idOffset = 5 - proto.HeaderLen // offset within the wire packet minus header, see Rewrite

// wireIDOffset is the absolute byte offset within a full wire packet
// (header + payload), matching spec §3's "bytes [5..9)".
const wireIDOffset = 5

// prepareRecord is the bookkeeping kept for one client-facing prepared
// statement.
type prepareRecord struct {
	originalSQL []byte
	backendIDs  map[string]uint32 // backend identity -> backend-local ID
}

// Map is per-session prepared-statement ID bookkeeping.
type Map struct {
	mu       sync.Mutex
	nextID   uint32
	records  map[uint32]*prepareRecord
	lastID   uint32 // most recently assigned client ID, for the direct-exec sentinel
}

// New creates an empty PS ID map.
func New() *Map {
	return &Map{records: make(map[uint32]*prepareRecord)}
}

// AssignClientID allocates a new monotonically increasing, non-zero
// client-facing ID for a COM_STMT_PREPARE and records its original bytes
// for later replay.
func (m *Map) AssignClientID(prepareSQL []byte) uint32 {
	id := uint32(atomic.AddUint32(&m.nextID, 1))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &prepareRecord{
		originalSQL: append([]byte(nil), prepareSQL...),
		backendIDs:  make(map[string]uint32),
	}
	m.lastID = id
	return id
}

// RecordBackendID records the backend-local ID a given backend assigned to
// clientID's prepared statement, once that backend's COM_STMT_PREPARE OK
// response has arrived.
func (m *Map) RecordBackendID(backend string, clientID, backendID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[clientID]; ok {
		rec.backendIDs[backend] = backendID
	}
}

// Lookup returns the backend-local ID for clientID on backend, if known.
func (m *Map) Lookup(backend string, clientID uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[clientID]
	if !ok {
		return 0, false
	}
	id, ok := rec.backendIDs[backend]
	return id, ok
}

// OriginalSQL returns the original COM_STMT_PREPARE payload for clientID,
// used when replaying a prepare on a replacement backend.
func (m *Map) OriginalSQL(clientID uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[clientID]
	if !ok {
		return nil, false
	}
	return rec.originalSQL, true
}

// Rewrite rewrites the outgoing packet's statement ID in place so that it
// addresses backend's local ID instead of the client-facing one. If the
// client sent the direct-execute sentinel (0xFFFFFFFF), it is first
// resolved to the most recently assigned client ID. Returns a
// *maxerror.Error of KindStateMismatch if no mapping exists for the target
// backend — fatal for that backend connection only, not the session.
func (m *Map) Rewrite(backend string, payload []byte) error {
	if len(payload) < idOffset+4 {
		return maxerror.New(maxerror.KindProtocolFraming, "ps packet too short to contain an id")
	}

	clientID := binary.LittleEndian.Uint32(payload[idOffset : idOffset+4])

	m.mu.Lock()
	if clientID == proto.DirectExecuteID {
		clientID = m.lastID
	}
	m.mu.Unlock()

	backendID, ok := m.Lookup(backend, clientID)
	if !ok {
		return maxerror.New(maxerror.KindStateMismatch, "no backend ps id mapping for client id")
	}

	binary.LittleEndian.PutUint32(payload[idOffset:idOffset+4], backendID)
	return nil
}

// Forget drops the mapping for clientID, called on COM_STMT_CLOSE.
func (m *Map) Forget(clientID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, clientID)
}

// LastAssignedID returns the most recently assigned client-facing ID, used
// to resolve the direct-execute sentinel outside of Rewrite (e.g. by the
// PS reuse cache).
func (m *Map) LastAssignedID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}
