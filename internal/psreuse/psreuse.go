// Package psreuse implements the optional per-session prepared-statement
// reuse cache (spec component G): deduplicating identical COM_STMT_PREPARE
// text issued multiple times on the same session.
//
// Grounded on original_source/server/modules/filter/psreuse/psreuse.cc.
package psreuse

import (
	"sync"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

// errnoMaxPreparedStmtCount, sqlStateGeneral and msgAlreadyPrepared are
// the exact errno/sqlstate/message MaxScale's
// psreuse filter returns when a client tries to prepare the same statement
// text while the previous handle is still open.
const (
	errnoMaxPreparedStmtCount = 1461
	sqlStateGeneral           = "HY000"
	msgAlreadyPrepared        = "Cannot prepare the same statement multiple times"
)

// entry is one cached prepared statement.
type entry struct {
	clientID uint32
	okPacket []byte
	active   bool
}

// Cache is a per-session SQL-text -> prepared-statement cache.
type Cache struct {
	mu      sync.Mutex
	byText  map[string]*entry
	byID    map[uint32]*entry
	lastID  uint32
}

// New creates an empty reuse cache.
func New() *Cache {
	return &Cache{
		byText: make(map[string]*entry),
		byID:   make(map[uint32]*entry),
	}
}

// Lookup checks whether sql has already been prepared on this session.
// If found and still active, found is true and shortCircuit is a synthesized
// error packet the caller should send directly to the client. If found
// and not active, found is true and reusedID/okPacket should be replayed to
// the client as if a fresh prepare had completed.
func (c *Cache) Lookup(sql string, capability uint32) (reusedID uint32, okPacket []byte, shortCircuit []byte, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byText[sql]
	if !ok {
		return 0, nil, nil, false
	}

	if e.active {
		return 0, nil, proto.WriteErrorPacket(errnoMaxPreparedStmtCount, sqlStateGeneral, msgAlreadyPrepared, capability), true
	}

	e.active = true
	c.lastID = e.clientID
	return e.clientID, e.okPacket, nil, true
}

// Store records a freshly prepared statement's text, client ID and OK
// packet for future reuse.
func (c *Cache) Store(sql string, clientID uint32, okPacket []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{clientID: clientID, okPacket: append([]byte(nil), okPacket...), active: true}
	c.byText[sql] = e
	c.byID[clientID] = e
	c.lastID = clientID
}

// Close marks clientID's handle inactive (COM_STMT_CLOSE) without evicting
// the cached text, so a later re-prepare can still reuse it.
func (c *Cache) Close(clientID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[clientID]; ok {
		e.active = false
	}
}

// ResolveDirectExecute returns the most recently prepared client ID, for
// substituting the 0xFFFFFFFF "direct execute last prepared" sentinel.
func (c *Cache) ResolveDirectExecute() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}
