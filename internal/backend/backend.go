// Package backend implements one router-side connection to a MariaDB/MySQL
// backend server: its authentication state machine, its reply-progression
// state machine for tracking multi-packet result sets, and the error
// classification needed to decide whether a backend fault is transient,
// a cluster-membership event, or fatal.
//
// Grounded on the teacher's clientConn backend handling in
// mariadb/mariadb.go (readBackendPacket/execBackendQuery's EOF counting),
// generalized from a blocking collect-everything loop into an incremental
// state machine the router can drive packet by packet.
package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/history"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/maxerror"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

// AuthState is the authentication handshake progress of a backend
// connection.
type AuthState int

const (
	AuthInit AuthState = iota
	AuthPendingConnect
	AuthConnected
	AuthMessageRead
	AuthResponseSent
	AuthComplete
	AuthFailed
	AuthHandshakeFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthInit:
		return "INIT"
	case AuthPendingConnect:
		return "PENDING_CONNECT"
	case AuthConnected:
		return "CONNECTED"
	case AuthMessageRead:
		return "AUTH_MESSAGE_READ"
	case AuthResponseSent:
		return "AUTH_RESPONSE_SENT"
	case AuthComplete:
		return "AUTH_COMPLETE"
	case AuthFailed:
		return "AUTH_FAILED"
	case AuthHandshakeFailed:
		return "HANDSHAKE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// ReplyState tracks how far a result, currently streaming in from the
// backend, has progressed. A query response is one of: a single OK/ERR
// packet, or a result set (column count, column definitions, an optional
// column EOF, row packets, a trailing EOF/OK).
type ReplyState int

const (
	ReplyIdle ReplyState = iota
	ReplyExpectFirst
	ReplyExpectColumnDefs
	ReplyExpectColumnEOF
	ReplyExpectRows
	ReplyDone
	ReplyErrorLatched
)

func (s ReplyState) String() string {
	switch s {
	case ReplyIdle:
		return "IDLE"
	case ReplyExpectFirst:
		return "EXPECT_FIRST"
	case ReplyExpectColumnDefs:
		return "EXPECT_COLUMN_DEFS"
	case ReplyExpectColumnEOF:
		return "EXPECT_COLUMN_EOF"
	case ReplyExpectRows:
		return "EXPECT_ROWS"
	case ReplyDone:
		return "DONE"
	case ReplyErrorLatched:
		return "ERROR_LATCHED"
	default:
		return "UNKNOWN"
	}
}

// FaultClass classifies a backend-originated error so the router can decide
// whether to retry, quarantine, or treat the session as unrecoverable.
type FaultClass int

const (
	FaultNone FaultClass = iota
	FaultTransientRollback
	FaultWsrepNotReady
	FaultShutdownLike
	FaultOther
)

// transientRollbackErrnos are the InnoDB/Galera 40xxx deadlock and lock
// wait timeout codes that a statement replay can simply retry.
var transientRollbackErrnos = map[uint16]bool{
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	1614: true, // ER_XA_RBDEADLOCK (wsrep)
	4020: true, // ER_WSREP_CONFLICT_ABORTED style codes begin here
}

// wsrepNotReadyErrnos mark a Galera node that is temporarily non-primary or
// desynced; the backend is still alive but cannot serve writes.
var wsrepNotReadyErrnos = map[uint16]bool{
	1047: true, // ER_UNKNOWN_COM_ERROR, wsrep emits this when not ready
}

// shutdownLikeErrnos indicate the backend is going away and should be
// quarantined rather than retried in place.
var shutdownLikeErrnos = map[uint16]bool{
	1053: true, // ER_SERVER_SHUTDOWN
	4031: true, // ER_CLIENT_INTERACTION_TIMEOUT family used during drain
}

// ClassifyError inspects a parsed ERR packet's errno/sqlstate and assigns
// it a FaultClass, per spec §4.D's recovery table.
func ClassifyError(errno uint16, sqlState string) FaultClass {
	switch {
	case transientRollbackErrnos[errno]:
		return FaultTransientRollback
	case wsrepNotReadyErrnos[errno] || sqlState == "08S01":
		return FaultWsrepNotReady
	case shutdownLikeErrnos[errno]:
		return FaultShutdownLike
	default:
		return FaultOther
	}
}

// ParseErrPacket extracts errno and sqlstate from an ERR payload (the
// 0xff marker byte already stripped is NOT assumed; payload[0] must be
// proto.ERRHeader).
func ParseErrPacket(payload []byte) (errno uint16, sqlState string, message string, ok bool) {
	if len(payload) < 3 || payload[0] != proto.ERRHeader {
		return 0, "", "", false
	}
	errno = binary.LittleEndian.Uint16(payload[1:3])
	pos := 3
	if len(payload) > pos && payload[pos] == '#' {
		if len(payload) < pos+6 {
			return errno, "", "", true
		}
		sqlState = string(payload[pos+1 : pos+6])
		pos += 6
	}
	message = string(payload[pos:])
	return errno, sqlState, message, true
}

// Reply drives the per-statement reply-progression state machine for one
// backend connection. It is not safe for concurrent use; a backend
// connection is driven by exactly one goroutine (spec §2's single-threaded
// cooperative model).
type Reply struct {
	state     ReplyState
	colCount  uint64
	colsSeen  int
	capability uint32
}

// NewReply creates a reply tracker for a connection with the given client
// capability flags (ClientDeprecateEOF changes whether a column EOF packet
// is sent).
func NewReply(capability uint32) *Reply {
	return &Reply{state: ReplyIdle, capability: capability}
}

// Begin resets the tracker for a newly dispatched statement.
func (r *Reply) Begin() {
	r.state = ReplyExpectFirst
	r.colCount = 0
	r.colsSeen = 0
}

// State returns the tracker's current state.
func (r *Reply) State() ReplyState { return r.state }

// Feed advances the state machine by one backend packet and reports
// whether the reply is now fully received (done) and, if so, whether it
// ended in an error.
func (r *Reply) Feed(payload []byte) (done bool, isError bool) {
	if len(payload) == 0 {
		return false, false
	}

	switch r.state {
	case ReplyExpectFirst:
		switch payload[0] {
		case proto.OKHeader:
			r.state = ReplyDone
			return true, false
		case proto.ERRHeader:
			r.state = ReplyErrorLatched
			return true, true
		case proto.LocalInfileHeader:
			r.state = ReplyDone
			return true, false
		default:
			n, _, _ := proto.ReadLengthEncodedInt(payload)
			r.colCount = n
			r.colsSeen = 0
			if r.colCount == 0 {
				r.state = ReplyDone
				return true, false
			}
			r.state = ReplyExpectColumnDefs
			return false, false
		}

	case ReplyExpectColumnDefs:
		if payload[0] == proto.EOFHeader && len(payload) < 9 {
			if r.capability&proto.ClientDeprecateEOF != 0 {
				// No EOF expected; this packet is actually a row, but under
				// deprecate-EOF a 0xfe prefix longer than 9 bytes would be a
				// row, and a short one here is ambiguous only in theory
				// since column definitions never start with 0xfe.
			}
			r.state = ReplyExpectColumnEOF
			return r.afterColumnEOF()
		}
		r.colsSeen++
		if r.colsSeen >= int(r.colCount) {
			if r.capability&proto.ClientDeprecateEOF != 0 {
				r.state = ReplyExpectRows
				return false, false
			}
			r.state = ReplyExpectColumnEOF
		}
		return false, false

	case ReplyExpectColumnEOF:
		return r.afterColumnEOF()

	case ReplyExpectRows:
		switch payload[0] {
		case proto.EOFHeader:
			if len(payload) < 9 {
				r.state = ReplyDone
				return true, false
			}
			return false, false
		case proto.ERRHeader:
			r.state = ReplyErrorLatched
			return true, true
		case proto.OKHeader:
			if r.capability&proto.ClientDeprecateEOF != 0 {
				r.state = ReplyDone
				return true, false
			}
			return false, false
		default:
			return false, false
		}

	default:
		return true, r.state == ReplyErrorLatched
	}
}

func (r *Reply) afterColumnEOF() (done bool, isError bool) {
	r.state = ReplyExpectRows
	return false, false
}

// Conn is one router-to-backend connection.
type Conn struct {
	mu         sync.Mutex
	identity   string // server name/address, used as the psmap/history key
	netConn    net.Conn
	framer     *proto.Framer
	seq        byte
	auth       AuthState
	reply      *Reply
	sub        *history.Subscriber
	quarantine bool
}

// Dial opens a TCP (or unix, if network=="unix") connection to a backend
// and wraps it for protocol-aware use.
func Dial(network, address, identity string) (*Conn, error) {
	nc, err := net.Dial(network, address)
	if err != nil {
		return nil, maxerror.Wrap(maxerror.KindBackendUnreachable, "dial backend "+identity, err)
	}
	return NewConn(nc, identity), nil
}

// NewConn wraps an already-established net.Conn (e.g. a net.Pipe half in
// tests, or a connection accepted from a listener) as a backend
// connection.
func NewConn(nc net.Conn, identity string) *Conn {
	return &Conn{
		identity: identity,
		netConn:  nc,
		framer:   proto.NewFramer(nc),
		auth:     AuthPendingConnect,
		reply:    NewReply(proto.DefaultServerCapability),
	}
}

// Identity returns the backend's stable name, used as the psmap/history
// subscriber key.
func (c *Conn) Identity() string { return c.identity }

// AttachHistorySubscriber wires this connection into a session's command
// history for session-command consistency checking.
func (c *Conn) AttachHistorySubscriber(sub *history.Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub = sub
}

// Subscriber returns the attached history subscriber, if any.
func (c *Conn) Subscriber() *history.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// SetAuthState transitions the connection's authentication state.
func (c *Conn) SetAuthState(s AuthState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = s
}

// GetAuthState returns the connection's current authentication state.
func (c *Conn) GetAuthState() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// Quarantined reports whether the connection has been marked unusable
// following a ShutdownLike or unrecoverable fault.
func (c *Conn) Quarantined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quarantine
}

// Quarantine marks the connection unusable; the router must replace it.
func (c *Conn) Quarantine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quarantine = true
}

// WritePacket sends payload to the backend as a single logical packet,
// using the connection's own sequence counter, splitting on 16MiB
// boundaries via proto.Split.
func (c *Conn) WritePacket(payload []byte) error {
	wire, next := proto.Split(payload, c.seq)
	c.seq = next
	if _, err := c.netConn.Write(wire); err != nil {
		return maxerror.Wrap(maxerror.KindBackendUnreachable, "write to backend "+c.identity, err)
	}
	return nil
}

// ResetSequence resets the outgoing sequence counter, called at the start
// of every new client-originated command per the protocol's per-command
// sequence reset rule.
func (c *Conn) ResetSequence() { c.seq = 0 }

// ReadPacket reads one reassembled logical packet from the backend.
func (c *Conn) ReadPacket() ([]byte, byte, error) {
	payload, seq, err := c.framer.Next()
	if err != nil {
		if err == io.EOF {
			return nil, 0, maxerror.Wrap(maxerror.KindBackendUnreachable, "backend "+c.identity+" closed connection", err)
		}
		return nil, 0, maxerror.Wrap(maxerror.KindProtocolFraming, "reading from backend "+c.identity, err)
	}
	return payload, seq, nil
}

// BeginReply starts tracking a fresh statement reply.
func (c *Conn) BeginReply() { c.reply.Begin() }

// FeedReply advances the reply tracker and, on completion, reports whether
// the backend needs to be classified for a fault.
func (c *Conn) FeedReply(payload []byte) (done, isError bool) {
	return c.reply.Feed(payload)
}

// ReplyState returns the reply tracker's current state.
func (c *Conn) ReplyState() ReplyState { return c.reply.State() }

// Close closes the underlying network connection and unsubscribes from
// history tracking.
func (c *Conn) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	return c.netConn.Close()
}

// String implements fmt.Stringer for diagnostics.
func (c *Conn) String() string {
	return fmt.Sprintf("backend(%s, auth=%s, reply=%s)", c.identity, c.GetAuthState(), c.ReplyState())
}
