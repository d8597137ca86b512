// Session is the router session state machine (spec component F, "the
// heart of the core"): statement classification, target selection,
// session-command fan-out with canonical-outcome comparison, normal
// statement forwarding, and the entry point transaction replay hooks into.
//
// Grounded on the teacher's clientConn.dispatch/run for the overall
// per-command switch-and-forward shape, generalized from a single fixed
// backend connection into a multi-backend router session.
package router

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/backend"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/classifier"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/history"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/maxerror"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/metrics"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/psmap"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/psreuse"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/trx"
)

// Session is the per-client router state machine. It is not safe for
// concurrent use — spec §5 pins one session to one worker goroutine.
type Session struct {
	mu sync.Mutex

	id string

	pool       *Pool
	classifier classifier.Classifier
	capability uint32

	history *history.History
	trx     *trx.Tracker
	psMap   *psmap.Map
	psReuse *psreuse.Cache

	backends map[string]*backend.Conn
	active   string // currently chosen read target, for CURRENT_BACKEND

	nextSeqID uint32
	clientSeq byte

	replayRetries int
	maxReplayRetries int

	quarantined map[string]bool

	// trxLog holds, in order, every statement issued since the currently
	// open transaction's BEGIN (inclusive), for replay step 3 (spec
	// §4.F.4). It is distinct from the session-command History, which
	// only ever holds SET/USE/PREPARE-class statements.
	trxLog []trxLogEntry

	connector Connector
}

type trxLogEntry struct {
	cmd     byte
	payload []byte
}

// NewSession creates a router session against pool, using classifier for
// statement intake and the given history/PS-reuse tuning.
func NewSession(pool *Pool, c classifier.Classifier, capability uint32, historyMax int, allowPrune, psReuseEnabled bool, maxReplayRetries int) *Session {
	var reuse *psreuse.Cache
	if psReuseEnabled {
		reuse = psreuse.New()
	}
	return &Session{
		pool:             pool,
		classifier:       c,
		capability:       capability,
		history:          history.New(historyMax, allowPrune),
		trx:              trx.New(),
		psMap:            psmap.New(),
		psReuse:          reuse,
		backends:         make(map[string]*backend.Conn),
		active:           pool.MasterName(),
		maxReplayRetries: maxReplayRetries,
		quarantined:      make(map[string]bool),
		id:               uuid.New().String(),
	}
}

// ID returns the session's stable identity, assigned once at creation and
// used by admin's session listing and log correlation across switchover
// and replay.
func (s *Session) ID() string {
	return s.id
}

// AttachBackend registers a live connection under the router's control and
// wires it into the session's history for session-command comparison.
func (s *Session) AttachBackend(identity string, conn *backend.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.history.Subscribe(func() { s.onSubscriberMismatch(identity) })
	conn.AttachHistorySubscriber(sub)
	s.backends[identity] = conn
}

// onSubscriberMismatch implements the deferred-close handling spec §9
// calls for: the mismatch callback must not itself tear down the
// Subscriber, so it only marks the backend quarantined. dispatchSessionCommand
// detaches the backend itself right after reporting the mismatch, and
// dispatchNormal and the fan-out refuse a backend whose Quarantined() is true.
func (s *Session) onSubscriberMismatch(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[identity] = true
	if conn, ok := s.backends[identity]; ok {
		conn.Quarantine()
	}
	metrics.SessionCommandMismatches.WithLabelValues(identity).Inc()
	metrics.BackendQuarantines.WithLabelValues(identity, "session_command_mismatch").Inc()
}

// DetachBackend removes and closes a backend connection, tearing down its
// Subscriber first as spec §9's ownership graph requires.
func (s *Session) DetachBackend(identity string) {
	s.mu.Lock()
	conn, ok := s.backends[identity]
	delete(s.backends, identity)
	delete(s.quarantined, identity)
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Backend returns the connection for identity, if attached.
func (s *Session) Backend(identity string) (*backend.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.backends[identity]
	return c, ok
}

// Dispatch processes one client-originated command (spec §4.F.1) and
// returns the bytes to send back to the client, with sequence numbers
// rewritten to follow the client's own request sequence, matching the
// teacher's forwardBackendResponse convention.
func (s *Session) Dispatch(cmd byte, payload []byte) ([]byte, error) {
	s.mu.Lock()
	s.clientSeq = 0
	s.mu.Unlock()

	class := s.classifier.Classify(cmd, payload)

	var trxClass trx.Classification
	wasActive := s.trx.IsTrxActive()
	if cmd == proto.ComQuery {
		if hint := classifier.ParseRoutingHint(string(payload)); hint.Present {
			class = applyRoutingHint(class, hint)
		}
		trxClass = trx.Classify(string(payload))
		s.trx.Apply(trxClass)
	}
	nowActive := s.trx.IsTrxActive()

	if wasActive || nowActive {
		s.trxLog = append(s.trxLog, trxLogEntry{cmd: cmd, payload: append([]byte(nil), payload...)})
	}

	if cmd == proto.ComStmtPrepare && s.psReuse != nil {
		if resp, handled := s.tryPSReuse(string(payload)); handled {
			return resp, nil
		}
	}

	var resp []byte
	var err error
	if class.Session == classifier.EffectSessionWrite {
		resp, err = s.dispatchSessionCommand(cmd, payload)
	} else {
		var target string
		target, err = s.selectTarget(class)
		if err == nil {
			metrics.QueryTotal.WithLabelValues(target, targetClassLabel(class.Target)).Inc()
			resp, err = s.dispatchNormal(target, cmd, payload)
		}
	}

	if err == nil && wasActive && !nowActive && (trxClass.Trx == trx.EffectCommit || trxClass.Trx == trx.EffectRollback) {
		s.trx.MarkEnded()
		s.trxLog = nil
	}
	return resp, err
}

func targetClassLabel(t classifier.TargetClass) string {
	switch t {
	case classifier.TargetMasterOnly:
		return "master_only"
	case classifier.TargetCurrentBackend:
		return "current_backend"
	case classifier.TargetAllBackends:
		return "all_backends"
	default:
		return "slave_preferred"
	}
}

func applyRoutingHint(c classifier.Classification, hint classifier.RoutingHint) classifier.Classification {
	switch {
	case hint.ToMaster:
		c.Target = classifier.TargetMasterOnly
	case hint.ToSlave:
		c.Target = classifier.TargetSlavePreferred
	case hint.ServerName != "":
		c.Target = classifier.TargetCurrentBackend
	}
	return c
}

// tryPSReuse consults the PS reuse cache for an identical prepare text
// already on this session (spec §4.G). Returns handled=true when the
// cache produced a direct client response (either a reuse OK or a
// short-circuit error) without touching any backend.
func (s *Session) tryPSReuse(sql string) (resp []byte, handled bool) {
	_, okPacket, shortCircuit, found := s.psReuse.Lookup(sql, s.capability)
	if !found {
		metrics.PSReuseMisses.Inc()
		return nil, false
	}
	metrics.PSReuseHits.Inc()
	if shortCircuit != nil {
		return s.frame(shortCircuit), true
	}
	return s.frame(okPacket), true
}

// selectTarget implements spec §4.F.1's target-selection decision table.
func (s *Session) selectTarget(class classifier.Classification) (string, error) {
	s.mu.Lock()
	master := s.pool.MasterName()
	s.mu.Unlock()

	switch {
	case s.trx.IsTrxActive() && !s.trx.IsTrxReadOnly():
		return master, nil
	case class.Target == classifier.TargetMasterOnly || class.Unknown:
		return master, nil
	case class.Target == classifier.TargetCurrentBackend:
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active == "" {
			return master, nil
		}
		return active, nil
	default:
		slave, err := s.pool.SelectSlave()
		if err != nil {
			return master, nil
		}
		s.mu.Lock()
		s.active = slave
		s.mu.Unlock()
		return slave, nil
	}
}

// dispatchNormal forwards a non-session-altering statement to exactly one
// backend and rewrites the backend's reply sequence numbers to continue
// the client's own sequence (spec §4.F.2).
func (s *Session) dispatchNormal(target string, cmd byte, payload []byte) ([]byte, error) {
	conn, ok := s.Backend(target)
	if !ok {
		return nil, maxerror.New(maxerror.KindBackendUnreachable, "no connection for backend "+target)
	}
	if conn.Quarantined() {
		return nil, maxerror.New(maxerror.KindStateMismatch, "backend "+target+" is quarantined for this session")
	}

	wire := append([]byte{cmd}, payload...)
	if isPSCommand(cmd) {
		if err := s.psMap.Rewrite(target, wire); err != nil {
			return nil, err
		}
	}

	metrics.DatabaseQueries.WithLabelValues(target).Inc()

	conn.ResetSequence()
	if err := conn.WritePacket(wire); err != nil {
		if resp, recovered := s.recoverViaReplay(target); recovered {
			return resp, nil
		}
		return nil, err
	}

	resp, fault, err := s.collectReply(conn)
	if err != nil {
		if resp, recovered := s.recoverViaReplay(target); recovered {
			return resp, nil
		}
		return nil, err
	}
	if isReplayableFault(fault) {
		if replayed, recovered := s.recoverViaReplay(target); recovered {
			return replayed, nil
		}
	}
	return resp, nil
}

// isReplayableFault reports whether fault is one of the classes spec §7's
// recovery table routes through automatic transaction replay rather than
// surfacing straight to the client: a transient deadlock/lock-wait that a
// retry on the same data will clear, a Galera node not ready for writes, or
// a backend that is shutting down.
func isReplayableFault(fault backend.FaultClass) bool {
	switch fault {
	case backend.FaultTransientRollback, backend.FaultWsrepNotReady, backend.FaultShutdownLike:
		return true
	default:
		return false
	}
}

// recoverViaReplay attempts automatic transaction replay (spec §4.F.4, §7)
// after faulted has failed a write/read or returned a replayable fault
// classification while a transaction was open on it. recovered is true
// only when replay succeeded and resp is the faulted statement's own
// reply, already produced by replay's re-dispatch against the replacement
// backend — the caller must not dispatch the statement a second time.
func (s *Session) recoverViaReplay(faulted string) (resp []byte, recovered bool) {
	if !s.trx.IsTrxActive() {
		return nil, false
	}
	resp, err := s.ReplayTransaction(faulted)
	if err != nil {
		return nil, false
	}
	return resp, true
}

// collectReply drains one full reply from conn (spec §4.D's reply
// progression) and reframes it under the session's client-facing sequence
// counter. fault reports the backend.FaultClass of a terminal ERR reply
// (backend.FaultNone otherwise), so callers can decide whether the outcome
// is eligible for automatic transaction replay (spec §7).
func (s *Session) collectReply(conn *backend.Conn) (out []byte, fault backend.FaultClass, err error) {
	conn.BeginReply()
	for {
		pkt, _, err := conn.ReadPacket()
		if err != nil {
			return nil, backend.FaultNone, err
		}
		out = append(out, s.frame(pkt)...)

		done, isErr := conn.FeedReply(pkt)
		if done {
			if isErr {
				if errno, sqlState, _, ok := backend.ParseErrPacket(pkt); ok {
					fault = backend.ClassifyError(errno, sqlState)
				}
			}
			return out, fault, nil
		}
	}
}

// frame wraps one backend-originated payload in a wire packet using the
// session's own monotonically increasing client sequence counter.
func (s *Session) frame(payload []byte) []byte {
	s.mu.Lock()
	s.clientSeq++
	seq := s.clientSeq
	s.mu.Unlock()
	return proto.PutPacket(payload, seq)
}

func isPSCommand(cmd byte) bool {
	switch cmd {
	case proto.ComStmtExecute, proto.ComStmtFetch, proto.ComStmtClose, proto.ComStmtSendLongData, proto.ComStmtReset:
		return true
	default:
		return false
	}
}

// dispatchSessionCommand fans a session-altering statement out to every
// live backend, assigns it a monotonic history ID, and resolves the
// canonical outcome per spec §4.F.3. COM_STMT_PREPARE and COM_STMT_CLOSE
// also drive the prepared-statement ID map and reuse cache (spec §4.B,
// §4.G): a prepare gets MaxScale's own client-facing ID recorded against
// each backend's own reply ID, and a close retires both.
func (s *Session) dispatchSessionCommand(cmd byte, payload []byte) ([]byte, error) {
	s.mu.Lock()
	s.nextSeqID++
	seqID := s.nextSeqID
	canonicalName := s.active
	if canonicalName == "" {
		canonicalName = s.pool.MasterName()
	}
	targets := s.pool.LiveBackends()
	s.mu.Unlock()

	wire := append([]byte{cmd}, payload...)

	var clientID uint32
	preparing := cmd == proto.ComStmtPrepare
	if preparing {
		clientID = s.psMap.AssignClientID(payload)
	}
	if cmd == proto.ComStmtClose && len(payload) >= 4 {
		closingID := binary.LittleEndian.Uint32(payload[0:4])
		s.psMap.Forget(closingID)
		if s.psReuse != nil {
			s.psReuse.Close(closingID)
		}
	}

	type result struct {
		identity string
		resp     []byte
		ok       bool
		err      error
		fault    backend.FaultClass
		framed   bool // true when resp is already client-framed (replay recovery)
	}
	results := make(map[string]result, len(targets))

	for _, identity := range targets {
		conn, ok := s.Backend(identity)
		if !ok || conn.Quarantined() {
			continue
		}
		if sub := conn.Subscriber(); sub != nil {
			sub.SetCurrentID(seqID)
		}
		conn.ResetSequence()
		if err := conn.WritePacket(wire); err != nil {
			results[identity] = result{identity: identity, err: err}
			continue
		}
		resp, err := s.collectReplyRaw(conn)
		if err != nil {
			results[identity] = result{identity: identity, err: err}
			continue
		}
		ok := len(resp) > 0 && resp[0] != proto.ERRHeader
		var fault backend.FaultClass
		if !ok {
			if errno, sqlState, _, parsed := backend.ParseErrPacket(resp); parsed {
				fault = backend.ClassifyError(errno, sqlState)
			}
		}
		if preparing && ok && len(resp) >= 5 {
			backendID := binary.LittleEndian.Uint32(resp[1:5])
			s.psMap.RecordBackendID(identity, clientID, backendID)
		}
		if sub := conn.Subscriber(); sub != nil {
			if !sub.AddResponse(ok) {
				s.onSubscriberMismatch(identity)
				s.DetachBackend(identity)
			}
		}
		results[identity] = result{identity: identity, resp: resp, ok: ok, fault: fault}
	}

	canonical, ok := results[canonicalName]
	if (!ok || canonical.err != nil || isReplayableFault(canonical.fault)) && s.trx.IsTrxActive() {
		if framedResp, recovered := s.recoverViaReplay(canonicalName); recovered {
			canonicalName = s.Active()
			replayOK := len(framedResp) >= 5 && framedResp[4] != proto.ERRHeader
			if preparing && replayOK && len(framedResp) >= 9 {
				backendID := binary.LittleEndian.Uint32(framedResp[5:9])
				s.psMap.RecordBackendID(canonicalName, clientID, backendID)
			}
			canonical = result{identity: canonicalName, resp: framedResp, ok: replayOK, framed: true}
			ok = true
		}
	}
	if !ok || canonical.err != nil {
		for _, r := range results {
			if r.err == nil {
				canonical = r
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, maxerror.New(maxerror.KindBackendUnreachable, "no backend produced a session-command outcome")
	}

	if preparing && canonical.ok {
		idOffset := 1
		if canonical.framed {
			idOffset += proto.HeaderLen
		}
		if len(canonical.resp) >= idOffset+4 {
			binary.LittleEndian.PutUint32(canonical.resp[idOffset:idOffset+4], clientID)
		}
		if s.psReuse != nil && !canonical.framed {
			s.psReuse.Store(string(payload), clientID, canonical.resp)
		}
	}

	prunedBefore := s.history.Pruned()
	s.history.Add(seqID, payload, canonical.ok)
	if !prunedBefore && s.history.Pruned() {
		metrics.HistoryPrunes.Inc()
	}
	s.history.CheckEarlyResponses(seqID, canonical.ok)

	for identity, r := range results {
		if identity == canonicalName || r.err != nil {
			continue
		}
		if r.ok != canonical.ok {
			s.onSubscriberMismatch(identity)
			s.DetachBackend(identity)
		}
	}

	if canonical.framed {
		return canonical.resp, nil
	}
	return s.frame(canonical.resp), nil
}

// collectReplyRaw drains one full reply without rewriting its sequence
// numbers, for internal comparison purposes (session commands only return
// the canonical reply to the client, framed separately).
func (s *Session) collectReplyRaw(conn *backend.Conn) ([]byte, error) {
	conn.BeginReply()
	var out []byte
	for {
		pkt, _, err := conn.ReadPacket()
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			out = append(out, pkt...)
		}
		done, _ := conn.FeedReply(pkt)
		if done {
			return out, nil
		}
	}
}

// History exposes the session's command history for replay and admin
// introspection.
func (s *Session) History() *history.History { return s.history }

// Transaction exposes the session's transaction tracker.
func (s *Session) Transaction() *trx.Tracker { return s.trx }

// Active returns the session's currently chosen read target, for admin
// introspection of which backend a session would be affected by a drain.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// String implements fmt.Stringer for diagnostics.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session(id=%s, active=%s, backends=%d, trx_active=%v)", s.id, s.active, len(s.backends), s.trx.IsTrxActive())
}
