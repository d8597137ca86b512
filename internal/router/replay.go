// Transaction replay (spec §4.F.4): when an open transaction's backend
// faults mid-flight, the router may transparently move the session to a
// same-tier replacement, replaying the session-command history and the
// open transaction's own statements, provided no non-deterministic result
// has already been streamed to the client.
package router

import (
	"regexp"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/backend"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/maxerror"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/metrics"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

// Connector dials a fresh backend connection for a given pool identity,
// injected by the caller (internal/frontend's Listener) so this package
// never imports net.Dial particulars directly.
type Connector func(identity string) (*backend.Conn, error)

// SetConnector installs the dialer replay uses to establish a replacement
// backend connection. Must be called before ReplayTransaction can succeed.
func (s *Session) SetConnector(c Connector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connector = c
}

// nonDeterministic matches functions whose result cannot be reproduced
// identically on a replacement backend, per spec §4.F.4's replay-forbidden
// list.
var nonDeterministic = regexp.MustCompile(`(?is)\b(UUID\s*\(|RAND\s*\(|CONNECTION_ID\s*\(|NOW\s*\(\s*[1-9]|SYSDATE\s*\(\s*[1-9])`)

// streamedNonDeterministic reports whether any statement already issued in
// the current transaction log used a non-deterministic function, which
// forbids replay once partial results have reached the client.
func (s *Session) streamedNonDeterministic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.trxLog {
		if e.cmd == proto.ComQuery && nonDeterministic.Match(e.payload) {
			return true
		}
	}
	return false
}

// ReplayTransaction implements spec §4.F.4. faulted is the identity of the
// backend that just failed while a transaction was open on it. On success
// the session's active target is the new backend's identity and resp is
// the client-facing reply to the transaction's own last statement — the
// one being dispatched at the moment faulted failed, already present at
// the tail of the transaction log by the time a caller detects the fault
// and asks for replay — so the caller must forward resp to the client
// directly rather than re-dispatching that statement a second time. On
// failure the transaction must be reported lost to the client (the caller
// closes the client connection or returns an error, per spec's "no silent
// data loss" invariant).
func (s *Session) ReplayTransaction(faulted string) (resp []byte, err error) {
	metrics.ReplayAttempts.Inc()
	defer func() {
		if err != nil {
			metrics.ReplayFailures.WithLabelValues(maxerror.KindOf(err).String()).Inc()
			return
		}
		metrics.ReplaySuccesses.Inc()
	}()

	s.mu.Lock()
	active := s.trx.IsTrxActive()
	retries := s.replayRetries
	maxRetries := s.maxReplayRetries
	connector := s.connector
	canRecover := s.history.CanRecoverState()
	trxLog := append([]trxLogEntry(nil), s.trxLog...)
	s.mu.Unlock()

	if !active {
		return nil, maxerror.New(maxerror.KindStateMismatch, "replay requested with no open transaction")
	}
	if !canRecover {
		return nil, maxerror.New(maxerror.KindReplayUnsafe, "session history cannot be recovered for replay")
	}
	if retries >= maxRetries {
		return nil, maxerror.New(maxerror.KindReplayUnsafe, "replay retry budget exhausted")
	}
	if connector == nil {
		return nil, maxerror.New(maxerror.KindReplayUnsafe, "no connector installed for replacement backend dial")
	}
	if s.streamedNonDeterministic() {
		return nil, maxerror.New(maxerror.KindReplayUnsafe, "non-deterministic result already streamed to client")
	}

	replacement, err := s.pool.ReplacementFor(faulted)
	if err != nil {
		return nil, maxerror.Wrap(maxerror.KindReplayUnsafe, "selecting replacement backend", err)
	}

	newConn, err := connector(replacement)
	if err != nil {
		return nil, maxerror.Wrap(maxerror.KindBackendUnreachable, "dialing replacement backend "+replacement, err)
	}

	s.mu.Lock()
	s.replayRetries++
	s.mu.Unlock()

	s.DetachBackend(faulted)
	s.AttachBackend(replacement, newConn)

	// Step 1: replay session-command history so the replacement's session
	// state (SET, USE, PREPARE) matches every other live backend's.
	for _, entry := range s.history.Entries() {
		wire := append([]byte{proto.ComQuery}, entry.Payload...)
		newConn.ResetSequence()
		if err := newConn.WritePacket(wire); err != nil {
			s.DetachBackend(replacement)
			return nil, maxerror.Wrap(maxerror.KindBackendUnreachable, "replaying history entry", err)
		}
		hresp, err := s.collectReplyRaw(newConn)
		if err != nil {
			s.DetachBackend(replacement)
			return nil, maxerror.Wrap(maxerror.KindBackendUnreachable, "reading replayed history reply", err)
		}
		ok := len(hresp) > 0 && hresp[0] != proto.ERRHeader
		canonical, known := s.history.Response(entry.ID)
		if known && ok != canonical {
			s.DetachBackend(replacement)
			return nil, maxerror.New(maxerror.KindStateMismatch, "replacement backend diverged replaying session history")
		}
	}

	// Step 2: re-issue the open transaction's own statements, including
	// its BEGIN. The last entry is the statement that was in flight when
	// faulted failed, so its reply is captured client-framed and handed
	// back instead of being discarded like the earlier entries'.
	var lastReply []byte
	for i, entry := range trxLog {
		wire := append([]byte{entry.cmd}, entry.payload...)
		newConn.ResetSequence()
		if err := newConn.WritePacket(wire); err != nil {
			s.DetachBackend(replacement)
			return nil, maxerror.Wrap(maxerror.KindBackendUnreachable, "replaying transaction statement", err)
		}
		if i == len(trxLog)-1 {
			reply, _, err := s.collectReply(newConn)
			if err != nil {
				s.DetachBackend(replacement)
				return nil, maxerror.Wrap(maxerror.KindBackendUnreachable, "reading replayed transaction reply", err)
			}
			lastReply = reply
			continue
		}
		if _, err := s.collectReplyRaw(newConn); err != nil {
			s.DetachBackend(replacement)
			return nil, maxerror.Wrap(maxerror.KindBackendUnreachable, "reading replayed transaction reply", err)
		}
	}

	s.mu.Lock()
	s.active = replacement
	s.mu.Unlock()
	return lastReply, nil
}
