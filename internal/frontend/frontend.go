// Package frontend accepts client connections and bridges them into
// internal/router: one handshake pass-through to the pool's master
// backend to establish the session, then a command loop handing every
// client packet to a router.Session and writing its response back.
//
// Grounded on the teacher's clientConn in mariadb/mariadb.go: the same
// "forward the backend's greeting verbatim, forward the client's raw auth
// packet, forward the backend's auth response verbatim" pass-through
// handshake, generalized so the per-command work after the handshake goes
// through a router.Session instead of a single fixed backend connection.
package frontend

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync/atomic"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/auth"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/backend"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/classifier"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/config"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/router"
)

// Listener accepts client connections for one proxy endpoint and wires
// each one into a fresh router.Session against pool.
type Listener struct {
	pool     *router.Pool
	registry *router.Registry

	classifier       classifier.Classifier
	historyMax       int
	allowPrune       bool
	psReuseEnabled   bool
	maxReplayRetries int

	probeUser     string
	probePassword string

	authenticator auth.Authenticator

	connID uint32
}

// NewListener builds a Listener serving sessions against pool, registered
// with reg for admin-layer visibility, configured from snap.
func NewListener(pool *router.Pool, reg *router.Registry, snap *config.Snapshot) *Listener {
	return &Listener{
		pool:             pool,
		registry:         reg,
		classifier:       classifier.New(),
		historyMax:       snap.HistoryMax,
		allowPrune:       snap.HistoryAllowPrune,
		psReuseEnabled:   snap.PSReuseEnabled,
		maxReplayRetries: snap.ReplayMaxRetries,
		probeUser:        snap.ProbeUser,
		probePassword:    snap.ProbePassword,
		authenticator:    authenticatorFor(snap),
	}
}

// authenticatorFor selects the client-facing authenticator from
// config.Snapshot.AuthMode: "pam" maps a configured PAM service user onto
// the native-password backend credential (internal/auth.PAMToNative);
// anything else, including the default "native", forwards the client's
// native-password response unchanged.
func authenticatorFor(snap *config.Snapshot) auth.Authenticator {
	if snap.AuthMode == "pam" {
		return auth.PAMToNative{ServiceUser: snap.PAMServiceUser}
	}
	return auth.NativePassword{}
}

// Serve listens on tcpAddr and, if socketPath is non-empty, also on a unix
// socket, accepting connections until the listeners are closed.
func (l *Listener) Serve(tcpAddr, socketPath string) error {
	tcp, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", tcpAddr, err)
	}
	log.Printf("[frontend] listening on %s (tcp)", tcpAddr)
	go l.acceptLoop(tcp)

	if socketPath != "" {
		unix, err := net.Listen("unix", socketPath)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", socketPath, err)
		}
		log.Printf("[frontend] listening on %s (unix)", socketPath)
		go l.acceptLoop(unix)
	}
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		client, err := ln.Accept()
		if err != nil {
			log.Printf("[frontend] accept error: %v", err)
			return
		}
		id := atomic.AddUint32(&l.connID, 1)
		go l.handleConn(client, id)
	}
}

// splitAddress turns a config address ("host:port" or "unix:/path") into
// a net.Dial network/address pair.
func splitAddress(addr string) (network, dialAddr string) {
	if strings.HasPrefix(addr, "unix:") {
		return "unix", addr[len("unix:"):]
	}
	return "tcp", addr
}

// connect dials identity's configured address and performs the client-role
// login handshake with l's probe credentials, for use as
// router.Connector during replay: unlike the initial client-facing
// handshake (which is a pure pass-through with no credentials of its
// own), a replacement backend dialed mid-session has no client handshake
// to forward, so the router must authenticate itself.
func (l *Listener) connect(identity string) (*backend.Conn, error) {
	addr, ok := l.pool.Address(identity)
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", identity)
	}
	network, dialAddr := splitAddress(addr)
	nc, err := net.Dial(network, dialAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s: %w", identity, err)
	}
	if err := authenticateAsClient(nc, l.probeUser, l.probePassword); err != nil {
		nc.Close()
		return nil, fmt.Errorf("authenticating to backend %s: %w", identity, err)
	}
	return backend.NewConn(nc, identity), nil
}

func (l *Listener) handleConn(client net.Conn, connID uint32) {
	defer client.Close()

	master := l.pool.MasterName()
	addr, ok := l.pool.Address(master)
	if !ok {
		log.Printf("[frontend] conn %d: no address for master backend %q", connID, master)
		return
	}
	network, dialAddr := splitAddress(addr)

	nc, err := net.Dial(network, dialAddr)
	if err != nil {
		log.Printf("[frontend] conn %d: failed to connect to backend: %v", connID, err)
		return
	}
	defer nc.Close()

	capability, err := l.passThroughHandshake(client, nc)
	if err != nil {
		log.Printf("[frontend] conn %d: handshake failed: %v", connID, err)
		return
	}

	bconn := backend.NewConn(nc, master)
	bconn.SetAuthState(backend.AuthComplete)

	sess := router.NewSession(l.pool, l.classifier, capability, l.historyMax, l.allowPrune, l.psReuseEnabled, l.maxReplayRetries)
	sess.AttachBackend(master, bconn)
	sess.SetConnector(l.connect)
	l.registry.Register(sess)
	defer l.registry.Unregister(sess)

	log.Printf("[frontend] conn %d: session %s established on %s", connID, sess.ID(), master)
	l.commandLoop(client, connID, sess)
}

// commandLoop reads one client packet at a time, dispatches it through
// sess, and writes the response back with a freshly reset sequence
// counter, matching the protocol's per-command sequence reset.
func (l *Listener) commandLoop(client net.Conn, connID uint32, sess *router.Session) {
	framer := proto.NewFramer(client)
	for {
		payload, _, err := framer.Next()
		if err != nil {
			if err != io.EOF {
				log.Printf("[frontend] conn %d: session %s: read error: %v", connID, sess.ID(), err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		cmd := payload[0]
		data := payload[1:]

		resp, err := sess.Dispatch(cmd, data)
		if err != nil {
			log.Printf("[frontend] conn %d: session %s: dispatch error: %v", connID, sess.ID(), err)
			errPkt := proto.WriteErrorPacket(2013, "HY000", err.Error(), proto.DefaultServerCapability)
			writeClientPacket(client, errPkt, 1)
			return
		}

		if _, err := client.Write(resp); err != nil {
			return
		}

		if cmd == proto.ComQuit {
			return
		}
	}
}

func writeClientPacket(w io.Writer, payload []byte, startSeq byte) error {
	wire, _ := proto.Split(payload, startSeq)
	_, err := w.Write(wire)
	return err
}

func readFramedPacket(r io.Reader) (payload []byte, seq byte, err error) {
	header := make([]byte, proto.HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	seq = header[3]
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, err
	}
	return payload, seq, nil
}

// passThroughHandshake forwards the backend's greeting verbatim to the
// client, forwards the client's auth response to the backend with its
// scrambled-password field passed through l.authenticator's
// BackendCredential (unchanged for NativePassword, replaced by the derived
// scramble for PAMToNative), and forwards the backend's auth result back to the
// client — the same three-way relay as mariadb.go's handshake(), so the
// client authenticates with its own credentials against the real backend
// and the proxy never needs to know them. Because the greeting (and its
// salt) comes from the real backend instead of being generated locally,
// this is exactly the "same salt forwarded to both ends" fast path
// internal/auth's NativePassword.BackendCredential documents: the client's
// scrambled response is valid as-is against the backend. l.authenticator
// still does the spec §6 authenticator's job of validating the response's
// shape before it's forwarded and classifying the backend's verdict
// afterward. Returns the client's negotiated capability flags for the
// session.
func (l *Listener) passThroughHandshake(client, bck net.Conn) (capability uint32, err error) {
	greeting, _, err := readFramedPacket(bck)
	if err != nil {
		return 0, fmt.Errorf("reading backend greeting: %w", err)
	}
	salt, saltErr := parseGreetingSalt(greeting)
	if err := writeClientPacket(client, greeting, 0); err != nil {
		return 0, fmt.Errorf("forwarding greeting to client: %w", err)
	}

	authPayload, clientSeq, err := readFramedPacket(client)
	if err != nil {
		return 0, fmt.Errorf("reading client auth: %w", err)
	}
	if len(authPayload) < 4 {
		return 0, fmt.Errorf("client auth packet too short")
	}
	capability = binary.LittleEndian.Uint32(authPayload[0:4])

	forwardPayload := authPayload
	if saltErr == nil {
		if prefix, response, suffix, ok := splitAuthResponse(authPayload); ok {
			if err := l.authenticator.ValidateClientResponse(salt, response); err != nil {
				return 0, fmt.Errorf("rejecting client handshake response: %w", err)
			}
			// Backends in this deployment always speak native-password;
			// for NativePassword this is a no-op (BackendCredential
			// returns response unchanged), for PAMToNative it replaces
			// the opaque PAM dialog bytes with the derived scramble.
			credential, err := l.authenticator.BackendCredential("mysql_native_password", salt, response)
			if err != nil {
				return 0, fmt.Errorf("deriving backend credential: %w", err)
			}
			forwardPayload = rebuildAuthPacket(prefix, credential, suffix)
		}
	}

	if err := writeClientPacket(bck, forwardPayload, 1); err != nil {
		return 0, fmt.Errorf("forwarding auth to backend: %w", err)
	}

	backendResp, _, err := readFramedPacket(bck)
	if err != nil {
		return 0, fmt.Errorf("reading backend auth response: %w", err)
	}
	if err := writeClientPacket(client, backendResp, clientSeq+1); err != nil {
		return 0, fmt.Errorf("forwarding auth response to client: %w", err)
	}
	if len(backendResp) > 0 && backendResp[0] == proto.EOFHeader {
		return 0, fmt.Errorf("auth switch request not supported")
	}
	accepted, err := l.authenticator.AcceptsBackendOutcome(backendResp)
	if err != nil {
		return 0, fmt.Errorf("classifying backend auth outcome: %w", err)
	}
	if !accepted {
		return 0, fmt.Errorf("backend rejected client credentials")
	}
	return capability, nil
}

// parseClientAuthResponse extracts the scrambled-password field from a
// CLIENT_PROTOCOL_41 handshake response packet, following the same
// fixed-header layout mariadb.go's readClientAuth walks: 4 bytes
// capability, 4 bytes max-packet-size, 1 byte charset, 23 reserved bytes,
// a null-terminated username, then a one-byte auth-response length and
// the response itself.
func parseClientAuthResponse(payload []byte) (response []byte, ok bool) {
	_, response, _, ok = splitAuthResponse(payload)
	return response, ok
}

// splitAuthResponse locates the auth-response field within a
// CLIENT_PROTOCOL_41 handshake response packet and returns the bytes
// before its length prefix, the response itself, and everything after it
// (the optional database name and client plug-in name), so the response
// can be swapped out in place by rebuildAuthPacket.
func splitAuthResponse(payload []byte) (prefix, response, suffix []byte, ok bool) {
	pos := 4 + 4 + 1 + 23
	if pos >= len(payload) {
		return nil, nil, nil, false
	}
	nulAt := bytes.IndexByte(payload[pos:], 0)
	if nulAt < 0 {
		return nil, nil, nil, false
	}
	pos += nulAt + 1
	if pos >= len(payload) {
		return nil, nil, nil, false
	}
	lenBytePos := pos
	authLen := int(payload[pos])
	pos++
	if pos+authLen > len(payload) {
		return nil, nil, nil, false
	}
	return payload[:lenBytePos], payload[pos : pos+authLen], payload[pos+authLen:], true
}

// rebuildAuthPacket reassembles a handshake response packet with response
// substituted for the original auth-response field, rewriting its
// one-byte length prefix.
func rebuildAuthPacket(prefix, response, suffix []byte) []byte {
	out := make([]byte, 0, len(prefix)+1+len(response)+len(suffix))
	out = append(out, prefix...)
	out = append(out, byte(len(response)))
	out = append(out, response...)
	out = append(out, suffix...)
	return out
}

// authenticateAsClient performs a standalone native-password login
// against nc, used when the router itself needs a fresh authenticated
// connection (replay's replacement-backend dial) rather than relaying a
// real client's credentials.
func authenticateAsClient(nc net.Conn, user, password string) error {
	greeting, _, err := readFramedPacket(nc)
	if err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	salt, err := parseGreetingSalt(greeting)
	if err != nil {
		return err
	}

	scrambled := proto.ScrambleNativePassword(salt, []byte(password))

	payload := make([]byte, 0, 64+len(user)+len(scrambled))
	var capBuf [4]byte
	binary.LittleEndian.PutUint32(capBuf[:], proto.DefaultServerCapability)
	payload = append(payload, capBuf[:]...)
	payload = append(payload, 0, 0, 0, 1) // max packet size
	payload = append(payload, 33)         // charset: utf8_general_ci
	payload = append(payload, make([]byte, 23)...)
	payload = append(payload, []byte(user)...)
	payload = append(payload, 0)
	payload = append(payload, byte(len(scrambled)))
	payload = append(payload, scrambled...)

	if err := writeClientPacket(nc, payload, 1); err != nil {
		return fmt.Errorf("writing auth packet: %w", err)
	}

	resp, _, err := readFramedPacket(nc)
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	if len(resp) > 0 && resp[0] == proto.ERRHeader {
		errno, sqlState, message, _ := backend.ParseErrPacket(resp)
		return fmt.Errorf("backend login rejected (%d %s): %s", errno, sqlState, message)
	}
	if len(resp) > 0 && resp[0] == proto.EOFHeader {
		return fmt.Errorf("auth switch request not supported for probe login")
	}
	return nil
}

// parseGreetingSalt extracts the 20-byte scramble seed from an initial
// handshake packet, following the teacher's handshake() byte-offset walk
// in mariadb.go.
func parseGreetingSalt(greeting []byte) ([]byte, error) {
	if len(greeting) < 44 {
		return nil, fmt.Errorf("greeting packet too short")
	}
	pos := 1
	for pos < len(greeting) && greeting[pos] != 0 {
		pos++
	}
	pos++ // null terminator
	pos += 4 // connection ID

	if pos+8 > len(greeting) {
		return nil, fmt.Errorf("greeting packet truncated before auth data")
	}
	salt1 := greeting[pos : pos+8]
	pos += 8
	pos++     // filler
	pos += 7  // capability lower(2) + charset(1) + status(2) + capability upper(2)

	if pos >= len(greeting) {
		return nil, fmt.Errorf("greeting packet truncated before auth data length")
	}
	authDataLen := int(greeting[pos])
	pos++
	pos += 10 // reserved

	salt := make([]byte, 20)
	copy(salt[0:8], salt1)
	if authDataLen > 8 && pos+12 <= len(greeting) {
		copy(salt[8:20], greeting[pos:pos+12])
	}
	return salt, nil
}
