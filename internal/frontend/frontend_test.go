package frontend

import (
	"net"
	"testing"
	"time"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/auth"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/config"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

func TestSplitAddressTCP(t *testing.T) {
	network, addr := splitAddress("127.0.0.1:3306")
	if network != "tcp" || addr != "127.0.0.1:3306" {
		t.Fatalf("got (%q, %q)", network, addr)
	}
}

func TestSplitAddressUnix(t *testing.T) {
	network, addr := splitAddress("unix:/var/run/mysqld/mysqld.sock")
	if network != "unix" || addr != "/var/run/mysqld/mysqld.sock" {
		t.Fatalf("got (%q, %q)", network, addr)
	}
}

func buildGreeting(salt []byte) []byte {
	g := []byte{10} // protocol version
	g = append(g, "10.11.0-test"...)
	g = append(g, 0)
	g = append(g, 1, 0, 0, 0) // connection ID
	g = append(g, salt[0:8]...)
	g = append(g, 0)       // filler
	g = append(g, 0xff, 0xf7, 33, 2, 0, 0xff, 0x81) // cap lower, charset, status, cap upper
	g = append(g, 21)      // auth data len
	g = append(g, make([]byte, 10)...)
	g = append(g, salt[8:20]...)
	g = append(g, 0)
	return g
}

func TestParseGreetingSaltRoundTrips(t *testing.T) {
	want := []byte("01234567890123456789")[:20]
	greeting := buildGreeting(want)

	got, err := parseGreetingSalt(greeting)
	if err != nil {
		t.Fatalf("parseGreetingSalt: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got salt %q, want %q", got, want)
	}
}

func TestParseGreetingSaltRejectsShortPacket(t *testing.T) {
	if _, err := parseGreetingSalt([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short greeting")
	}
}

func buildAuthPacket(username string, authResponse []byte) []byte {
	p := make([]byte, 0, 32+len(username)+len(authResponse))
	p = append(p, 0, 2, 0, 0) // capability
	p = append(p, 0, 0, 0, 1) // max packet size
	p = append(p, 33)         // charset
	p = append(p, make([]byte, 23)...)
	p = append(p, []byte(username)...)
	p = append(p, 0)
	p = append(p, byte(len(authResponse)))
	p = append(p, authResponse...)
	return p
}

func TestParseClientAuthResponseExtractsScramble(t *testing.T) {
	want := []byte("0123456789012345678") // 19 bytes, arbitrary
	packet := buildAuthPacket("root", want)

	got, ok := parseClientAuthResponse(packet)
	if !ok {
		t.Fatal("expected parseClientAuthResponse to succeed")
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseClientAuthResponseRejectsTruncatedPacket(t *testing.T) {
	if _, ok := parseClientAuthResponse(make([]byte, 10)); ok {
		t.Fatal("expected failure on truncated packet")
	}
}

func TestPassThroughHandshakeForwardsAuthSuccess(t *testing.T) {
	clientA, clientB := net.Pipe()
	backendA, backendB := net.Pipe()
	defer clientA.Close()
	defer clientB.Close()
	defer backendA.Close()
	defer backendB.Close()

	salt := []byte("abcdefghij0123456789")
	greeting := buildGreeting(salt)

	l := &Listener{authenticator: auth.NativePassword{}}

	done := make(chan error, 1)
	go func() {
		capability, err := l.passThroughHandshake(clientB, backendA)
		if err != nil {
			done <- err
			return
		}
		if capability != 0x0200 {
			done <- errUnexpectedCapability(capability)
			return
		}
		done <- nil
	}()

	// Act as the backend: send greeting, read forwarded auth, send OK.
	backendB.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := backendB.Write(wirePacket(greeting, 0)); err != nil {
		t.Fatalf("writing greeting: %v", err)
	}

	// Act as the client: read forwarded greeting, send auth packet.
	clientA.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4+len(greeting))
	if _, err := readFull(clientA, buf); err != nil {
		t.Fatalf("reading greeting on client side: %v", err)
	}

	authPayload := make([]byte, 32)
	authPayload[0] = 0x00
	authPayload[1] = 0x02 // capability lower bytes = 0x0200 (ClientProtocol41)
	if _, err := clientA.Write(wirePacket(authPayload, 1)); err != nil {
		t.Fatalf("writing client auth: %v", err)
	}

	hdr := make([]byte, 4)
	if _, err := readFull(backendB, hdr); err != nil {
		t.Fatalf("reading forwarded auth header: %v", err)
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	forwarded := make([]byte, length)
	if _, err := readFull(backendB, forwarded); err != nil {
		t.Fatalf("reading forwarded auth body: %v", err)
	}
	if string(forwarded) != string(authPayload) {
		t.Fatal("forwarded auth payload does not match original")
	}

	ok := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00}
	if _, err := backendB.Write(wirePacket(ok, 2)); err != nil {
		t.Fatalf("writing backend OK: %v", err)
	}

	clientResp := make([]byte, 4+len(ok))
	if _, err := readFull(clientA, clientResp); err != nil {
		t.Fatalf("reading forwarded OK on client side: %v", err)
	}
	if clientResp[4] != 0x00 {
		t.Fatalf("expected OK header forwarded to client, got 0x%x", clientResp[4])
	}

	if err := <-done; err != nil {
		t.Fatalf("passThroughHandshake: %v", err)
	}
}

func TestPassThroughHandshakeRejectsMalformedScrambleLength(t *testing.T) {
	clientA, clientB := net.Pipe()
	backendA, backendB := net.Pipe()
	defer clientA.Close()
	defer clientB.Close()
	defer backendA.Close()
	defer backendB.Close()

	salt := []byte("abcdefghij0123456789")
	greeting := buildGreeting(salt)

	l := &Listener{authenticator: auth.NativePassword{}}

	done := make(chan error, 1)
	go func() {
		_, err := l.passThroughHandshake(clientB, backendA)
		done <- err
	}()

	backendB.SetDeadline(time.Now().Add(2 * time.Second))
	backendB.Write(wirePacket(greeting, 0))

	clientA.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4+len(greeting))
	readFull(clientA, buf)

	// A native-password response must be empty or 20 bytes; 5 is neither.
	badAuth := buildAuthPacket("root", []byte{1, 2, 3, 4, 5})
	clientA.Write(wirePacket(badAuth, 1))

	err := <-done
	if err == nil {
		t.Fatal("expected passThroughHandshake to reject a malformed scramble length")
	}
}

func TestAuthenticatorForSelectsPAMFromConfig(t *testing.T) {
	snap := &config.Snapshot{AuthMode: "pam", PAMServiceUser: "svc_user"}
	a, ok := authenticatorFor(snap).(auth.PAMToNative)
	if !ok {
		t.Fatalf("expected auth.PAMToNative, got %T", authenticatorFor(snap))
	}
	if a.ServiceUser != "svc_user" {
		t.Fatalf("ServiceUser = %q, want svc_user", a.ServiceUser)
	}
}

func TestAuthenticatorForDefaultsToNativePassword(t *testing.T) {
	if _, ok := authenticatorFor(&config.Snapshot{}).(auth.NativePassword); !ok {
		t.Fatalf("expected auth.NativePassword default, got %T", authenticatorFor(&config.Snapshot{}))
	}
}

func TestPassThroughHandshakeSubstitutesPAMCredential(t *testing.T) {
	clientA, clientB := net.Pipe()
	backendA, backendB := net.Pipe()
	defer clientA.Close()
	defer clientB.Close()
	defer backendA.Close()
	defer backendB.Close()

	salt := []byte("abcdefghij0123456789")
	greeting := buildGreeting(salt)

	l := &Listener{authenticator: auth.PAMToNative{ServiceUser: "svc_user"}}

	done := make(chan error, 1)
	go func() {
		_, err := l.passThroughHandshake(clientB, backendA)
		done <- err
	}()

	backendB.SetDeadline(time.Now().Add(2 * time.Second))
	backendB.Write(wirePacket(greeting, 0))

	clientA.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4+len(greeting))
	readFull(clientA, buf)

	pamResponse := []byte("opaque-pam-dialog-bytes")
	authPacket := buildAuthPacket("root", pamResponse)
	clientA.Write(wirePacket(authPacket, 1))

	hdr := make([]byte, 4)
	readFull(backendB, hdr)
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	forwarded := make([]byte, length)
	readFull(backendB, forwarded)

	gotResponse, ok := parseClientAuthResponse(forwarded)
	if !ok {
		t.Fatal("expected forwarded packet to parse as an auth response")
	}
	wantResponse := proto.ScrambleNativePassword(salt, auth.DerivePAMBackendSecret("svc_user", salt))
	if string(gotResponse) != string(wantResponse) {
		t.Fatalf("backend received %x, want derived native-password scramble %x", gotResponse, wantResponse)
	}
	if string(gotResponse) == string(pamResponse) {
		t.Fatal("PAM dialog bytes were forwarded unchanged instead of being substituted")
	}

	ok2 := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00}
	backendB.Write(wirePacket(ok2, 2))
	readFull(clientA, make([]byte, 4+len(ok2)))

	if err := <-done; err != nil {
		t.Fatalf("passThroughHandshake: %v", err)
	}
}

func wirePacket(payload []byte, seq byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = byte(len(payload))
	out[1] = byte(len(payload) >> 8)
	out[2] = byte(len(payload) >> 16)
	out[3] = seq
	copy(out[4:], payload)
	return out
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type errUnexpectedCapability uint32

func (e errUnexpectedCapability) Error() string {
	return "unexpected capability value"
}
