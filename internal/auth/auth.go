// Package auth defines the authenticator collaborator contract (spec §6:
// "authenticator has ~six methods") and ships the one concrete
// implementation this module owns: native-password credential forwarding,
// plus a PAM-to-native credential transform for backends whose plug-in
// only understands mysql_native_password.
//
// Real LDAP/GSSAPI/ed25519 plug-ins are out of scope; they are
// collaborators a deployment supplies by implementing Authenticator.
package auth

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/maxerror"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

// Authenticator is the narrow contract the router depends on for turning a
// client's handshake response into credentials a backend will accept.
// Grounded on spec §6's six-method sketch.
type Authenticator interface {
	// Name identifies the auth plug-in, reported in the server greeting.
	Name() string
	// Salt returns the auth-plugin-data challenge to embed in the server
	// greeting sent to the client.
	Salt() ([]byte, error)
	// ValidateClientResponse checks the client's handshake-response
	// auth bytes against salt before any backend is contacted.
	ValidateClientResponse(salt, response []byte) error
	// BackendCredential derives (or passes through) the bytes to present
	// to a given backend, which may use a different plug-in than the one
	// the client authenticated with.
	BackendCredential(backendPluginName string, salt, clientResponse []byte) ([]byte, error)
	// SwitchPluginName returns the plug-in name a backend's
	// auth-switch-request should be answered with, if different from Name.
	SwitchPluginName() string
	// AcceptsBackendOutcome classifies a backend's post-auth OK/ERR so the
	// router can distinguish credential rejection from transient failure.
	AcceptsBackendOutcome(payload []byte) (accepted bool, err error)
}

// NativePassword forwards mysql_native_password credentials unchanged: the
// same scrambled response the client sent is replayed to backends that also
// speak native-password. Grounded on the teacher's handshake/
// forwardClientAuth, which forwards c.rawAuthPkt byte-for-byte.
type NativePassword struct{}

// Name implements Authenticator.
func (NativePassword) Name() string { return "mysql_native_password" }

// Salt implements Authenticator.
func (NativePassword) Salt() ([]byte, error) { return proto.GenerateSalt() }

// ValidateClientResponse implements Authenticator. The core does not own
// the user/password table (that is the server's job once the credential is
// forwarded); it only rejects structurally malformed responses.
func (NativePassword) ValidateClientResponse(salt, response []byte) error {
	if len(response) != 0 && len(response) != 20 {
		return maxerror.New(maxerror.KindProtocolFraming, "native-password response must be empty or 20 bytes")
	}
	return nil
}

// BackendCredential implements Authenticator: native-password responses
// forward unchanged only when the backend also speaks native-password and
// was issued the *same* salt; callers whose backend salt differs must
// recompute by calling proto.ScrambleNativePassword on the plaintext
// instead (the core never retains plaintext, so same-salt forwarding is
// the fast path and the common case since internal/frontend relays the
// backend's own greeting, and with it the backend's salt, to the client).
func (NativePassword) BackendCredential(backendPluginName string, salt, clientResponse []byte) ([]byte, error) {
	if backendPluginName != "mysql_native_password" {
		return nil, maxerror.New(maxerror.KindStateMismatch, "backend requires plugin "+backendPluginName+", only native-password forwarding is supported directly")
	}
	return clientResponse, nil
}

// SwitchPluginName implements Authenticator.
func (NativePassword) SwitchPluginName() string { return "mysql_native_password" }

// AcceptsBackendOutcome implements Authenticator.
func (NativePassword) AcceptsBackendOutcome(payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, maxerror.New(maxerror.KindProtocolFraming, "empty backend auth outcome")
	}
	switch payload[0] {
	case proto.OKHeader:
		return true, nil
	case proto.ERRHeader:
		return false, nil
	default:
		return false, maxerror.New(maxerror.KindStateMismatch, "unsupported auth-switch continuation")
	}
}

// pamDerivationIterations and pamDerivationKeyLen fix the PBKDF2 work
// factor used to derive a stable native-password-equivalent secret from a
// PAM-authenticated user's service-user mapping, so the same user always
// derives to the same backend credential without MaxScale retaining the
// PAM password itself.
const (
	pamDerivationIterations = 4096
	pamDerivationKeyLen     = 32
)

// DerivePAMBackendSecret derives a stable pseudo-password for a PAM user
// being mapped to a native-password backend ("PAM → native mapping via
// service-user", spec §6). serviceUser scopes the derivation so the same
// OS account maps to different backend secrets per configured service.
func DerivePAMBackendSecret(serviceUser string, salt []byte) []byte {
	return pbkdf2.Key([]byte(serviceUser), salt, pamDerivationIterations, pamDerivationKeyLen, sha256.New)
}

// PAMToNative implements Authenticator for backends that only speak
// mysql_native_password while the client authenticated via the PAM
// plug-in. The client's PAM exchange itself is a collaborator's
// responsibility (out of scope here); this type only covers the backend
// leg once a service-user identity is established.
type PAMToNative struct {
	ServiceUser string
}

// Name implements Authenticator.
func (PAMToNative) Name() string { return "dialog" } // MariaDB's PAM plug-in name

// Salt implements Authenticator.
func (PAMToNative) Salt() ([]byte, error) { return proto.GenerateSalt() }

// ValidateClientResponse implements Authenticator; PAM responses are
// opaque dialog-plugin frames, not fixed-length scrambles.
func (PAMToNative) ValidateClientResponse(salt, response []byte) error {
	if len(response) == 0 {
		return maxerror.New(maxerror.KindProtocolFraming, "empty PAM dialog response")
	}
	return nil
}

// BackendCredential implements Authenticator: derives a native-password
// scramble from the service-user mapping instead of forwarding the PAM
// response, which the backend would not understand.
func (p PAMToNative) BackendCredential(backendPluginName string, salt, clientResponse []byte) ([]byte, error) {
	if backendPluginName != "mysql_native_password" {
		return nil, maxerror.New(maxerror.KindStateMismatch, "PAMToNative only targets native-password backends")
	}
	secret := DerivePAMBackendSecret(p.ServiceUser, salt)
	return proto.ScrambleNativePassword(salt, secret), nil
}

// SwitchPluginName implements Authenticator.
func (PAMToNative) SwitchPluginName() string { return "mysql_native_password" }

// AcceptsBackendOutcome implements Authenticator.
func (PAMToNative) AcceptsBackendOutcome(payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, maxerror.New(maxerror.KindProtocolFraming, "empty backend auth outcome")
	}
	return payload[0] == proto.OKHeader, nil
}
