package auth

import (
	"testing"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

func TestNativePasswordValidateClientResponse(t *testing.T) {
	var n NativePassword
	if err := n.ValidateClientResponse(nil, make([]byte, 20)); err != nil {
		t.Fatalf("unexpected error for well-formed response: %v", err)
	}
	if err := n.ValidateClientResponse(nil, make([]byte, 5)); err == nil {
		t.Fatal("expected error for malformed response length")
	}
}

func TestNativePasswordBackendCredentialForwardsUnchanged(t *testing.T) {
	var n NativePassword
	resp := []byte{1, 2, 3}
	got, err := n.BackendCredential("mysql_native_password", nil, resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(resp) {
		t.Fatal("expected response forwarded unchanged")
	}
}

func TestNativePasswordBackendCredentialRejectsMismatch(t *testing.T) {
	var n NativePassword
	if _, err := n.BackendCredential("sha256_password", nil, []byte{1}); err == nil {
		t.Fatal("expected error for mismatched backend plugin")
	}
}

func TestDerivePAMBackendSecretIsDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef0123")
	a := DerivePAMBackendSecret("svc_user", salt)
	b := DerivePAMBackendSecret("svc_user", salt)
	if string(a) != string(b) {
		t.Fatal("expected deterministic derivation for identical inputs")
	}
	c := DerivePAMBackendSecret("other_user", salt)
	if string(a) == string(c) {
		t.Fatal("expected distinct derivations for distinct service users")
	}
}

func TestPAMToNativeBackendCredentialScramblesDerivedSecret(t *testing.T) {
	p := PAMToNative{ServiceUser: "svc_user"}
	salt, err := proto.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	got, err := p.BackendCredential("mysql_native_password", salt, []byte("ignored"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("len(scramble) = %d, want 20", len(got))
	}
}

func TestAcceptsBackendOutcome(t *testing.T) {
	var n NativePassword
	ok, err := n.AcceptsBackendOutcome([]byte{proto.OKHeader})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v, want accepted", ok, err)
	}
	ok, err = n.AcceptsBackendOutcome([]byte{proto.ERRHeader})
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v, want rejected without error", ok, err)
	}
}
