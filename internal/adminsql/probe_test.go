package adminsql

import (
	"testing"
)

func TestDSNFormatsTCPAddress(t *testing.T) {
	got := dsn("probe", "secret", "10.0.0.5:3306")
	want := "probe:secret@tcp(10.0.0.5:3306)/"
	if got != want {
		t.Fatalf("dsn() = %q, want %q", got, want)
	}
}

func TestDSNFormatsUnixSocket(t *testing.T) {
	got := dsn("probe", "secret", "unix:/var/run/mysqld/mysqld.sock")
	want := "probe:secret@unix(/var/run/mysqld/mysqld.sock)/"
	if got != want {
		t.Fatalf("dsn() = %q, want %q", got, want)
	}
}

func TestCheckReportsUnreachableOnConnectionRefused(t *testing.T) {
	pr := NewProber("probe", "secret")
	defer pr.Close()

	status := pr.Check("master", "127.0.0.1:1", false)
	if status.Reachable {
		t.Fatal("expected unreachable status against a refused port")
	}
	if status.ReplicaLagSecs != -1 {
		t.Fatalf("expected lag -1 for unreachable backend, got %d", status.ReplicaLagSecs)
	}
	if status.Error == "" {
		t.Fatal("expected a populated error message")
	}
}

func TestCheckReusesExistingConnectionForSameIdentity(t *testing.T) {
	pr := NewProber("probe", "secret")
	defer pr.Close()

	pr.Check("master", "127.0.0.1:1", false)
	if _, ok := pr.conns["master"]; !ok {
		t.Fatal("expected a pooled *sql.DB to be cached under identity master")
	}
	n := len(pr.conns)

	pr.Check("master", "127.0.0.1:1", false)
	if len(pr.conns) != n {
		t.Fatalf("expected connection count to stay at %d, got %d", n, len(pr.conns))
	}
}

func TestCloseIsSafeWithNoConnectionsOpened(t *testing.T) {
	pr := NewProber("probe", "secret")
	if err := pr.Close(); err != nil {
		t.Fatalf("unexpected error closing prober with no connections: %v", err)
	}
}

