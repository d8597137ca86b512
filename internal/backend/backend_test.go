package backend

import (
	"testing"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

func TestReplyOKOnlyCompletesImmediately(t *testing.T) {
	r := NewReply(proto.DefaultServerCapability)
	r.Begin()
	done, isErr := r.Feed([]byte{proto.OKHeader, 0, 0, 0, 0})
	if !done || isErr {
		t.Fatalf("done=%v isErr=%v, want done, no error", done, isErr)
	}
}

func TestReplyErrPacketLatchesError(t *testing.T) {
	r := NewReply(proto.DefaultServerCapability)
	r.Begin()
	done, isErr := r.Feed([]byte{proto.ERRHeader, 0x2a, 0x00})
	if !done || !isErr {
		t.Fatalf("done=%v isErr=%v, want done with error", done, isErr)
	}
	if r.State() != ReplyErrorLatched {
		t.Fatalf("state = %v, want ReplyErrorLatched", r.State())
	}
}

func TestReplyResultSetWalksColumnsAndRows(t *testing.T) {
	r := NewReply(proto.DefaultServerCapability)
	r.Begin()

	// Column count = 2
	if done, _ := r.Feed([]byte{2}); done {
		t.Fatal("column count packet should not complete the reply")
	}
	// Two column definitions
	if done, _ := r.Feed([]byte{0x03, 'c', 'o', 'l'}); done {
		t.Fatal("column def should not complete reply")
	}
	if done, _ := r.Feed([]byte{0x03, 'c', 'o', 'l'}); done {
		t.Fatal("column def should not complete reply")
	}
	if r.State() != ReplyExpectColumnEOF {
		t.Fatalf("state after all columns seen = %v, want ReplyExpectColumnEOF", r.State())
	}
	// Column-definitions EOF
	if done, _ := r.Feed([]byte{proto.EOFHeader, 0, 0, 2, 0}); done {
		t.Fatal("column EOF should not complete reply")
	}
	if r.State() != ReplyExpectRows {
		t.Fatalf("state after column EOF = %v, want ReplyExpectRows", r.State())
	}
	// One row packet
	if done, _ := r.Feed([]byte{0x01, 'v'}); done {
		t.Fatal("row packet should not complete reply")
	}
	// Trailing rows EOF completes the reply
	done, isErr := r.Feed([]byte{proto.EOFHeader, 0, 0, 2, 0})
	if !done || isErr {
		t.Fatalf("done=%v isErr=%v, want done with no error after trailing EOF", done, isErr)
	}
}

func TestReplyDeprecateEOFSkipsColumnEOF(t *testing.T) {
	r := NewReply(proto.DefaultServerCapability | proto.ClientDeprecateEOF)
	r.Begin()
	r.Feed([]byte{1})
	if done, _ := r.Feed([]byte{0x03, 'c', 'o', 'l'}); done {
		t.Fatal("single column def should not complete reply")
	}
	if r.State() != ReplyExpectRows {
		t.Fatalf("state = %v, want ReplyExpectRows (no column EOF under deprecate-eof)", r.State())
	}
	done, isErr := r.Feed([]byte{proto.OKHeader, 0, 0, 0, 0})
	if !done || isErr {
		t.Fatal("OK-as-terminal-row-packet should complete reply under deprecate-eof")
	}
}

func TestClassifyErrorTransientRollback(t *testing.T) {
	if got := ClassifyError(1213, "40001"); got != FaultTransientRollback {
		t.Fatalf("ClassifyError(1213) = %v, want FaultTransientRollback", got)
	}
}

func TestClassifyErrorWsrepNotReady(t *testing.T) {
	if got := ClassifyError(9999, "08S01"); got != FaultWsrepNotReady {
		t.Fatalf("ClassifyError with sqlstate 08S01 = %v, want FaultWsrepNotReady", got)
	}
}

func TestClassifyErrorShutdownLike(t *testing.T) {
	if got := ClassifyError(1053, "HY000"); got != FaultShutdownLike {
		t.Fatalf("ClassifyError(1053) = %v, want FaultShutdownLike", got)
	}
}

func TestParseErrPacket(t *testing.T) {
	payload := proto.WriteErrorPacket(1054, "42S22", "Unknown column", proto.DefaultServerCapability)
	errno, sqlState, message, ok := ParseErrPacket(payload)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if errno != 1054 || sqlState != "42S22" || message != "Unknown column" {
		t.Fatalf("got errno=%d sqlState=%q message=%q", errno, sqlState, message)
	}
}

func TestAuthStateString(t *testing.T) {
	if AuthComplete.String() != "AUTH_COMPLETE" {
		t.Fatalf("AuthComplete.String() = %q", AuthComplete.String())
	}
}
