package psmap

import (
	"encoding/binary"
	"testing"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

func TestAssignAndRewrite(t *testing.T) {
	m := New()
	clientID := m.AssignClientID([]byte("SELECT ?"))
	if clientID == 0 {
		t.Fatal("client id must be non-zero")
	}

	m.RecordBackendID("master", clientID, 7)
	m.RecordBackendID("slave1", clientID, 19)

	execPacket := func(id uint32) []byte {
		p := make([]byte, 10)
		p[0] = proto.ComStmtExecute
		binary.LittleEndian.PutUint32(p[1:5], id)
		return p
	}

	pMaster := execPacket(clientID)
	if err := m.Rewrite("master", pMaster); err != nil {
		t.Fatalf("Rewrite master: %v", err)
	}
	if got := binary.LittleEndian.Uint32(pMaster[1:5]); got != 7 {
		t.Fatalf("master rewritten id = %d, want 7", got)
	}

	pSlave := execPacket(clientID)
	if err := m.Rewrite("slave1", pSlave); err != nil {
		t.Fatalf("Rewrite slave1: %v", err)
	}
	if got := binary.LittleEndian.Uint32(pSlave[1:5]); got != 19 {
		t.Fatalf("slave1 rewritten id = %d, want 19", got)
	}
}

func TestRewriteMissingMappingIsStateMismatch(t *testing.T) {
	m := New()
	clientID := m.AssignClientID([]byte("SELECT ?"))
	p := make([]byte, 10)
	p[0] = proto.ComStmtExecute
	binary.LittleEndian.PutUint32(p[1:5], clientID)

	if err := m.Rewrite("slave2", p); err == nil {
		t.Fatal("expected error for missing backend mapping")
	}
}

func TestDirectExecuteSentinelResolvesToLastPrepared(t *testing.T) {
	m := New()
	m.AssignClientID([]byte("SELECT 1"))
	last := m.AssignClientID([]byte("SELECT 2"))
	m.RecordBackendID("master", last, 42)

	p := make([]byte, 10)
	p[0] = proto.ComStmtExecute
	binary.LittleEndian.PutUint32(p[1:5], proto.DirectExecuteID)

	if err := m.Rewrite("master", p); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got := binary.LittleEndian.Uint32(p[1:5]); got != 42 {
		t.Fatalf("rewritten id = %d, want 42 (last prepared)", got)
	}
}

func TestForgetDropsMapping(t *testing.T) {
	m := New()
	id := m.AssignClientID([]byte("SELECT 1"))
	m.RecordBackendID("master", id, 5)
	m.Forget(id)

	if _, ok := m.Lookup("master", id); ok {
		t.Fatal("expected mapping to be forgotten")
	}
}
