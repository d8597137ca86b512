package classifier

import (
	"testing"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/proto"
)

func TestClassifySelectGoesToSlave(t *testing.T) {
	c := New()
	got := c.Classify(proto.ComQuery, []byte("SELECT * FROM t WHERE id = 1"))
	if got.Target != TargetSlavePreferred {
		t.Fatalf("Target = %v, want TargetSlavePreferred", got.Target)
	}
}

func TestClassifySelectForUpdateGoesToMaster(t *testing.T) {
	c := New()
	got := c.Classify(proto.ComQuery, []byte("SELECT * FROM t WHERE id = 1 FOR UPDATE"))
	if got.Target != TargetMasterOnly {
		t.Fatalf("Target = %v, want TargetMasterOnly", got.Target)
	}
}

func TestClassifySetIsSessionCommand(t *testing.T) {
	c := New()
	got := c.Classify(proto.ComQuery, []byte("SET autocommit=0"))
	if got.Session != EffectSessionWrite || got.Target != TargetAllBackends {
		t.Fatalf("got %+v, want session write fanned out to all backends", got)
	}
}

func TestClassifyWriteGoesToMaster(t *testing.T) {
	c := New()
	got := c.Classify(proto.ComQuery, []byte("INSERT INTO t VALUES (1)"))
	if got.Target != TargetMasterOnly {
		t.Fatalf("Target = %v, want TargetMasterOnly", got.Target)
	}
}

func TestClassifyUnknownFallsBackToMaster(t *testing.T) {
	c := New()
	got := c.Classify(proto.ComQuery, []byte("EXPLAIN SELECT 1"))
	if got.Target != TargetMasterOnly || !got.Unknown {
		t.Fatalf("got %+v, want conservative master fallback marked unknown", got)
	}
}

func TestParseRoutingHint(t *testing.T) {
	h := ParseRoutingHint("SELECT 1 -- maxscale route to slave")
	if !h.Present || !h.ToSlave {
		t.Fatalf("got %+v, want ToSlave hint", h)
	}

	h2 := ParseRoutingHint("SELECT 1 -- maxscale route to server replica2")
	if !h2.Present || h2.ServerName != "replica2" {
		t.Fatalf("got %+v, want ServerName=replica2", h2)
	}
}

func TestParseRoutingHintAbsent(t *testing.T) {
	h := ParseRoutingHint("SELECT 1")
	if h.Present {
		t.Fatal("expected no hint")
	}
}
