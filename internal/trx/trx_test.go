package trx

import "testing"

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		sql  string
		want Effect
	}{
		{"BEGIN", EffectBegin},
		{"begin work", EffectBegin},
		{"START TRANSACTION", EffectBegin},
		{"START TRANSACTION READ ONLY", EffectBegin},
		{"COMMIT", EffectCommit},
		{"rollback", EffectRollback},
		{"SELECT 1", EffectNone},
	}
	for _, c := range cases {
		got := Classify(c.sql)
		if got.Trx != c.want {
			t.Errorf("Classify(%q).Trx = %v, want %v", c.sql, got.Trx, c.want)
		}
	}
}

func TestClassifyReadOnlyVariant(t *testing.T) {
	c := Classify("START TRANSACTION READ ONLY")
	if !c.ReadOnly {
		t.Fatal("expected ReadOnly = true")
	}
	c = Classify("START TRANSACTION READ WRITE")
	if c.ReadOnly {
		t.Fatal("expected ReadOnly = false")
	}
}

func TestAutocommitToggleStartsImplicitTrx(t *testing.T) {
	tr := New()
	tr.Apply(Classify("SET AUTOCOMMIT=0"))
	if !tr.IsTrxActive() {
		t.Fatal("disabling autocommit should start an implicit transaction")
	}
	if tr.IsAutocommit() {
		t.Fatal("autocommit should be off")
	}

	tr.Apply(Classify("SET AUTOCOMMIT=1"))
	if !tr.IsAutocommit() {
		t.Fatal("autocommit should be back on")
	}
}

func TestTrackerLifecycle(t *testing.T) {
	tr := New()
	if tr.IsTrxActive() {
		t.Fatal("new tracker should not be in a transaction")
	}

	tr.Apply(Classify("BEGIN"))
	if !tr.IsTrxActive() || !tr.IsTrxStarting() {
		t.Fatal("BEGIN should mark the transaction active and starting")
	}

	tr.Apply(Classify("COMMIT"))
	if tr.IsTrxActive() {
		t.Fatal("COMMIT should end the transaction")
	}
	if !tr.IsTrxEnding() {
		t.Fatal("COMMIT should set trx-ending until acknowledged")
	}
	tr.MarkEnded()
	if tr.IsTrxEnding() {
		t.Fatal("MarkEnded should clear trx-ending")
	}
}
