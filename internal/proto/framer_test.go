package proto

import (
	"bytes"
	"testing"
)

func TestFramerSinglePacket(t *testing.T) {
	payload := []byte{ComQuery, 'S', 'E', 'L', 'E', 'C', 'T'}
	wire := PutPacket(payload, 7)

	f := NewFramer(bytes.NewReader(wire))
	got, seq, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v want %v", got, payload)
	}
	if seq != 7 {
		t.Fatalf("seq = %d want 7", seq)
	}
}

func TestFramerLargePacketContinuation(t *testing.T) {
	payload := make([]byte, MaxPayloadLen+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	wire, next := Split(payload, 0)
	if next != 2 {
		t.Fatalf("expected 2 wire packets, sequence advanced to %d", next)
	}

	f := NewFramer(bytes.NewReader(wire))
	got, seq, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes want %d", len(got), len(payload))
	}
	if seq != 0 {
		t.Fatalf("seq = %d want 0 (first wire packet's sequence)", seq)
	}
}

func TestSplitExactMultipleInsertsTerminator(t *testing.T) {
	payload := make([]byte, MaxPayloadLen)
	wire, next := Split(payload, 5)
	// One full-size packet plus a zero-length terminator.
	if next != 7 {
		t.Fatalf("sequence advanced to %d, want 7 (two wire packets)", next)
	}
	f := NewFramer(bytes.NewReader(wire))
	got, seq, err := f.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes want %d", len(got), len(payload))
	}
	if seq != 5 {
		t.Fatalf("seq = %d want 5", seq)
	}
}

func TestLengthEncodedIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 250, 251, 65535, 65536, 1 << 30}
	for _, n := range cases {
		enc := PutLengthEncodedInt(n)
		got, isNull, consumed := ReadLengthEncodedInt(enc)
		if isNull {
			t.Fatalf("n=%d: unexpected null", n)
		}
		if got != n {
			t.Fatalf("n=%d: got %d", n, got)
		}
		if consumed != len(enc) {
			t.Fatalf("n=%d: consumed %d want %d", n, consumed, len(enc))
		}
	}
}

func TestScrambleNativePasswordEmpty(t *testing.T) {
	salt, _ := GenerateSalt()
	if got := ScrambleNativePassword(salt, nil); got != nil {
		t.Fatalf("empty password should scramble to nil, got %v", got)
	}
}
