package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Packet is a single wire packet: header-derived metadata plus payload.
type Packet struct {
	Seq     byte
	Payload []byte
}

// FramingError describes a stream whose headers are internally
// inconsistent (a claimed continuation that never completes, or a length
// that doesn't match the bytes actually read). Spec treats this as fatal
// for the connection. Framer.Next does not return it: a stream that ends
// early surfaces as the reader's own error (io.EOF or
// io.ErrUnexpectedEOF).
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("protocol framing error: %s", e.Reason)
}

// Framer reassembles logical packets (one or more wire packets, every
// non-final one exactly MaxPayloadLen bytes) from a reader, in arrival
// order. It never reassembles from non-contiguous positions: each call to
// Next blocks on the reader until a full logical packet is available.
type Framer struct {
	r io.Reader
}

// NewFramer wraps r for logical-packet reads.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: r}
}

// Next reads and returns the next logical packet. The returned sequence
// number is that of the first wire packet in the sequence.
func (f *Framer) Next() ([]byte, byte, error) {
	header := make([]byte, HeaderLen)
	var out []byte
	var firstSeq byte
	first := true

	for {
		if _, err := io.ReadFull(f.r, header); err != nil {
			return nil, 0, err
		}
		length := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
		seq := header[3]
		if first {
			firstSeq = seq
			first = false
		}

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(f.r, payload); err != nil {
				return nil, 0, err
			}
		}
		out = append(out, payload...)

		if length < MaxPayloadLen {
			return out, firstSeq, nil
		}
		// Continuation: the next wire packet extends this logical packet.
	}
}

// Split encodes payload as one or more wire packets, inserting a
// zero-length terminator packet whenever the payload is an exact multiple
// of MaxPayloadLen bytes (so the terminator is unambiguous), starting the
// sequence numbering at startSeq and returning the next unused sequence
// number.
func Split(payload []byte, startSeq byte) ([]byte, byte) {
	var out []byte
	seq := startSeq
	offset := 0
	for {
		chunkLen := len(payload) - offset
		final := chunkLen < MaxPayloadLen
		if !final {
			chunkLen = MaxPayloadLen
		}
		chunk := payload[offset : offset+chunkLen]
		hdr := make([]byte, HeaderLen)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(chunkLen))
		hdr[3] = seq
		out = append(out, hdr...)
		out = append(out, chunk...)
		seq++
		offset += chunkLen
		if final {
			break
		}
	}
	return out, seq
}
