package wire

import "github.com/srg/bleproxyd/internal/bleproxy"

// MaxPayloadLen is the largest payload a frame may carry (spec §4.1).
const MaxPayloadLen = 64 * 1024

// plaintextIndicator is the leading byte of a plaintext frame. Any other
// leading byte belongs to the encrypted transport alternative, which this
// daemon does not implement (spec §4.1).
const plaintextIndicator = 0x00

// Frame is one decoded message: its type tag and raw payload bytes. The
// payload is the protobuf encoding of the message identified by Type (see
// internal/wire/messages.go); the frame codec itself never inspects it.
type Frame struct {
	Type    uint64
	Payload []byte
}

// Encode renders msgType/payload as a length-delimited frame:
// 0x00 | varint(len(payload)) | varint(msgType) | payload.
func Encode(msgType uint64, payload []byte) []byte {
	buf := make([]byte, 0, 1+10+10+len(payload))
	buf = append(buf, plaintextIndicator)
	buf = appendVarint(buf, uint64(len(payload)))
	buf = appendVarint(buf, msgType)
	buf = append(buf, payload...)
	return buf
}

// Decoder incrementally decodes frames from a byte stream. Callers Feed raw
// socket reads into it and repeatedly call Next until it reports no frame is
// ready.
//
// The accumulator is a plain growable []byte rather than the ringbuffer
// package used elsewhere in this daemon (see internal/session's outbox):
// frame parsing needs non-destructive lookahead over a window of unknown
// length (we don't know how many bytes a varint occupies, or how long the
// payload is, until we've decoded the preceding fields), and
// smallnest/ringbuffer exposes no peek operation - only destructive reads.
// A slice gives that lookahead for free; bytes already parsed past are
// dropped by reslicing, which is the "growable byte accumulator" the spec
// asks for without fighting the ring buffer's API.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a Decoder with its own internal accumulator.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read socket bytes to the accumulator.
func (d *Decoder) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	d.buf = append(d.buf, data...)
}

// Next attempts to decode one complete frame from the accumulator. It
// returns (frame, true, nil) on success, (nil, false, nil) if the
// accumulator does not yet hold a whole frame, and a non-nil error for a
// malformed or disallowed frame (ShortRead is signalled separately by the
// caller noticing EOF between frames, not by this method).
func (d *Decoder) Next() (*Frame, bool, error) {
	if len(d.buf) == 0 {
		return nil, false, nil
	}

	if d.buf[0] != plaintextIndicator {
		return nil, false, bleproxy.ErrUnsupportedTransport
	}
	rest := d.buf[1:]

	payloadLen, n1, err := readVarint(rest)
	if err != nil {
		return nil, false, err
	}
	if n1 == 0 {
		return nil, false, nil // need more bytes
	}
	if payloadLen > MaxPayloadLen {
		return nil, false, bleproxy.ErrPayloadTooLarge
	}
	rest = rest[n1:]

	msgType, n2, err := readVarint(rest)
	if err != nil {
		return nil, false, err
	}
	if n2 == 0 {
		return nil, false, nil
	}
	rest = rest[n2:]

	if uint64(len(rest)) < payloadLen {
		return nil, false, nil // payload not fully buffered yet
	}

	payload := make([]byte, payloadLen)
	copy(payload, rest[:payloadLen])

	total := 1 + n1 + n2 + int(payloadLen)
	remaining := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:remaining]

	return &Frame{Type: msgType, Payload: payload}, true, nil
}

// Pending reports whether the accumulator holds any unconsumed bytes; used
// to distinguish a clean EOF between frames (ShortRead, non-fatal) from one
// that lands mid-frame (TransportFatal).
func (d *Decoder) Pending() bool {
	return len(d.buf) > 0
}
