package wire

import "github.com/srg/bleproxyd/internal/bleproxy"

// This file implements the minimal protobuf wire-format helpers the message
// catalogue (messages.go) needs: varint and length-delimited fields, tagged
// the standard way (fieldNum<<3 | wireType). It follows the same
// hand-rolled approach chaz8081-gostt-writer/internal/ble/protocol uses for
// its ESP32 link, generalized into reusable encode/decode helpers instead of
// one-off Marshal functions per message. Per spec §1, the concrete
// protobuf codec is nominally an external collaborator; this is the
// daemon's own concrete implementation of that boundary, not a dependency
// on a generated pb package, since the wire schema summarized in spec §6.2
// is small enough to hand-write directly.

const (
	wireVarint = 0
	wireBytes  = 2
)

func tag(fieldNum int, wireType uint8) uint64 {
	return uint64(fieldNum)<<3 | uint64(wireType)
}

func putVarintField(buf []byte, fieldNum int, v uint64) []byte {
	buf = appendVarint(buf, tag(fieldNum, wireVarint))
	return appendVarint(buf, v)
}

func putBoolField(buf []byte, fieldNum int, v bool) []byte {
	if !v {
		return buf
	}
	return putVarintField(buf, fieldNum, 1)
}

func putBytesField(buf []byte, fieldNum int, v []byte) []byte {
	if len(v) == 0 {
		return buf
	}
	buf = appendVarint(buf, tag(fieldNum, wireBytes))
	buf = appendVarint(buf, uint64(len(v)))
	return append(buf, v...)
}

func putStringField(buf []byte, fieldNum int, v string) []byte {
	return putBytesField(buf, fieldNum, []byte(v))
}

func putMessageField(buf []byte, fieldNum int, encoded []byte) []byte {
	return putBytesField(buf, fieldNum, encoded)
}

// field is one decoded wire field, handed to the visitor callback in
// decodeFields.
type field struct {
	num      int
	wireType uint8
	varint   uint64
	bytes    []byte
}

// decodeFields walks data's top-level fields in order, calling visit once
// per field. It does not recurse into length-delimited submessages; callers
// that need nested messages call decodeFields again on field.bytes.
func decodeFields(data []byte, visit func(field) error) error {
	for len(data) > 0 {
		tagVal, n, err := readVarint(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return bleproxy.New(bleproxy.KindProtocolFatal, "truncated field tag", nil)
		}
		data = data[n:]

		fieldNum := int(tagVal >> 3)
		wireType := uint8(tagVal & 0x07)

		switch wireType {
		case wireVarint:
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			if n == 0 {
				return bleproxy.New(bleproxy.KindProtocolFatal, "truncated varint field", nil)
			}
			data = data[n:]
			if err := visit(field{num: fieldNum, wireType: wireType, varint: v}); err != nil {
				return err
			}
		case wireBytes:
			length, n, err := readVarint(data)
			if err != nil {
				return err
			}
			if n == 0 {
				return bleproxy.New(bleproxy.KindProtocolFatal, "truncated length field", nil)
			}
			data = data[n:]
			if uint64(len(data)) < length {
				return bleproxy.New(bleproxy.KindProtocolFatal, "field length exceeds payload", nil)
			}
			if err := visit(field{num: fieldNum, wireType: wireType, bytes: data[:length]}); err != nil {
				return err
			}
			data = data[length:]
		default:
			return bleproxy.New(bleproxy.KindProtocolFatal, "unsupported wire type", nil)
		}
	}
	return nil
}
