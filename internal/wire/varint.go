package wire

import (
	"encoding/binary"

	"github.com/srg/bleproxyd/internal/bleproxy"
)

// maxVarintBytes is the longest a base-128 varint may run before the codec
// gives up and declares the stream corrupt (spec §4.1).
const maxVarintBytes = 10

// appendVarint appends v to buf as an unsigned base-128 little-endian
// varint, the same encoding binary.PutUvarint uses and the one
// chaz8081-gostt-writer's protocol package hand-rolls for its ESP32 link.
func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readVarint decodes a varint from the front of data, returning the value
// and the number of bytes consumed. It returns (0, 0, ErrVarintOverflow) if
// more than maxVarintBytes bytes are consumed without a terminator, and
// (0, 0, nil) if data does not yet hold a complete varint (caller should
// read more bytes).
func readVarint(data []byte) (uint64, int, error) {
	limit := data
	if len(limit) > maxVarintBytes {
		limit = limit[:maxVarintBytes]
	}
	val, n := binary.Uvarint(limit)
	if n > 0 {
		return val, n, nil
	}
	if n == 0 {
		// Not enough bytes yet - ambiguous with "need more data" unless we
		// already hit the byte cap.
		if len(data) >= maxVarintBytes {
			return 0, 0, bleproxy.ErrVarintOverflow
		}
		return 0, 0, nil
	}
	// n < 0: overflowed 64 bits within maxVarintBytes.
	return 0, 0, bleproxy.ErrVarintOverflow
}
