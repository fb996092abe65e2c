package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxyd/internal/bleproxy"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello bleproxyd")
	encoded := Encode(42, payload)

	d := NewDecoder()
	d.Feed(encoded)

	frame, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), frame.Type)
	assert.Equal(t, payload, frame.Payload)
	assert.False(t, d.Pending())
}

func TestDecodeAcrossPartialFeeds(t *testing.T) {
	encoded := Encode(7, []byte("partial"))

	d := NewDecoder()
	for i := 0; i < len(encoded); i++ {
		d.Feed(encoded[i : i+1])
		frame, ok, err := d.Next()
		require.NoError(t, err)
		if i < len(encoded)-1 {
			assert.False(t, ok, "should not decode before all bytes arrive")
			continue
		}
		require.True(t, ok)
		assert.Equal(t, uint64(7), frame.Type)
		assert.Equal(t, []byte("partial"), frame.Payload)
	}
}

func TestDecodeMultipleFramesInOneFeed(t *testing.T) {
	d := NewDecoder()
	d.Feed(append(Encode(1, []byte("a")), Encode(2, []byte("bb"))...))

	f1, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f1.Type)

	f2, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), f2.Type)
	assert.Equal(t, []byte("bb"), f2.Payload)

	assert.False(t, d.Pending())
}

func TestDecodeRejectsUnsupportedTransport(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x01, 0x00, 0x00})

	_, ok, err := d.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, bleproxy.ErrUnsupportedTransport)
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	d := NewDecoder()
	buf := []byte{plaintextIndicator}
	buf = appendVarint(buf, MaxPayloadLen+1)
	buf = appendVarint(buf, 1)
	d.Feed(buf)

	_, ok, err := d.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, bleproxy.ErrPayloadTooLarge)
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)}
	for _, v := range values {
		buf := appendVarint(nil, v)
		got, n, err := readVarint(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, v, got)
	}
}

func TestReadVarintOverflow(t *testing.T) {
	buf := make([]byte, 11)
	for i := range buf {
		buf[i] = 0x80
	}
	_, _, err := readVarint(buf)
	assert.ErrorIs(t, err, bleproxy.ErrVarintOverflow)
}
