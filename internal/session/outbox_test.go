package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxEnqueueAndDrainRoundTrip(t *testing.T) {
	o := NewOutbox(64)
	require.True(t, o.TryEnqueue([]byte("hello")))
	require.True(t, o.TryEnqueue([]byte("world")))

	buf := make([]byte, 64)
	n, err := o.Drain(buf)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(buf[:n]))
	assert.True(t, o.IsEmpty())
}

func TestOutboxRefusesFrameThatDoesNotFit(t *testing.T) {
	o := NewOutbox(4)
	assert.False(t, o.TryEnqueue([]byte("toolong")))
	assert.True(t, o.IsEmpty())
}

func TestOutboxClosedRefusesEnqueue(t *testing.T) {
	o := NewOutbox(64)
	o.Close()
	assert.False(t, o.TryEnqueue([]byte("x")))
}
