// Package session implements the control session (spec §4.2, C2): the
// per-client state machine from handshake through authenticated streaming,
// and its outbox — the bounded, non-blocking send queue a session's writer
// loop drains to the socket.
package session

import (
	"errors"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultOutboxCapacity bounds the outbox in bytes, not frames — a
// handful of max-size GATT responses or one large ad batch, generous
// enough that a well-behaved client never sees backpressure.
const DefaultOutboxCapacity = 64 * 1024

// Outbox stages encoded frames for a session's writer loop the way
// ptyio's ringPTY stages bytes for its write loop: TryEnqueue/Drain never
// block, so the producer (the session's dispatch goroutine) and the
// writer loop (draining to the socket) never stall each other.
//
// Unlike ptyio's raw byte stream, a dropped partial frame would corrupt
// the length-delimited wire format for every frame behind it, so
// TryEnqueue refuses a frame outright rather than letting the ring
// buffer's partial write queue only the part that fits — the caller decides
// the overflow policy (drop the subscription, or close the session).
type Outbox struct {
	mu     sync.Mutex
	ring   *ringbuffer.RingBuffer
	notify chan struct{}
	closed bool
}

// NewOutbox returns an empty Outbox with the given byte capacity (0 uses
// DefaultOutboxCapacity).
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &Outbox{
		ring:   ringbuffer.New(capacity),
		notify: make(chan struct{}, 1),
	}
}

// TryEnqueue stages frame for the writer loop. It returns false if frame
// would not fit whole in the remaining capacity, or the outbox is closed;
// callers must not retry by fragmenting frame.
func (o *Outbox) TryEnqueue(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	free := o.ring.Capacity() - o.ring.Length()
	if len(frame) > free {
		return false
	}
	if _, err := o.ring.Write(frame); err != nil {
		return false
	}
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain copies up to len(buf) staged bytes into buf, returning how many
// were copied. Mirrors ptyio's ttyWriteLoop TryRead usage.
func (o *Outbox) Drain(buf []byte) (int, error) {
	n, err := o.ring.TryRead(buf)
	if errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, nil
	}
	return n, err
}

// IsEmpty reports whether any bytes remain staged.
func (o *Outbox) IsEmpty() bool {
	return o.ring.IsEmpty()
}

// Notify is signalled whenever TryEnqueue stages new bytes; the writer
// loop selects on it between drains.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

// Close marks the outbox closed; further TryEnqueue calls fail.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}
