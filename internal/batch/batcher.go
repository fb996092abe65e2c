// Package batch coalesces raw BLE advertisements into the batched
// BleRawAdsResp frames active clients subscribe to (spec §4.4, C4). It
// queues incoming advertisements on a lock-free ring buffer and flushes on
// whichever comes first: BATCH_MAX advertisements accumulated, or
// FLUSH_INTERVAL elapsing since the last flush.
package batch

import (
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/bleproxyd/internal/model"
)

const (
	// DefaultBatchMax is BATCH_MAX: the maximum number of advertisements
	// carried in one BleRawAdsResp frame.
	DefaultBatchMax = 16
	// DefaultFlushInterval is FLUSH_INTERVAL: the maximum time a partial
	// batch waits before being flushed anyway.
	DefaultFlushInterval = 50 * time.Millisecond

	ringCapacity uint32 = 4096
)

// Sink receives one flushed batch; len(batch) is always in [1, BatchMax].
type Sink func(batch []model.Advertisement)

// Batcher implements invariant I4 (a queued advertisement is flushed within
// FLUSH_INTERVAL or upon reaching BATCH_MAX, whichever is first).
type Batcher struct {
	batchMax      int
	flushInterval time.Duration
	sink          Sink

	buffer mpmc.RichOverlappedRingBuffer[model.Advertisement]

	count int64 // pending items in buffer, tracked alongside it for the BatchMax check
	kick  chan struct{}
	stop  chan struct{}
	done  chan struct{}

	dropped int64 // count of advertisements the ring buffer overwrote
}

// New creates a Batcher. flushFn is called from the batcher's own goroutine,
// never concurrently, so it may touch session-owned state directly as long
// as it does not block.
func New(batchMax int, flushInterval time.Duration, flushFn Sink) *Batcher {
	if batchMax <= 0 {
		batchMax = DefaultBatchMax
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Batcher{
		batchMax:      batchMax,
		flushInterval: flushInterval,
		sink:          flushFn,
		buffer:        mpmc.NewOverlappedRingBuffer[model.Advertisement](ringCapacity),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the batcher's flush loop. Call Stop to release it.
func (b *Batcher) Start() {
	go b.run()
}

// Stop halts the flush loop, flushing any partial batch first.
func (b *Batcher) Stop() {
	close(b.stop)
	<-b.done
}

// Enqueue adds one advertisement to the pending batch. Safe for concurrent
// callers; the ring buffer overwrites its oldest entry rather than blocking
// the scanner's own goroutine once ringCapacity is exceeded.
func (b *Batcher) Enqueue(adv model.Advertisement) {
	overwrites, err := b.buffer.EnqueueM(adv)
	if err != nil {
		atomic.AddInt64(&b.dropped, 1)
		return
	}
	if overwrites > 0 {
		atomic.AddInt64(&b.dropped, int64(overwrites))
	} else {
		atomic.AddInt64(&b.count, 1)
	}
	if atomic.LoadInt64(&b.count) >= int64(b.batchMax) {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Dropped reports how many advertisements were discarded due to sustained
// overflow of the input queue.
func (b *Batcher) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

func (b *Batcher) run() {
	defer close(b.done)

	timer := time.NewTimer(b.flushInterval)
	defer timer.Stop()

	flush := func() {
		var pending []model.Advertisement
		for len(pending) < b.batchMax && !b.buffer.IsEmpty() {
			rec, err := b.buffer.Dequeue()
			if err != nil {
				break
			}
			atomic.AddInt64(&b.count, -1)
			pending = append(pending, rec)
		}
		if len(pending) > 0 {
			b.sink(pending)
		}
	}

	for {
		select {
		case <-b.stop:
			flush()
			return
		case <-b.kick:
			flush()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.flushInterval)
		case <-timer.C:
			flush()
			timer.Reset(b.flushInterval)
		}
	}
}
