// Package gatt implements the GATT operation broker (spec §4.7, C8): it
// assigns each inbound read/write/subscribe request an op_id, queues it on
// the owning connection's per-connection FIFO (spec task T5: at most one
// op in flight per peripheral, requests resolved in arrival order), and
// resolves it exactly once (invariant I5) with a response, a protocol
// error, or a timeout. The pending-op ledger is an ordered map keyed by
// op_id, the same structure the data model uses for a peripheral's GATT
// tree (internal/model.Service), so iteration for disconnect-drain
// preserves submission order.
package gatt

import (
	"sync"
	"sync/atomic"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bleproxyd/internal/adapter"
	"github.com/srg/bleproxyd/internal/connpool"
	"github.com/srg/bleproxyd/internal/model"
)

// DefaultOpTimeout is GATT_OP_TIMEOUT.
const DefaultOpTimeout = 30 * time.Second

// Result is handed to a ResultSink exactly once per submitted operation.
type Result struct {
	OpID  model.OpID
	Kind  model.OpKind
	Addr  model.Address
	Handle model.Handle
	Data  []byte
	Err   model.ErrorCode
}

// ResultSink receives the resolution of one pending op. The broker never
// calls it more than once per OpID (invariant I5).
type ResultSink func(Result)

type pendingEntry struct {
	op   model.PendingOp
	addr model.Address
	sink ResultSink
	done int32 // atomic: 0=pending, 1=resolved, guards the invariant against a double resolution race
}

// connFIFO is one connection's GATT request queue (spec task T5): jobs run
// strictly one at a time, in submission order, so responses for a given
// address preserve request order (ordering guarantee O2) no matter how the
// underlying adapter call completes. The worker goroutine exits once the
// queue drains rather than living for the connection's whole lifetime, so
// an address that cycles through many connect/disconnect cycles does not
// accumulate idle goroutines.
type connFIFO struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
}

func (q *connFIFO) submit(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *connFIFO) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}

// Broker is the per-daemon GATT operation broker (C8).
type Broker struct {
	ad        adapter.Adapter
	opTimeout time.Duration
	nextOpID  uint64

	mu      sync.Mutex
	pending *orderedmap.OrderedMap[model.OpID, *pendingEntry]
	fifos   map[model.Address]*connFIFO
}

// New returns a Broker with an empty pending-op ledger.
func New(ad adapter.Adapter, opTimeout time.Duration) *Broker {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Broker{
		ad:        ad,
		opTimeout: opTimeout,
		pending:   orderedmap.New[model.OpID, *pendingEntry](),
		fifos:     make(map[model.Address]*connFIFO),
	}
}

// fifoFor returns addr's request queue, creating one on first use.
func (b *Broker) fifoFor(addr model.Address) *connFIFO {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.fifos[addr]
	if !ok {
		q = &connFIFO{}
		b.fifos[addr] = q
	}
	return q
}

func (b *Broker) allocOpID() model.OpID {
	return model.OpID(atomic.AddUint64(&b.nextOpID, 1))
}

func (b *Broker) register(addr model.Address, kind model.OpKind, handle model.Handle, sink ResultSink) *pendingEntry {
	opID := b.allocOpID()
	entry := &pendingEntry{
		op: model.PendingOp{
			OpID:     opID,
			Kind:     kind,
			Handle:   handle,
			Deadline: time.Now().Add(b.opTimeout),
		},
		addr: addr,
		sink: sink,
	}

	b.mu.Lock()
	b.pending.Set(opID, entry)
	b.mu.Unlock()

	time.AfterFunc(b.opTimeout, func() { b.resolve(opID, Result{OpID: opID, Kind: kind, Addr: addr, Handle: handle, Err: model.TimeoutCode}) })
	return entry
}

// resolve delivers res to the entry's sink exactly once, then removes the
// entry from the ledger, whichever caller (success path or timeout) gets
// there first.
func (b *Broker) resolve(opID model.OpID, res Result) {
	b.mu.Lock()
	entry, ok := b.pending.Get(opID)
	if ok {
		b.pending.Delete(opID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if !atomic.CompareAndSwapInt32(&entry.done, 0, 1) {
		return
	}
	entry.sink(res)
}

// ReadCharacteristic submits a read and resolves via sink once the adapter
// responds or GATT_OP_TIMEOUT elapses.
func (b *Broker) ReadCharacteristic(conn *connpool.Connection, handle model.Handle, sink ResultSink) {
	entry := b.register(conn.Address, model.OpReadChr, handle, sink)
	b.fifoFor(conn.Address).submit(func() {
		h := conn.Handle()
		data, err := b.ad.ReadCharacteristic(h, handle)
		if err != nil {
			b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpReadChr, Addr: conn.Address, Handle: handle, Err: model.AdapterUnavailableCode})
			return
		}
		b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpReadChr, Addr: conn.Address, Handle: handle, Data: data})
	})
}

// WriteCharacteristic submits a write and resolves via sink.
func (b *Broker) WriteCharacteristic(conn *connpool.Connection, handle model.Handle, data []byte, withResponse bool, sink ResultSink) {
	entry := b.register(conn.Address, model.OpWriteChr, handle, sink)
	b.fifoFor(conn.Address).submit(func() {
		h := conn.Handle()
		if err := b.ad.WriteCharacteristic(h, handle, data, withResponse); err != nil {
			b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpWriteChr, Addr: conn.Address, Handle: handle, Err: model.AdapterUnavailableCode})
			return
		}
		b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpWriteChr, Addr: conn.Address, Handle: handle})
	})
}

// ReadDescriptor submits a descriptor read and resolves via sink.
func (b *Broker) ReadDescriptor(conn *connpool.Connection, handle model.Handle, sink ResultSink) {
	entry := b.register(conn.Address, model.OpReadDesc, handle, sink)
	b.fifoFor(conn.Address).submit(func() {
		h := conn.Handle()
		data, err := b.ad.ReadDescriptor(h, handle)
		if err != nil {
			b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpReadDesc, Addr: conn.Address, Handle: handle, Err: model.AdapterUnavailableCode})
			return
		}
		b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpReadDesc, Addr: conn.Address, Handle: handle, Data: data})
	})
}

// WriteDescriptor submits a descriptor write and resolves via sink.
func (b *Broker) WriteDescriptor(conn *connpool.Connection, handle model.Handle, data []byte, sink ResultSink) {
	entry := b.register(conn.Address, model.OpWriteDesc, handle, sink)
	b.fifoFor(conn.Address).submit(func() {
		h := conn.Handle()
		if err := b.ad.WriteDescriptor(h, handle, data); err != nil {
			b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpWriteDesc, Addr: conn.Address, Handle: handle, Err: model.AdapterUnavailableCode})
			return
		}
		b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpWriteDesc, Addr: conn.Address, Handle: handle})
	})
}

// SetNotify submits a subscribe/unsubscribe toggle and resolves via sink.
func (b *Broker) SetNotify(conn *connpool.Connection, handle model.Handle, enable bool, notifySink adapter.NotifySink, sink ResultSink) {
	entry := b.register(conn.Address, model.OpNotifySet, handle, sink)
	b.fifoFor(conn.Address).submit(func() {
		h := conn.Handle()
		var err error
		if enable {
			err = b.ad.SubscribeNotify(h, handle, notifySink)
		} else {
			err = b.ad.UnsubscribeNotify(h, handle)
		}
		if err != nil {
			b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpNotifySet, Addr: conn.Address, Handle: handle, Err: model.AdapterUnavailableCode})
			return
		}
		b.resolve(entry.op.OpID, Result{OpID: entry.op.OpID, Kind: model.OpNotifySet, Addr: conn.Address, Handle: handle})
	})
}

// DrainForAddress resolves every pending op for addr with DisconnectedCode,
// in submission order, as boundary scenario 6 (disconnect drain) requires.
func (b *Broker) DrainForAddress(addr model.Address) {
	b.mu.Lock()
	var toResolve []*pendingEntry
	for pair := b.pending.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.addr == addr {
			toResolve = append(toResolve, pair.Value)
		}
	}
	b.mu.Unlock()

	for _, entry := range toResolve {
		b.resolve(entry.op.OpID, Result{
			OpID:   entry.op.OpID,
			Kind:   entry.op.Kind,
			Addr:   addr,
			Handle: entry.op.Handle,
			Err:    model.DisconnectedCode,
		})
	}
}

// Pending returns the number of currently unresolved operations, for tests
// and diagnostics.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}
