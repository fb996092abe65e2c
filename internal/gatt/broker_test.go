package gatt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxyd/internal/adapter/fake"
	"github.com/srg/bleproxyd/internal/connpool"
	"github.com/srg/bleproxyd/internal/model"
)

func connectedFixture(t *testing.T) (*fake.Adapter, *connpool.Connection, model.Handle) {
	t.Helper()
	ad, conn, handle, _, _ := connectedFixtureWithDescriptor(t)
	return ad, conn, handle
}

// connectedFixtureWithDescriptor is connectedFixture plus a descriptor on
// the same characteristic, for tests that need to distinguish descriptor
// ops from characteristic ops or inject per-op delay via the returned
// peripheral.
func connectedFixtureWithDescriptor(t *testing.T) (*fake.Adapter, *connpool.Connection, model.Handle, model.Handle, *fake.Peripheral) {
	t.Helper()
	ad := fake.New()
	addr := model.Address(1)
	svc := model.NewService("180D", 1)
	chr := model.NewCharacteristic("2A37", 2, model.PropRead|model.PropWrite)
	chr.Descriptors.Set(3, model.Descriptor{UUID: "2902", Handle: 3})
	svc.Characteristics.Set(chr.Handle, chr)
	p := fake.NewPeripheral(addr, model.AddressPublic).WithService(svc)
	p.SetCharacteristicValue(chr.Handle, []byte{1, 2, 3})
	p.SetDescriptorValue(3, []byte{4, 5})
	ad.AddPeripheral(p)

	conn := connpool.New(ad, nil, addr, model.AddressPublic)
	require.NoError(t, conn.Connect(context.Background(), time.Second))
	return ad, conn, chr.Handle, model.Handle(3), p
}

func TestBrokerReadCharacteristicResolvesOnce(t *testing.T) {
	ad, conn, handle := connectedFixture(t)
	b := New(ad, time.Second)

	results := make(chan Result, 1)
	b.ReadCharacteristic(conn, handle, func(r Result) { results <- r })

	select {
	case r := <-results:
		assert.Equal(t, model.ErrNone, r.Err)
		assert.Equal(t, []byte{1, 2, 3}, r.Data)
	case <-time.After(time.Second):
		t.Fatal("read did not resolve")
	}
	assert.Equal(t, 0, b.Pending())
}

func TestBrokerWriteThenReadRoundTrip(t *testing.T) {
	ad, conn, handle := connectedFixture(t)
	b := New(ad, time.Second)

	writeDone := make(chan Result, 1)
	b.WriteCharacteristic(conn, handle, []byte{9, 9}, true, func(r Result) { writeDone <- r })
	<-writeDone

	readDone := make(chan Result, 1)
	b.ReadCharacteristic(conn, handle, func(r Result) { readDone <- r })
	r := <-readDone
	assert.Equal(t, []byte{9, 9}, r.Data)
}

func TestBrokerOpTimesOutExactlyOnce(t *testing.T) {
	ad, conn, handle, _, peripheral := connectedFixtureWithDescriptor(t)
	b := New(ad, 10*time.Millisecond)

	// The read is held past the 10ms op timeout, so the timeout resolves it
	// first and the adapter's late answer must be discarded.
	peripheral.OpDelay = 50 * time.Millisecond

	var calls int
	results := make(chan Result, 2)
	b.ReadCharacteristic(conn, handle, func(r Result) { calls++; results <- r })

	select {
	case r := <-results:
		assert.Equal(t, model.TimeoutCode, r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("op never resolved")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestBrokerDrainForAddressResolvesDisconnected(t *testing.T) {
	ad, conn, handle, _, peripheral := connectedFixtureWithDescriptor(t)
	b := New(ad, time.Hour)

	// Hold the read in flight so the drain, not the adapter, resolves it.
	peripheral.OpDelay = 50 * time.Millisecond
	results := make(chan Result, 1)
	b.ReadCharacteristic(conn, handle, func(r Result) { results <- r })

	b.DrainForAddress(conn.Address)

	r := <-results
	assert.Equal(t, model.DisconnectedCode, r.Err)
}

// TestBrokerDescriptorOpsHitDescriptorAdapterMethods proves a descriptor
// read/write resolves as OpReadDesc/OpWriteDesc with the descriptor's own
// value, not a characteristic op reading the descriptor handle as if it
// were a characteristic handle.
func TestBrokerDescriptorOpsHitDescriptorAdapterMethods(t *testing.T) {
	ad, conn, chrHandle, descHandle, _ := connectedFixtureWithDescriptor(t)
	b := New(ad, time.Second)

	readDone := make(chan Result, 1)
	b.ReadDescriptor(conn, descHandle, func(r Result) { readDone <- r })
	r := <-readDone
	assert.Equal(t, model.OpReadDesc, r.Kind)
	assert.Equal(t, descHandle, r.Handle)
	assert.Equal(t, []byte{4, 5}, r.Data)

	writeDone := make(chan Result, 1)
	b.WriteDescriptor(conn, descHandle, []byte{6, 7}, func(r Result) { writeDone <- r })
	wr := <-writeDone
	assert.Equal(t, model.OpWriteDesc, wr.Kind)

	reReadDone := make(chan Result, 1)
	b.ReadDescriptor(conn, descHandle, func(r Result) { reReadDone <- r })
	rr := <-reReadDone
	assert.Equal(t, []byte{6, 7}, rr.Data)

	chrReadDone := make(chan Result, 1)
	b.ReadCharacteristic(conn, chrHandle, func(r Result) { chrReadDone <- r })
	cr := <-chrReadDone
	assert.Equal(t, []byte{1, 2, 3}, cr.Data, "descriptor write must not have touched the characteristic's own value")
}

// TestBrokerPreservesFIFOOrderAcrossPipelinedOps is boundary scenario 5: four
// pipelined ops submitted back-to-back on one connection must resolve in
// exact submission order, even when an earlier op is slower than a later
// one.
func TestBrokerPreservesFIFOOrderAcrossPipelinedOps(t *testing.T) {
	ad, conn, chrHandle, descHandle, peripheral := connectedFixtureWithDescriptor(t)
	b := New(ad, time.Second)

	// The first op (a characteristic read) is made artificially slow so
	// that, absent serialization, the faster ops submitted right behind it
	// would resolve first.
	peripheral.OpDelay = 50 * time.Millisecond

	var mu sync.Mutex
	var order []model.OpKind
	record := func(r Result) {
		mu.Lock()
		order = append(order, r.Kind)
		mu.Unlock()
	}

	done := make(chan struct{}, 4)
	wrap := func(sink ResultSink) ResultSink {
		return func(r Result) {
			sink(r)
			done <- struct{}{}
		}
	}

	b.ReadCharacteristic(conn, chrHandle, wrap(record))
	b.WriteCharacteristic(conn, chrHandle, []byte{1}, true, wrap(record))
	b.ReadDescriptor(conn, descHandle, wrap(record))
	b.WriteDescriptor(conn, descHandle, []byte{2}, wrap(record))

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pipelined ops did not all resolve")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []model.OpKind{model.OpReadChr, model.OpWriteChr, model.OpReadDesc, model.OpWriteDesc}, order)
}
