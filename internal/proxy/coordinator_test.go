package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxyd/internal/adapter/fake"
	"github.com/srg/bleproxyd/internal/gatt"
	"github.com/srg/bleproxyd/internal/model"
)

type recordingSink struct {
	mu        sync.Mutex
	adsBatches  [][]model.Advertisement
	scanModes   []model.ScannerMode
	gattResults []gatt.Result
	notifies    []model.Address
	connStates  []bool
}

func (r *recordingSink) SendAdsBatch(sid model.SessionID, batch []model.Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adsBatches = append(r.adsBatches, batch)
}

func (r *recordingSink) SendScannerState(sid model.SessionID, mode model.ScannerMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanModes = append(r.scanModes, mode)
}

func (r *recordingSink) SendGattResult(sid model.SessionID, res gatt.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gattResults = append(r.gattResults, res)
}

func (r *recordingSink) SendNotify(sid model.SessionID, addr model.Address, handle model.Handle, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifies = append(r.notifies, addr)
}

func (r *recordingSink) SendConnState(sid model.SessionID, addr model.Address, connected bool, mtu uint16, errCode model.ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connStates = append(r.connStates, connected)
}

func (r *recordingSink) count(f func() int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f()
}

func testConfig() Config {
	return Config{
		MaxConnections: 3,
		BatchMax:       4,
		FlushInterval:  20 * time.Millisecond,
		ConnectTimeout: time.Second,
		DisconnTimeout: time.Second,
		GattOpTimeout:  time.Second,
	}
}

func TestCoordinatorStartsScannerOnFirstSubscriberAndStopsOnLast(t *testing.T) {
	ad := fake.New()
	out := &recordingSink{}
	c := New(ad, nil, out, testConfig())
	c.Start()
	defer c.Stop()

	sid := model.SessionID(1)
	c.SubscribeAds(sid, false)

	require.Eventually(t, func() bool {
		return ad.IsScanning()
	}, time.Second, 5*time.Millisecond)

	c.UnsubscribeAds(sid)
	require.Eventually(t, func() bool {
		return !ad.IsScanning()
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorFlushesAdvertisementsToSubscribers(t *testing.T) {
	ad := fake.New()
	out := &recordingSink{}
	c := New(ad, nil, out, testConfig())
	c.Start()
	defer c.Stop()

	sid := model.SessionID(1)
	c.SubscribeAds(sid, false)
	require.Eventually(t, func() bool { return ad.IsScanning() }, time.Second, 5*time.Millisecond)

	ad.Advertise(model.Advertisement{Address: model.Address(1), RSSI: -40, Data: []byte{1}})

	require.Eventually(t, func() bool {
		return out.count(func() int { return len(out.adsBatches) }) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorConnectDeviceReportsPoolExhaustion(t *testing.T) {
	ad := fake.New()
	out := &recordingSink{}
	cfg := testConfig()
	cfg.MaxConnections = 1
	c := New(ad, nil, out, cfg)
	c.Start()
	defer c.Stop()

	a1 := model.Address(1)
	a2 := model.Address(2)
	ad.AddPeripheral(fake.NewPeripheral(a1, model.AddressPublic))
	ad.AddPeripheral(fake.NewPeripheral(a2, model.AddressPublic))

	sid := model.SessionID(1)
	c.ConnectDevice(context.Background(), sid, a1, model.AddressPublic)
	c.ConnectDevice(context.Background(), sid, a2, model.AddressPublic)

	require.Eventually(t, func() bool {
		return out.count(func() int { return len(out.connStates) }) >= 2
	}, time.Second, 5*time.Millisecond)

	out.mu.Lock()
	defer out.mu.Unlock()
	assert.True(t, out.connStates[0])
	assert.False(t, out.connStates[1])
}

func connectedCoordinator(t *testing.T) (*Coordinator, *recordingSink, model.Address, model.Handle, model.Handle, *fake.Peripheral) {
	t.Helper()
	ad := fake.New()
	out := &recordingSink{}
	c := New(ad, nil, out, testConfig())
	c.Start()
	t.Cleanup(c.Stop)

	addr := model.Address(1)
	svc := model.NewService("180D", 1)
	chr := model.NewCharacteristic("2A37", 2, model.PropRead|model.PropWrite)
	chr.Descriptors.Set(3, model.Descriptor{UUID: "2902", Handle: 3})
	svc.Characteristics.Set(chr.Handle, chr)
	p := fake.NewPeripheral(addr, model.AddressPublic).WithService(svc)
	p.SetCharacteristicValue(chr.Handle, []byte{1, 2, 3})
	p.SetDescriptorValue(3, []byte{4, 5})
	ad.AddPeripheral(p)

	sid := model.SessionID(1)
	c.ConnectDevice(context.Background(), sid, addr, model.AddressPublic)
	require.Eventually(t, func() bool {
		return out.count(func() int { return len(out.connStates) }) >= 1
	}, time.Second, 5*time.Millisecond)

	return c, out, addr, chr.Handle, model.Handle(3), p
}

// TestCoordinatorGattReadDescRoutesToDescriptorOp proves a descriptor read
// dispatched through the coordinator resolves as OpReadDesc against the
// descriptor's own handle/value, not as a characteristic read.
func TestCoordinatorGattReadDescRoutesToDescriptorOp(t *testing.T) {
	c, out, addr, _, descHandle, _ := connectedCoordinator(t)
	sid := model.SessionID(1)

	c.GattReadDesc(sid, addr, descHandle)

	require.Eventually(t, func() bool {
		return out.count(func() int { return len(out.gattResults) }) >= 1
	}, time.Second, 5*time.Millisecond)

	out.mu.Lock()
	defer out.mu.Unlock()
	res := out.gattResults[0]
	assert.Equal(t, model.OpReadDesc, res.Kind)
	assert.Equal(t, descHandle, res.Handle)
	assert.Equal(t, model.ErrNone, res.Err)
	assert.Equal(t, []byte{4, 5}, res.Data)
}

// TestCoordinatorDisconnectDrainsPendingGattOps is boundary scenario 6: a
// GattRead in flight when DisconnectDevice runs must resolve with
// DisconnectedCode before (or alongside) the disconnect's own ConnState
// response, rather than sitting until GATT_OP_TIMEOUT.
func TestCoordinatorDisconnectDrainsPendingGattOps(t *testing.T) {
	c, out, addr, chrHandle, _, peripheral := connectedCoordinator(t)
	sid := model.SessionID(1)

	// Slow the read so it is still pending when DisconnectDevice runs,
	// instead of racing the adapter call to completion.
	peripheral.OpDelay = 100 * time.Millisecond

	c.GattRead(sid, addr, chrHandle)
	c.DisconnectDevice(sid, addr)

	require.Eventually(t, func() bool {
		return out.count(func() int { return len(out.gattResults) }) >= 1
	}, time.Second, 5*time.Millisecond)

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.gattResults, 1)
	assert.Equal(t, model.DisconnectedCode, out.gattResults[0].Err)
}
