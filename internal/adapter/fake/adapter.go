// Package fake provides an in-memory adapter.Adapter test double that
// drives a scripted peripheral without a real radio. It implements the
// same capability interface the goble backend does, so pool/broker/session
// tests exercise real daemon code against a fully deterministic BLE stack.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/bleproxyd/internal/adapter"
	"github.com/srg/bleproxyd/internal/model"
)

// Peripheral is a scripted device the fake adapter can connect to.
type Peripheral struct {
	Address     model.Address
	AddressType model.AddressType
	Services    []*model.Service

	// FailConnect, when set, makes Connect to this peripheral return this
	// error instead of succeeding.
	FailConnect error

	// OpDelay, if set, is slept inside ReadCharacteristic before it
	// returns, letting tests prove that a slow op does not let a
	// later-submitted op on the same connection jump ahead of it.
	OpDelay time.Duration

	chrValues  map[model.Handle][]byte
	descValues map[model.Handle][]byte
}

// NewPeripheral returns an empty scripted peripheral ready for WithService.
func NewPeripheral(addr model.Address, addrType model.AddressType) *Peripheral {
	return &Peripheral{
		Address:     addr,
		AddressType: addrType,
		chrValues:   make(map[model.Handle][]byte),
		descValues:  make(map[model.Handle][]byte),
	}
}

// WithService appends svc to the peripheral's GATT
// tree and returns the peripheral for chaining, mirroring the teacher's
// PeripheralDeviceBuilder.WithService fluent style.
func (p *Peripheral) WithService(svc *model.Service) *Peripheral {
	p.Services = append(p.Services, svc)
	return p
}

// SetCharacteristicValue seeds the value ReadCharacteristic returns for chr
// until the next WriteCharacteristic.
func (p *Peripheral) SetCharacteristicValue(chr model.Handle, data []byte) *Peripheral {
	p.chrValues[chr] = append([]byte(nil), data...)
	return p
}

// SetDescriptorValue seeds the value ReadDescriptor returns for desc.
func (p *Peripheral) SetDescriptorValue(desc model.Handle, data []byte) *Peripheral {
	p.descValues[desc] = append([]byte(nil), data...)
	return p
}

type activeConn struct {
	peripheral *Peripheral
	notifySubs map[model.Handle]adapter.NotifySink
}

// Adapter is the scripted, in-memory adapter.Adapter test double.
type Adapter struct {
	mu          sync.Mutex
	peripherals map[model.Address]*Peripheral
	conns       map[adapter.ConnHandle]*activeConn
	next        adapter.ConnHandle

	advSink  adapter.AdvertisementSink
	scanning bool
	scanFail chan error

	discSink map[adapter.ConnHandle]adapter.DisconnectSink

	// ConnectDelay, if set, is slept before Connect returns, letting tests
	// exercise CONNECT_TIMEOUT behavior deterministically.
	ConnectDelay time.Duration

	unpairedAddrs    map[model.Address]bool
	clearedCacheAddr map[model.Address]bool
}

// New returns an Adapter with no peripherals registered.
func New() *Adapter {
	return &Adapter{
		peripherals:      make(map[model.Address]*Peripheral),
		conns:            make(map[adapter.ConnHandle]*activeConn),
		discSink:         make(map[adapter.ConnHandle]adapter.DisconnectSink),
		unpairedAddrs:    make(map[model.Address]bool),
		clearedCacheAddr: make(map[model.Address]bool),
		scanFail:         make(chan error, 1),
	}
}

// AddPeripheral registers p as discoverable/connectable.
func (a *Adapter) AddPeripheral(p *Peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals[p.Address] = p
}

// Advertise synchronously delivers adv to the registered advertisement
// sink, as if the scripted peripheral had just broadcast it. No-op if
// scanning has not started or no sink is registered.
func (a *Adapter) Advertise(adv model.Advertisement) {
	a.mu.Lock()
	sink, scanning := a.advSink, a.scanning
	a.mu.Unlock()
	if scanning && sink != nil {
		sink(adv)
	}
}

// Disconnected simulates an adapter-initiated link loss (e.g. the
// peripheral moved out of range) for an already-connected handle.
func (a *Adapter) Disconnected(h adapter.ConnHandle, err error) {
	a.mu.Lock()
	sink := a.discSink[h]
	delete(a.conns, h)
	delete(a.discSink, h)
	a.mu.Unlock()
	if sink != nil {
		sink(h, err)
	}
}

func (a *Adapter) OnAdvertisement(sink adapter.AdvertisementSink) {
	a.mu.Lock()
	a.advSink = sink
	a.mu.Unlock()
}

// StartScan blocks, as the real go-ble-backed adapter's does, until ctx is
// cancelled or a failure is injected via FailNextScan.
func (a *Adapter) StartScan(ctx context.Context, _ bool) error {
	a.mu.Lock()
	a.scanning = true
	failCh := a.scanFail
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failCh:
		return err
	}
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	a.scanning = false
	a.mu.Unlock()
	return nil
}

// IsScanning reports whether a StartScan call is currently blocked in its
// scanning select, for tests asserting start/stop transitions.
func (a *Adapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// FailNextScan makes the in-flight (or next) StartScan call return err, as
// if the adapter hit a scan failure, letting tests exercise the scanner's
// restart-with-back-off loop.
func (a *Adapter) FailNextScan(err error) {
	a.mu.Lock()
	ch := a.scanFail
	a.mu.Unlock()
	select {
	case ch <- err:
	default:
	}
}

func (a *Adapter) Connect(ctx context.Context, addr model.Address, addrType model.AddressType, _ time.Duration) (adapter.ConnHandle, error) {
	a.mu.Lock()
	delay := a.ConnectDelay
	p, ok := a.peripherals[addr]
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	if !ok {
		return 0, fmt.Errorf("fake: no peripheral registered for %s", addr)
	}
	if p.FailConnect != nil {
		return 0, p.FailConnect
	}
	if p.AddressType != addrType {
		return 0, fmt.Errorf("fake: address type mismatch for %s", addr)
	}

	a.mu.Lock()
	a.next++
	h := a.next
	a.conns[h] = &activeConn{peripheral: p, notifySubs: make(map[model.Handle]adapter.NotifySink)}
	a.mu.Unlock()
	return h, nil
}

func (a *Adapter) OnDisconnect(h adapter.ConnHandle, sink adapter.DisconnectSink) {
	a.mu.Lock()
	a.discSink[h] = sink
	a.mu.Unlock()
}

func (a *Adapter) Disconnect(h adapter.ConnHandle) error {
	a.mu.Lock()
	delete(a.conns, h)
	delete(a.discSink, h)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) DiscoverServices(h adapter.ConnHandle) ([]*model.Service, error) {
	cs, ok := a.get(h)
	if !ok {
		return nil, fmt.Errorf("fake: unknown connection handle %d", h)
	}
	return cs.peripheral.Services, nil
}

func (a *Adapter) ReadCharacteristic(h adapter.ConnHandle, chr model.Handle) ([]byte, error) {
	cs, ok := a.get(h)
	if !ok {
		return nil, fmt.Errorf("fake: unknown connection handle %d", h)
	}
	if delay := cs.peripheral.OpDelay; delay > 0 {
		time.Sleep(delay)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), cs.peripheral.chrValues[chr]...), nil
}

func (a *Adapter) WriteCharacteristic(h adapter.ConnHandle, chr model.Handle, data []byte, _ bool) error {
	cs, ok := a.get(h)
	if !ok {
		return fmt.Errorf("fake: unknown connection handle %d", h)
	}
	a.mu.Lock()
	cs.peripheral.chrValues[chr] = append([]byte(nil), data...)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ReadDescriptor(h adapter.ConnHandle, desc model.Handle) ([]byte, error) {
	cs, ok := a.get(h)
	if !ok {
		return nil, fmt.Errorf("fake: unknown connection handle %d", h)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), cs.peripheral.descValues[desc]...), nil
}

func (a *Adapter) WriteDescriptor(h adapter.ConnHandle, desc model.Handle, data []byte) error {
	cs, ok := a.get(h)
	if !ok {
		return fmt.Errorf("fake: unknown connection handle %d", h)
	}
	a.mu.Lock()
	cs.peripheral.descValues[desc] = append([]byte(nil), data...)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SubscribeNotify(h adapter.ConnHandle, chr model.Handle, sink adapter.NotifySink) error {
	cs, ok := a.get(h)
	if !ok {
		return fmt.Errorf("fake: unknown connection handle %d", h)
	}
	a.mu.Lock()
	cs.notifySubs[chr] = sink
	a.mu.Unlock()
	return nil
}

func (a *Adapter) UnsubscribeNotify(h adapter.ConnHandle, chr model.Handle) error {
	cs, ok := a.get(h)
	if !ok {
		return nil
	}
	a.mu.Lock()
	delete(cs.notifySubs, chr)
	a.mu.Unlock()
	return nil
}

// Notify delivers data to whatever sink is currently subscribed to chr on
// connection h, as a real peripheral's indication/notification would.
func (a *Adapter) Notify(h adapter.ConnHandle, chr model.Handle, data []byte) {
	cs, ok := a.get(h)
	if !ok {
		return
	}
	a.mu.Lock()
	sink := cs.notifySubs[chr]
	a.mu.Unlock()
	if sink != nil {
		sink(data)
	}
}

func (a *Adapter) Pair(h adapter.ConnHandle) error {
	_, ok := a.get(h)
	if !ok {
		return fmt.Errorf("fake: unknown connection handle %d", h)
	}
	return nil
}

func (a *Adapter) Unpair(addr model.Address) error {
	a.mu.Lock()
	a.unpairedAddrs[addr] = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ClearGattCache(addr model.Address) error {
	a.mu.Lock()
	a.clearedCacheAddr[addr] = true
	a.mu.Unlock()
	return nil
}

// WasUnpaired reports whether Unpair was called for addr, for test
// assertions.
func (a *Adapter) WasUnpaired(addr model.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unpairedAddrs[addr]
}

// WasCacheCleared reports whether ClearGattCache was called for addr.
func (a *Adapter) WasCacheCleared(addr model.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clearedCacheAddr[addr]
}

func (a *Adapter) get(h adapter.ConnHandle) (*activeConn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, ok := a.conns[h]
	return cs, ok
}
