// Package goble implements the adapter.Adapter capability set (spec §4.5)
// on top of github.com/go-ble/ble, the cross-platform GATT client the
// teacher repo (srgg-blecli) builds on. It is the daemon's concrete
// host-adapter backend; spec §1 treats the adapter as an external
// collaborator, but a runnable daemon needs one real implementation of that
// boundary, the way internal/device/go-ble/* gives the teacher's capability
// interfaces their one production backend.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	ble "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxyd/internal/adapter"
	"github.com/srg/bleproxyd/internal/model"
)

// DeviceFactory creates the ble.Device bound to the host radio. It is a
// variable, as in the teacher's internal/device.DeviceFactory, so tests can
// override it. The only backend wired here is darwin.NewDevice.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

type connState struct {
	client   ble.Client
	profile  *ble.Profile
	byHandle map[model.Handle]*ble.Characteristic
	descByH  map[model.Handle]*ble.Descriptor
	subs     map[model.Handle]struct{}
}

// Adapter is the go-ble-backed implementation of adapter.Adapter.
type Adapter struct {
	logger *logrus.Logger
	dev    ble.Device

	mu    sync.Mutex
	conns map[adapter.ConnHandle]*connState
	next  adapter.ConnHandle

	advSink  adapter.AdvertisementSink
	discSink map[adapter.ConnHandle]adapter.DisconnectSink
}

// New creates a go-ble-backed Adapter and sets it as the package-wide
// default BLE device, matching the teacher's ble.SetDefaultDevice call in
// NewScanner/Connect.
func New(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("goble: create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	return &Adapter{
		logger:   logger,
		dev:      dev,
		conns:    make(map[adapter.ConnHandle]*connState),
		discSink: make(map[adapter.ConnHandle]adapter.DisconnectSink),
	}, nil
}

func (a *Adapter) OnAdvertisement(sink adapter.AdvertisementSink) {
	a.mu.Lock()
	a.advSink = sink
	a.mu.Unlock()
}

func (a *Adapter) StartScan(ctx context.Context, active bool) error {
	a.mu.Lock()
	sink := a.advSink
	a.mu.Unlock()

	handler := func(bleAdv ble.Advertisement) {
		if sink == nil {
			return
		}
		addr, perr := model.ParseAddress(bleAdv.Addr().String())
		if perr != nil {
			return
		}
		data := bleAdv.LEAdvertisingReportRaw()
		if len(data) > model.MaxAdvertisementData {
			data = data[:model.MaxAdvertisementData]
		}
		sink(model.Advertisement{
			Address:     addr,
			AddressType: model.AddressPublic,
			RSSI:        int8(bleAdv.RSSI()),
			Data:        append([]byte(nil), data...),
		})
	}

	// go-ble's Scan has no active/passive switch (the backend's own scan
	// parameters apply), so active is not forwarded; duplicates are always
	// reported.
	err := ble.Scan(ctx, true, handler, nil)
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

func (a *Adapter) StopScan() error {
	return ble.Stop()
}

func (a *Adapter) Connect(ctx context.Context, addr model.Address, _ model.AddressType, timeout time.Duration) (adapter.ConnHandle, error) {
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(addr.String()))
	if err != nil {
		return 0, fmt.Errorf("goble: dial %s: %w", addr, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return 0, fmt.Errorf("goble: discover profile for %s: %w", addr, err)
	}

	cs := &connState{
		client:   client,
		profile:  profile,
		byHandle: make(map[model.Handle]*ble.Characteristic),
		descByH:  make(map[model.Handle]*ble.Descriptor),
		subs:     make(map[model.Handle]struct{}),
	}
	for _, svc := range profile.Services {
		for _, chr := range svc.Characteristics {
			cs.byHandle[model.Handle(chr.ValueHandle)] = chr
			for _, d := range chr.Descriptors {
				cs.descByH[model.Handle(d.Handle)] = d
			}
		}
	}

	a.mu.Lock()
	a.next++
	h := a.next
	a.conns[h] = cs
	a.mu.Unlock()

	go func() {
		<-client.Disconnected()
		a.mu.Lock()
		sink := a.discSink[h]
		delete(a.conns, h)
		delete(a.discSink, h)
		a.mu.Unlock()
		if sink != nil {
			sink(h, nil)
		}
	}()

	return h, nil
}

func (a *Adapter) OnDisconnect(h adapter.ConnHandle, sink adapter.DisconnectSink) {
	a.mu.Lock()
	a.discSink[h] = sink
	a.mu.Unlock()
}

func (a *Adapter) Disconnect(h adapter.ConnHandle) error {
	cs, ok := a.get(h)
	if !ok {
		return nil
	}
	return cs.client.CancelConnection()
}

func (a *Adapter) DiscoverServices(h adapter.ConnHandle) ([]*model.Service, error) {
	cs, ok := a.get(h)
	if !ok {
		return nil, fmt.Errorf("goble: unknown connection handle %d", h)
	}

	var out []*model.Service
	for _, svc := range cs.profile.Services {
		ms := model.NewService(model.UUID(svc.UUID.String()), model.Handle(svc.Handle))
		for _, chr := range svc.Characteristics {
			mc := model.NewCharacteristic(model.UUID(chr.UUID.String()), model.Handle(chr.ValueHandle), uint8(chr.Property))
			for _, d := range chr.Descriptors {
				mc.Descriptors.Set(model.Handle(d.Handle), model.Descriptor{
					UUID:   model.UUID(d.UUID.String()),
					Handle: model.Handle(d.Handle),
				})
			}
			ms.Characteristics.Set(mc.Handle, mc)
		}
		out = append(out, ms)
	}
	return out, nil
}

func (a *Adapter) ReadCharacteristic(h adapter.ConnHandle, chr model.Handle) ([]byte, error) {
	cs, ok := a.get(h)
	if !ok {
		return nil, fmt.Errorf("goble: unknown connection handle %d", h)
	}
	c, ok := cs.byHandle[chr]
	if !ok {
		return nil, fmt.Errorf("goble: unknown characteristic handle %d", chr)
	}
	return cs.client.ReadCharacteristic(c)
}

func (a *Adapter) WriteCharacteristic(h adapter.ConnHandle, chr model.Handle, data []byte, withResponse bool) error {
	cs, ok := a.get(h)
	if !ok {
		return fmt.Errorf("goble: unknown connection handle %d", h)
	}
	c, ok := cs.byHandle[chr]
	if !ok {
		return fmt.Errorf("goble: unknown characteristic handle %d", chr)
	}
	return cs.client.WriteCharacteristic(c, data, !withResponse)
}

func (a *Adapter) ReadDescriptor(h adapter.ConnHandle, desc model.Handle) ([]byte, error) {
	cs, ok := a.get(h)
	if !ok {
		return nil, fmt.Errorf("goble: unknown connection handle %d", h)
	}
	d, ok := cs.descByH[desc]
	if !ok {
		return nil, fmt.Errorf("goble: unknown descriptor handle %d", desc)
	}
	return cs.client.ReadDescriptor(d)
}

func (a *Adapter) WriteDescriptor(h adapter.ConnHandle, desc model.Handle, data []byte) error {
	cs, ok := a.get(h)
	if !ok {
		return fmt.Errorf("goble: unknown connection handle %d", h)
	}
	d, ok := cs.descByH[desc]
	if !ok {
		return fmt.Errorf("goble: unknown descriptor handle %d", desc)
	}
	return cs.client.WriteDescriptor(d, data)
}

func (a *Adapter) SubscribeNotify(h adapter.ConnHandle, chr model.Handle, sink adapter.NotifySink) error {
	cs, ok := a.get(h)
	if !ok {
		return fmt.Errorf("goble: unknown connection handle %d", h)
	}
	c, ok := cs.byHandle[chr]
	if !ok {
		return fmt.Errorf("goble: unknown characteristic handle %d", chr)
	}
	indicate := c.Property&ble.CharIndicate != 0 && c.Property&ble.CharNotify == 0
	if err := cs.client.Subscribe(c, indicate, func(data []byte) { sink(data) }); err != nil {
		return err
	}
	a.mu.Lock()
	cs.subs[chr] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) UnsubscribeNotify(h adapter.ConnHandle, chr model.Handle) error {
	cs, ok := a.get(h)
	if !ok {
		return nil
	}
	c, ok := cs.byHandle[chr]
	if !ok {
		return nil
	}
	indicate := c.Property&ble.CharIndicate != 0 && c.Property&ble.CharNotify == 0
	err := cs.client.Unsubscribe(c, indicate)
	a.mu.Lock()
	delete(cs.subs, chr)
	a.mu.Unlock()
	return err
}

// Pair has no portable equivalent in go-ble (bonding is delegated to the OS
// Bluetooth stack on every backend the library supports, including any
// passkey prompt); this just confirms the connection is still live.
func (a *Adapter) Pair(h adapter.ConnHandle) error {
	_, ok := a.get(h)
	if !ok {
		return fmt.Errorf("goble: unknown connection handle %d", h)
	}
	return nil
}

// Unpair and ClearGattCache are no-ops at the go-ble layer for the same
// reason Pair is: bonding/caching live in the OS stack. The daemon's own
// on-disk cache (internal/cache) is what ClearCache requests actually clear.
func (a *Adapter) Unpair(_ model.Address) error         { return nil }
func (a *Adapter) ClearGattCache(_ model.Address) error { return nil }

func (a *Adapter) get(h adapter.ConnHandle) (*connState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, ok := a.conns[h]
	return cs, ok
}
