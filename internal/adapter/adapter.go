// Package adapter defines the capability set the proxy daemon demands of a
// host BLE stack (spec §4.5). It is the "dynamic dispatch / duck-typed
// adapter object" design note (spec §9) turned into an explicit Go
// interface: every concrete backend (internal/adapter/goble for a real
// radio, internal/adapter/fake for tests) implements the same contract, the
// way internal/device.Device/device.ScanningDevice do in the teacher repo.
package adapter

import (
	"context"
	"time"

	"github.com/srg/bleproxyd/internal/model"
)

// ConnHandle is an opaque per-connection handle returned by Connect and
// used for every subsequent GATT call against that peripheral. It carries
// no meaning outside the adapter that issued it.
type ConnHandle uint64

// AdvertisementSink receives one advertisement per BLE scan callback.
type AdvertisementSink func(model.Advertisement)

// NotifySink receives one notification/indication value per callback.
type NotifySink func(data []byte)

// Adapter is the contract C5/C6 demand of a host BLE stack (spec §4.5).
// All methods must be safe to call from the task that owns the adapter;
// nothing here promises safety for concurrent callers, matching the
// single-owner-task discipline spec §5 requires of every shared resource.
type Adapter interface {
	// StartScan begins continuous scanning with duplicate filtering
	// disabled and blocks until ctx is cancelled or the scan fails;
	// active selects active (scan-request) vs passive scanning. Callers
	// that need the scanner restarted on failure (spec §7, bounded
	// exponential back-off) loop on StartScan themselves.
	StartScan(ctx context.Context, active bool) error
	StopScan() error
	// OnAdvertisement registers the sink invoked per advertisement. Must be
	// called before StartScan to observe advertisements from that scan.
	OnAdvertisement(sink AdvertisementSink)

	Connect(ctx context.Context, addr model.Address, addrType model.AddressType, timeout time.Duration) (ConnHandle, error)
	Disconnect(h ConnHandle) error

	DiscoverServices(h ConnHandle) ([]*model.Service, error)

	ReadCharacteristic(h ConnHandle, chr model.Handle) ([]byte, error)
	WriteCharacteristic(h ConnHandle, chr model.Handle, data []byte, withResponse bool) error
	ReadDescriptor(h ConnHandle, desc model.Handle) ([]byte, error)
	WriteDescriptor(h ConnHandle, desc model.Handle, data []byte) error

	SubscribeNotify(h ConnHandle, chr model.Handle, sink NotifySink) error
	UnsubscribeNotify(h ConnHandle, chr model.Handle) error

	Pair(h ConnHandle) error
	Unpair(addr model.Address) error
	ClearGattCache(addr model.Address) error
}

// DisconnectSink is invoked by an adapter whenever a connection it owns
// drops without an explicit Disconnect call (radio-initiated loss).
type DisconnectSink func(h ConnHandle, err error)

// DisconnectObserver is implemented by adapters that can report
// adapter-initiated disconnects; C6 registers one sink per connection.
type DisconnectObserver interface {
	OnDisconnect(h ConnHandle, sink DisconnectSink)
}
