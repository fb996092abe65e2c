// Package proxy implements the proxy coordinator (spec §4.10, C10): the
// facade owning the batcher, scanner, connection pool, GATT broker, and
// subscription registry, exposing the single interface C2 (the control
// session) calls into. Every backend it needs (adapter, cache, logger) is
// constructor-injected rather than reached through a package-level
// singleton.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxyd/internal/adapter"
	"github.com/srg/bleproxyd/internal/batch"
	"github.com/srg/bleproxyd/internal/cache"
	"github.com/srg/bleproxyd/internal/connpool"
	"github.com/srg/bleproxyd/internal/gatt"
	"github.com/srg/bleproxyd/internal/model"
	"github.com/srg/bleproxyd/internal/scan"
	"github.com/srg/bleproxyd/internal/subscription"
)

// Config bundles the coordinator's tunables, mirrored from
// internal/config.Config so this package does not import the CLI layer.
type Config struct {
	MaxConnections int
	BatchMax       int
	FlushInterval  time.Duration
	ConnectTimeout time.Duration
	DisconnTimeout time.Duration
	GattOpTimeout  time.Duration

	// Cache is consulted by DiscoverServices before falling through to a
	// live DiscoverServices call, and populated after. nil (or
	// cache.Disabled()) means always-miss.
	Cache *cache.Cache
}

// OutboundSink is how the coordinator hands a fully formed outbound event
// to C2/C9's fan-out; the proxy package stays agnostic of wire encoding.
type OutboundSink interface {
	SendAdsBatch(sid model.SessionID, batch []model.Advertisement)
	SendScannerState(sid model.SessionID, mode model.ScannerMode)
	SendGattResult(sid model.SessionID, res gatt.Result)
	SendNotify(sid model.SessionID, addr model.Address, handle model.Handle, data []byte)
	SendConnState(sid model.SessionID, addr model.Address, connected bool, mtu uint16, errCode model.ErrorCode)
}

// Coordinator owns C4-C9 and the adapter handle (spec §4.10).
type Coordinator struct {
	ad     adapter.Adapter
	logger *logrus.Logger
	out    OutboundSink
	cfg    Config

	Pool    *connpool.Pool
	Broker  *gatt.Broker
	Subs    *subscription.Registry
	scanner *scan.Scanner

	mu          sync.Mutex
	scanCtx     context.Context
	scanCancel  context.CancelFunc
	activeMode  bool // true if any subscriber requested active scanning
	globalBatch *batch.Batcher
}

// New wires C4-C9 together and returns a Coordinator ready to Start.
func New(ad adapter.Adapter, logger *logrus.Logger, out OutboundSink, cfg Config) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Coordinator{
		ad:     ad,
		logger: logger,
		out:    out,
		cfg:    cfg,
		Pool:   connpool.New(ad, logger, cfg.MaxConnections),
		Broker: gatt.New(ad, cfg.GattOpTimeout),
		Subs:   subscription.New(),
	}

	c.globalBatch = batch.New(cfg.BatchMax, cfg.FlushInterval, c.flushAds)
	c.scanner = scan.New(ad, logger, c.globalBatch.Enqueue)
	c.scanner.OnStateChange(c.broadcastScannerState)

	c.Pool.OnDisconnect(func(addr model.Address, err error) {
		c.Broker.DrainForAddress(addr)
		for _, sid := range c.Subs.AddressSubscribers(addr) {
			c.out.SendConnState(sid, addr, false, 0, model.DisconnectedCode)
		}
	})

	return c
}

// Start launches the batcher flush loop. The scanner itself starts lazily
// on the first advertisement subscriber.
func (c *Coordinator) Start() {
	c.globalBatch.Start()
}

// Stop tears down the scanner, batcher, and every pooled connection.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.scanCancel
	c.scanCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.scanner.Stop()
	}
	c.globalBatch.Stop()
	c.Pool.ReleaseAll(c.cfg.DisconnTimeout)
}

func (c *Coordinator) flushAds(adsBatch []model.Advertisement) {
	for _, sid := range c.Subs.AdsSubscribers() {
		c.out.SendAdsBatch(sid, adsBatch)
	}
}

func (c *Coordinator) broadcastScannerState(mode model.ScannerMode) {
	for _, sid := range c.Subs.ScannerStateSubscribers() {
		c.out.SendScannerState(sid, mode)
	}
}

// SubscribeAds starts the scanner (if it was idle) and adds sid to the
// global advertisement stream. active, if true, upgrades the scanner's
// mode for as long as any subscriber has requested it (active wins).
func (c *Coordinator) SubscribeAds(sid model.SessionID, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Subs.SubscribeAds(sid)
	if active && !c.activeMode {
		c.activeMode = true
		// Restart a running passive scan so the active preference applies.
		if c.scanCancel != nil {
			c.scanCancel()
			c.scanCancel = nil
			c.scanner.Stop()
		}
	}

	if c.scanCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.scanCancel = cancel
		c.scanCtx = ctx
		c.scanner.Start(ctx, c.activeMode)
	}
}

// UnsubscribeAds removes sid from the advertisement stream, stopping the
// scanner if it was the last subscriber.
func (c *Coordinator) UnsubscribeAds(sid model.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Subs.UnsubscribeAds(sid)
	if c.Subs.AdsSubscriberCount() == 0 && c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
		c.scanner.Stop()
		c.activeMode = false
	}
}

// SubscribeScannerState adds sid to the scanner-state stream and delivers
// the current mode immediately, as spec §4.5 requires on initial
// subscription.
func (c *Coordinator) SubscribeScannerState(sid model.SessionID) {
	c.Subs.SubscribeScannerState(sid)
	c.out.SendScannerState(sid, c.scanner.Mode())
}

// UnsubscribeScannerState removes sid from the scanner-state stream.
func (c *Coordinator) UnsubscribeScannerState(sid model.SessionID) {
	c.Subs.UnsubscribeScannerState(sid)
}

// ConnectDevice acquires a pool slot for addr and subscribes sid to its
// connection/notify events.
func (c *Coordinator) ConnectDevice(ctx context.Context, sid model.SessionID, addr model.Address, addrType model.AddressType) {
	c.Subs.SubscribeAddress(sid, addr)

	conn, err := c.Pool.Acquire(ctx, addr, addrType, c.cfg.ConnectTimeout)
	if err == connpool.ErrPoolExhausted {
		c.out.SendConnState(sid, addr, false, 0, model.PoolExhaustedCode)
		return
	}
	if err != nil {
		c.out.SendConnState(sid, addr, false, 0, model.AdapterUnavailableCode)
		return
	}
	c.out.SendConnState(sid, addr, true, 0, model.ErrNone)
	_ = conn
}

// DisconnectDevice releases the pool slot for addr. Any GATT op still
// pending against addr is resolved with Disconnected before the disconnect
// response goes out (spec §4.6, boundary scenario 6), since Pool.Release
// drives the connection straight to Idle without going through the
// adapter-initiated onDisconnect hook that would otherwise drain it.
func (c *Coordinator) DisconnectDevice(sid model.SessionID, addr model.Address) {
	c.Broker.DrainForAddress(addr)
	_ = c.Pool.Release(addr, c.cfg.DisconnTimeout)
	c.Subs.UnsubscribeAddress(sid, addr)
	c.out.SendConnState(sid, addr, false, 0, model.ErrNone)
}

// GattRead dispatches a characteristic read for addr through C7/C8.
func (c *Coordinator) GattRead(sid model.SessionID, addr model.Address, handle model.Handle) {
	conn, ok := c.Pool.Get(addr)
	if !ok {
		c.out.SendGattResult(sid, gatt.Result{Addr: addr, Handle: handle, Err: model.DisconnectedCode})
		return
	}
	c.Broker.ReadCharacteristic(conn, handle, func(res gatt.Result) { c.out.SendGattResult(sid, res) })
}

// GattWrite dispatches a characteristic write for addr through C7/C8.
func (c *Coordinator) GattWrite(sid model.SessionID, addr model.Address, handle model.Handle, data []byte, withResponse bool) {
	conn, ok := c.Pool.Get(addr)
	if !ok {
		c.out.SendGattResult(sid, gatt.Result{Addr: addr, Handle: handle, Err: model.DisconnectedCode})
		return
	}
	c.Broker.WriteCharacteristic(conn, handle, data, withResponse, func(res gatt.Result) { c.out.SendGattResult(sid, res) })
}

// GattReadDesc dispatches a descriptor read for addr through C7/C8.
func (c *Coordinator) GattReadDesc(sid model.SessionID, addr model.Address, handle model.Handle) {
	conn, ok := c.Pool.Get(addr)
	if !ok {
		c.out.SendGattResult(sid, gatt.Result{Addr: addr, Handle: handle, Err: model.DisconnectedCode})
		return
	}
	c.Broker.ReadDescriptor(conn, handle, func(res gatt.Result) { c.out.SendGattResult(sid, res) })
}

// GattWriteDesc dispatches a descriptor write for addr through C7/C8.
func (c *Coordinator) GattWriteDesc(sid model.SessionID, addr model.Address, handle model.Handle, data []byte) {
	conn, ok := c.Pool.Get(addr)
	if !ok {
		c.out.SendGattResult(sid, gatt.Result{Addr: addr, Handle: handle, Err: model.DisconnectedCode})
		return
	}
	c.Broker.WriteDescriptor(conn, handle, data, func(res gatt.Result) { c.out.SendGattResult(sid, res) })
}

// DiscoverServices returns addr's GATT service tree, preferring a
// not-yet-expired cache entry over a live discovery round trip (spec
// §6.4/§8's cached-replay round-trip law).
func (c *Coordinator) DiscoverServices(addr model.Address) ([]*model.Service, error) {
	if services, ok := c.cfg.Cache.GetServices(addr); ok {
		return services, nil
	}
	conn, ok := c.Pool.Get(addr)
	if !ok {
		return nil, fmt.Errorf("proxy: %s is not connected", addr)
	}
	services, err := conn.DiscoverServices()
	if err != nil {
		return nil, err
	}
	if err := c.cfg.Cache.PutServices(addr, services); err != nil {
		c.logger.WithError(err).WithField("address", addr).Warn("failed to cache discovered services")
	}
	return services, nil
}

// Pair asks the adapter to bond with addr's active connection, reporting
// the outcome through the same BleDeviceConnResp channel ConnectDevice
// uses (ESPHome's native API has no separate pairing-ack message).
func (c *Coordinator) Pair(sid model.SessionID, addr model.Address) {
	conn, ok := c.Pool.Get(addr)
	if !ok {
		c.out.SendConnState(sid, addr, false, 0, model.DisconnectedCode)
		return
	}
	errCode := model.ErrNone
	if err := c.ad.Pair(conn.Handle()); err != nil {
		errCode = model.AdapterUnavailableCode
	}
	c.out.SendConnState(sid, addr, conn.State() == model.StateConnected, 0, errCode)
}

// Unpair asks the adapter to forget addr's bond.
func (c *Coordinator) Unpair(sid model.SessionID, addr model.Address) {
	errCode := model.ErrNone
	if err := c.ad.Unpair(addr); err != nil {
		errCode = model.AdapterUnavailableCode
	}
	conn, connected := c.Pool.Get(addr)
	c.out.SendConnState(sid, addr, connected && conn.State() == model.StateConnected, 0, errCode)
}

// ClearGattCache asks the adapter to drop any cached GATT tree for addr
// and removes the daemon's own on-disk cache entry (internal/cache), if
// one is configured.
func (c *Coordinator) ClearGattCache(sid model.SessionID, addr model.Address) {
	errCode := model.ErrNone
	if err := c.ad.ClearGattCache(addr); err != nil {
		errCode = model.AdapterUnavailableCode
	}
	if err := c.cfg.Cache.ClearPeripheral(addr); err != nil {
		c.logger.WithError(err).WithField("address", addr).Warn("failed to clear on-disk GATT cache")
	}
	conn, connected := c.Pool.Get(addr)
	c.out.SendConnState(sid, addr, connected && conn.State() == model.StateConnected, 0, errCode)
}

// SetNotify dispatches a subscribe/unsubscribe toggle for addr's
// characteristic handle, wiring notification delivery to every session
// subscribed to addr (invariant I3).
func (c *Coordinator) SetNotify(sid model.SessionID, addr model.Address, handle model.Handle, enable bool) {
	conn, ok := c.Pool.Get(addr)
	if !ok {
		c.out.SendGattResult(sid, gatt.Result{Addr: addr, Handle: handle, Err: model.DisconnectedCode})
		return
	}
	notifySink := func(data []byte) {
		for _, s := range c.Subs.AddressSubscribers(addr) {
			c.out.SendNotify(s, addr, handle, data)
		}
	}
	c.Broker.SetNotify(conn, handle, enable, notifySink, func(res gatt.Result) { c.out.SendGattResult(sid, res) })
}
