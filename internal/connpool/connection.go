// Package connpool implements the BLE connection lifecycle and connection
// pool (spec §4.6, C6/C7): a bounded set of simultaneous GATT connections,
// each owned by a single state-machine task the way internal/device's
// BLEConnection owns its connMutex-guarded state, but driven through the
// adapter.Adapter capability set instead of go-ble directly so the pool
// works against any backend, including the fake one in tests.
package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxyd/internal/adapter"
	"github.com/srg/bleproxyd/internal/model"
)

const (
	// DefaultConnectTimeout is CONNECT_TIMEOUT.
	DefaultConnectTimeout = 20 * time.Second
	// DefaultDisconnectTimeout is DISCONNECT_TIMEOUT.
	DefaultDisconnectTimeout = 5 * time.Second
)

// DisconnectSink is invoked exactly once when a Connection leaves the
// Connected state for any reason other than a caller-driven Disconnect call
// still in flight, e.g. an adapter-reported radio-initiated drop.
type DisconnectSink func(addr model.Address, err error)

// Connection is a single peripheral's connection lifecycle: the
// Idle→Connecting→Connected→Disconnecting→Idle/Failed state machine spec
// §4.6 names. All exported methods are safe for concurrent callers; the
// state machine itself is single-owner, serialized through mu.
type Connection struct {
	ad      adapter.Adapter
	logger  *logrus.Logger
	Address model.Address
	Type    model.AddressType

	mu      sync.Mutex
	state   model.ConnState
	handle  adapter.ConnHandle
	lastErr error

	onDisconnect DisconnectSink
}

// New returns a Connection in the Idle state. It does not contact the
// adapter until Connect is called.
func New(ad adapter.Adapter, logger *logrus.Logger, addr model.Address, addrType model.AddressType) *Connection {
	if logger == nil {
		logger = logrus.New()
	}
	return &Connection{ad: ad, logger: logger, Address: addr, Type: addrType, state: model.StateIdle}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle returns the adapter connection handle. Only valid while State() is
// StateConnected.
func (c *Connection) Handle() adapter.ConnHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// OnDisconnect registers the sink invoked on an adapter-initiated drop.
func (c *Connection) OnDisconnect(sink DisconnectSink) {
	c.mu.Lock()
	c.onDisconnect = sink
	c.mu.Unlock()
}

// Connect transitions Idle→Connecting→Connected (or Failed on error),
// bounded by timeout (CONNECT_TIMEOUT).
func (c *Connection) Connect(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.state != model.StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connpool: connection to %s is not idle (state=%s)", c.Address, state)
	}
	c.state = model.StateConnecting
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	h, err := c.ad.Connect(ctx, c.Address, c.Type, timeout)
	if err != nil {
		c.mu.Lock()
		c.state = model.StateFailed
		c.lastErr = err
		c.mu.Unlock()
		return fmt.Errorf("connpool: connect to %s: %w", c.Address, err)
	}

	if observer, ok := c.ad.(adapter.DisconnectObserver); ok {
		observer.OnDisconnect(h, func(_ adapter.ConnHandle, derr error) {
			c.handleAdapterDisconnect(derr)
		})
	}

	c.mu.Lock()
	c.handle = h
	c.state = model.StateConnected
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.WithField("address", c.Address).Info("peripheral connected")
	return nil
}

func (c *Connection) handleAdapterDisconnect(err error) {
	c.mu.Lock()
	if c.state != model.StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = model.StateIdle
	c.lastErr = err
	sink := c.onDisconnect
	c.mu.Unlock()

	c.logger.WithField("address", c.Address).WithError(err).Warn("peripheral disconnected")
	if sink != nil {
		sink(c.Address, err)
	}
}

// Disconnect transitions Connected→Disconnecting→Idle, bounded by timeout
// (DISCONNECT_TIMEOUT). Safe to call from any state; a no-op from Idle.
func (c *Connection) Disconnect(timeout time.Duration) error {
	c.mu.Lock()
	if c.state == model.StateIdle {
		c.mu.Unlock()
		return nil
	}
	h := c.handle
	c.state = model.StateDisconnecting
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultDisconnectTimeout
	}

	done := make(chan error, 1)
	go func() { done <- c.ad.Disconnect(h) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("connpool: disconnect from %s timed out after %s", c.Address, timeout)
	}

	c.mu.Lock()
	c.state = model.StateIdle
	c.handle = 0
	c.lastErr = err
	c.mu.Unlock()

	return err
}

// DiscoverServices returns the peripheral's GATT tree. Only valid while
// Connected.
func (c *Connection) DiscoverServices() ([]*model.Service, error) {
	h, err := c.connectedHandle()
	if err != nil {
		return nil, err
	}
	return c.ad.DiscoverServices(h)
}

func (c *Connection) connectedHandle() (adapter.ConnHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != model.StateConnected {
		return 0, fmt.Errorf("connpool: %s is not connected (state=%s)", c.Address, c.state)
	}
	return c.handle, nil
}
