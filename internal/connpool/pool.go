package connpool

import (
	"context"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxyd/internal/adapter"
	"github.com/srg/bleproxyd/internal/model"
)

// DefaultMaxConnections is MAX_CONNECTIONS.
const DefaultMaxConnections = 3

// ErrPoolExhausted is returned by Acquire when the pool already holds
// MaxConnections records whose state is not Idle (invariant I1).
var ErrPoolExhausted = fmt.Errorf("connpool: pool exhausted")

// Pool is the connection pool (C7): at most MaxConnections simultaneous
// non-Idle connections, keyed by peripheral address (invariant I2), backed
// by cornelk/hashmap the way scanner.Scanner keys its discovered-device map
// in the teacher repo.
type Pool struct {
	ad            adapter.Adapter
	logger        *logrus.Logger
	MaxConnections int

	byAddr *hashmap.Map[model.Address, *Connection]

	onDisconnect DisconnectSink
}

// New returns an empty Pool bound to ad.
func New(ad adapter.Adapter, logger *logrus.Logger, maxConnections int) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	return &Pool{
		ad:             ad,
		logger:         logger,
		MaxConnections: maxConnections,
		byAddr:         hashmap.New[model.Address, *Connection](),
	}
}

// OnDisconnect registers the sink invoked whenever any pooled connection
// drops without an explicit Release call.
func (p *Pool) OnDisconnect(sink DisconnectSink) {
	p.onDisconnect = sink
}

// Len reports the number of non-Idle connections currently pooled.
func (p *Pool) Len() int {
	return p.byAddr.Len()
}

// Get returns the pooled Connection for addr, if any (regardless of state).
func (p *Pool) Get(addr model.Address) (*Connection, bool) {
	return p.byAddr.Get(addr)
}

// Acquire returns the existing connection for addr if one is already
// pooled, or creates and connects a new one. Enforces invariants I1 (pool
// size bound) and I2 (one record per address). Returns ErrPoolExhausted
// when the pool is full and addr is not already present.
func (p *Pool) Acquire(ctx context.Context, addr model.Address, addrType model.AddressType, timeout time.Duration) (*Connection, error) {
	if conn, ok := p.byAddr.Get(addr); ok {
		return conn, nil
	}

	if p.byAddr.Len() >= p.MaxConnections {
		return nil, ErrPoolExhausted
	}

	conn := New(p.ad, p.logger, addr, addrType)
	conn.OnDisconnect(func(a model.Address, err error) {
		p.byAddr.Del(a)
		if p.onDisconnect != nil {
			p.onDisconnect(a, err)
		}
	})

	if _, existing := p.byAddr.GetOrInsert(addr, conn); existing {
		return p.byAddr.Get(addr)
	}

	if err := conn.Connect(ctx, timeout); err != nil {
		p.byAddr.Del(addr)
		return nil, err
	}

	return conn, nil
}

// Release disconnects and removes the pooled connection for addr, if any.
func (p *Pool) Release(addr model.Address, timeout time.Duration) error {
	conn, ok := p.byAddr.Get(addr)
	if !ok {
		return nil
	}
	err := conn.Disconnect(timeout)
	p.byAddr.Del(addr)
	return err
}

// ReleaseAll disconnects every pooled connection, used on daemon shutdown.
func (p *Pool) ReleaseAll(timeout time.Duration) {
	p.byAddr.Range(func(addr model.Address, conn *Connection) bool {
		_ = conn.Disconnect(timeout)
		p.byAddr.Del(addr)
		return true
	})
}
