package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxyd/internal/adapter/fake"
	"github.com/srg/bleproxyd/internal/model"
)

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	ad := fake.New()
	addr := model.Address(1)
	ad.AddPeripheral(fake.NewPeripheral(addr, model.AddressPublic))

	p := New(ad, nil, 2)
	conn, err := p.Acquire(context.Background(), addr, model.AddressPublic, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, conn.State())
	assert.Equal(t, 1, p.Len())

	again, err := p.Acquire(context.Background(), addr, model.AddressPublic, time.Second)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, 1, p.Len())

	require.NoError(t, p.Release(addr, time.Second))
	assert.Equal(t, 0, p.Len())
}

func TestPoolExhaustion(t *testing.T) {
	ad := fake.New()
	p := New(ad, nil, 1)

	a1 := model.Address(1)
	ad.AddPeripheral(fake.NewPeripheral(a1, model.AddressPublic))
	_, err := p.Acquire(context.Background(), a1, model.AddressPublic, time.Second)
	require.NoError(t, err)

	a2 := model.Address(2)
	ad.AddPeripheral(fake.NewPeripheral(a2, model.AddressPublic))
	_, err = p.Acquire(context.Background(), a2, model.AddressPublic, time.Second)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPoolRemovesEntryOnAdapterDisconnect(t *testing.T) {
	ad := fake.New()
	addr := model.Address(1)
	ad.AddPeripheral(fake.NewPeripheral(addr, model.AddressPublic))

	p := New(ad, nil, 2)
	conn, err := p.Acquire(context.Background(), addr, model.AddressPublic, time.Second)
	require.NoError(t, err)

	notified := make(chan struct{}, 1)
	p.OnDisconnect(func(model.Address, error) { notified <- struct{}{} })

	ad.Disconnected(conn.Handle(), nil)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("pool disconnect sink not invoked")
	}
	assert.Equal(t, 0, p.Len())
}
