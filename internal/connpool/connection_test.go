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

func TestConnectionLifecycle(t *testing.T) {
	ad := fake.New()
	addr := model.Address(0xAABBCCDDEEFF)
	ad.AddPeripheral(fake.NewPeripheral(addr, model.AddressPublic))

	conn := New(ad, nil, addr, model.AddressPublic)
	assert.Equal(t, model.StateIdle, conn.State())

	require.NoError(t, conn.Connect(context.Background(), time.Second))
	assert.Equal(t, model.StateConnected, conn.State())

	require.NoError(t, conn.Disconnect(time.Second))
	assert.Equal(t, model.StateIdle, conn.State())
}

func TestConnectionConnectFailureTransitionsToFailed(t *testing.T) {
	ad := fake.New()
	addr := model.Address(1)
	conn := New(ad, nil, addr, model.AddressPublic)

	err := conn.Connect(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, model.StateFailed, conn.State())
}

func TestConnectionReportsAdapterInitiatedDisconnect(t *testing.T) {
	ad := fake.New()
	addr := model.Address(2)
	ad.AddPeripheral(fake.NewPeripheral(addr, model.AddressPublic))

	conn := New(ad, nil, addr, model.AddressPublic)
	require.NoError(t, conn.Connect(context.Background(), time.Second))

	notified := make(chan error, 1)
	conn.OnDisconnect(func(_ model.Address, err error) { notified <- err })

	ad.Disconnected(conn.Handle(), nil)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("disconnect sink not invoked")
	}
	assert.Equal(t, model.StateIdle, conn.State())
}
