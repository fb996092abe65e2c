package cache

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/srg/bleproxyd/internal/golden"
	"github.com/srg/bleproxyd/internal/model"
)

func sampleServices() []*model.Service {
	svc := model.NewService("180d", 1)
	ch := model.NewCharacteristic("2a37", 2, model.PropNotify|model.PropRead)
	ch.Descriptors.Set(3, model.Descriptor{UUID: "2902", Handle: 3})
	svc.Characteristics.Set(ch.Handle, ch)
	return []*model.Service{svc}
}

func TestCachePutGetRoundTrip(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	addr := model.Address(0xAABBCCDDEEFF)
	require.NoError(t, c.PutServices(addr, sampleServices()))

	got, ok := c.GetServices(addr)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, model.UUID("180d"), got[0].UUID)

	pair := got[0].Characteristics.Oldest()
	require.NotNil(t, pair)
	assert.Equal(t, model.UUID("2a37"), pair.Value.UUID)
	assert.Equal(t, model.PropNotify|model.PropRead, pair.Value.Properties)

	dpair := pair.Value.Descriptors.Oldest()
	require.NotNil(t, dpair)
	assert.Equal(t, model.UUID("2902"), dpair.Value.UUID)
}

// TestCachedReplayMatchesLiveDiscoveryBytes is spec §8's round-trip law:
// a cached replay of a service tree renders identically to the tree as
// originally discovered.
func TestCachedReplayMatchesLiveDiscoveryBytes(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	live := sampleServices()
	addr := model.Address(0x112233445566)
	require.NoError(t, c.PutServices(addr, live))

	replayed, ok := c.GetServices(addr)
	require.True(t, ok)

	golden.Assert(t, model.DumpServices(live), model.DumpServices(replayed))
}

func TestCacheMissReturnsFalse(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	_, ok := c.GetServices(model.Address(42))
	assert.False(t, ok)
}

func TestCacheExpiredEntryIsTreatedAsMiss(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	addr := model.Address(7)
	require.NoError(t, c.PutServices(addr, sampleServices()))

	// Force the entry stale by writing a CreatedAt older than the TTL.
	entry := cacheEntry{CreatedAt: time.Now().Add(-31 * 24 * time.Hour), Services: toCacheServices(sampleServices())}
	data, err := yaml.Marshal(&entry)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.servicePath(addr), data, 0644))

	_, ok := c.GetServices(addr)
	assert.False(t, ok)
}

func TestDisabledCacheIsAlwaysMiss(t *testing.T) {
	c := Disabled()
	assert.False(t, c.Enabled())
	assert.NoError(t, c.PutServices(model.Address(1), sampleServices()))
	_, ok := c.GetServices(model.Address(1))
	assert.False(t, ok)
	assert.False(t, c.IsBonded(model.Address(1)))
}

func TestBondPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	addr := model.Address(99)

	c1, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, c1.PutBond(addr, true))
	assert.True(t, c1.IsBonded(addr))

	c2, err := New(dir)
	require.NoError(t, err)
	assert.True(t, c2.IsBonded(addr))
}

func TestClearPeripheralRemovesBothFiles(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	addr := model.Address(5)
	require.NoError(t, c.PutServices(addr, sampleServices()))
	require.NoError(t, c.PutBond(addr, true))

	require.NoError(t, c.ClearPeripheral(addr))

	_, ok := c.GetServices(addr)
	assert.False(t, ok)
	assert.False(t, c.IsBonded(addr))
}

func TestClearPeripheralOnMissingEntryIsNoop(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, c.ClearPeripheral(model.Address(123)))
}
