package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/bleproxyd/internal/model"
)

func TestRegistryDimensionsAreIndependent(t *testing.T) {
	r := New()
	sid := model.SessionID(1)
	addr := model.Address(42)

	r.SubscribeAds(sid)
	r.SubscribeScannerState(sid)
	r.SubscribeAddress(sid, addr)

	assert.Equal(t, 1, r.AdsSubscriberCount())
	assert.ElementsMatch(t, []model.SessionID{sid}, r.ScannerStateSubscribers())
	assert.ElementsMatch(t, []model.SessionID{sid}, r.AddressSubscribers(addr))

	r.UnsubscribeAds(sid)
	assert.Equal(t, 0, r.AdsSubscriberCount())
	assert.ElementsMatch(t, []model.SessionID{sid}, r.ScannerStateSubscribers())
}

func TestRegistryRemoveSessionPurgesAllDimensions(t *testing.T) {
	r := New()
	sid := model.SessionID(7)
	addr := model.Address(1)

	r.SubscribeAds(sid)
	r.SubscribeScannerState(sid)
	r.SubscribeAddress(sid, addr)

	r.RemoveSession(sid)

	assert.Equal(t, 0, r.AdsSubscriberCount())
	assert.Empty(t, r.ScannerStateSubscribers())
	assert.Empty(t, r.AddressSubscribers(addr))
}
