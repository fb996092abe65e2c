package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleproxyd/internal/adapter/fake"
	"github.com/srg/bleproxyd/internal/model"
	"github.com/srg/bleproxyd/internal/proxy"
	"github.com/srg/bleproxyd/internal/wire"
)

func testCoordinator() (*proxy.Coordinator, *fake.Adapter, *Manager) {
	ad := fake.New()
	mgr := NewManager()
	coord := proxy.New(ad, nil, mgr, proxy.Config{
		MaxConnections: 3,
		BatchMax:       16,
		FlushInterval:  20 * time.Millisecond,
		ConnectTimeout: time.Second,
		DisconnTimeout: time.Second,
		GattOpTimeout:  time.Second,
	})
	coord.Start()
	return coord, ad, mgr
}

func newTestSession(t *testing.T, password string) (*Session, *Outbox, *fake.Adapter) {
	t.Helper()
	coord, ad, mgr := testCoordinator()
	t.Cleanup(coord.Stop)
	out := NewOutbox(0)
	s := New(1, Config{
		ServerInfo:   "bleproxyd 1.0",
		Name:         "bleproxyd",
		Password:     password,
		BluetoothMAC: "AA:BB:CC:DD:EE:FF",
		FeatureFlags: 0x7F,
		APIVerMajor:  1,
		APIVerMinor:  10,
	}, coord, out, nil)
	mgr.Register(s)
	return s, out, ad
}

func drainOne(t *testing.T, out *Outbox) *wire.Frame {
	t.Helper()
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	n, err := out.Drain(buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	dec.Feed(buf[:n])
	f, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	return f
}

func TestSessionHandshakeHappyPath(t *testing.T) {
	s, out, _ := newTestSession(t, "")

	hello := wire.Encode(uint64(wire.MsgHelloReq), (&wire.HelloReq{ClientInfo: "probe", APIVerMajor: 1, APIVerMinor: 10}).Marshal())
	dec := wire.NewDecoder()
	dec.Feed(hello)
	f, _, err := dec.Next()
	require.NoError(t, err)
	require.NoError(t, s.HandleFrame(f))

	resp := drainOne(t, out)
	assert.Equal(t, wire.MsgHelloResp, wire.MsgType(resp.Type))
	assert.Equal(t, model.PhaseConnected, s.Phase())

	connect := wire.Encode(uint64(wire.MsgConnectReq), (&wire.ConnectReq{Password: ""}).Marshal())
	dec2 := wire.NewDecoder()
	dec2.Feed(connect)
	f2, _, _ := dec2.Next()
	require.NoError(t, s.HandleFrame(f2))

	connResp := drainOne(t, out)
	assert.Equal(t, wire.MsgConnectResp, wire.MsgType(connResp.Type))
	var cr wire.ConnectResp
	require.NoError(t, cr.Unmarshal(connResp.Payload))
	assert.False(t, cr.InvalidPassword)
	assert.Equal(t, model.PhaseAuthenticated, s.Phase())

	devInfo := wire.Encode(uint64(wire.MsgDeviceInfoReq), (&wire.DeviceInfoReq{}).Marshal())
	dec3 := wire.NewDecoder()
	dec3.Feed(devInfo)
	f3, _, _ := dec3.Next()
	require.NoError(t, s.HandleFrame(f3))

	diResp := drainOne(t, out)
	assert.Equal(t, wire.MsgDeviceInfoResp, wire.MsgType(diResp.Type))
	var di wire.DeviceInfoResp
	require.NoError(t, di.Unmarshal(diResp.Payload))
	assert.Equal(t, uint32(0x7F), di.BluetoothProxyFeatureFlags)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", di.BluetoothMacAddress)
}

func feedOne(t *testing.T, s *Session, msgType wire.MsgType, payload []byte) error {
	t.Helper()
	frame := wire.Encode(uint64(msgType), payload)
	dec := wire.NewDecoder()
	dec.Feed(frame)
	f, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	return s.HandleFrame(f)
}

func TestSessionWrongPasswordClosesSession(t *testing.T) {
	s, out, _ := newTestSession(t, "good")
	require.NoError(t, feedOne(t, s, wire.MsgHelloReq, (&wire.HelloReq{}).Marshal()))
	_ = drainOne(t, out)

	err := feedOne(t, s, wire.MsgConnectReq, (&wire.ConnectReq{Password: "bad"}).Marshal())
	require.Error(t, err)

	resp := drainOne(t, out)
	var cr wire.ConnectResp
	require.NoError(t, cr.Unmarshal(resp.Payload))
	assert.True(t, cr.InvalidPassword)
	assert.Equal(t, model.PhaseClosing, s.Phase())
}

func TestSessionDeviceInfoGatedByPasswordBeforeAuth(t *testing.T) {
	s, out, _ := newTestSession(t, "good")
	require.NoError(t, feedOne(t, s, wire.MsgHelloReq, (&wire.HelloReq{}).Marshal()))
	_ = drainOne(t, out)

	err := feedOne(t, s, wire.MsgDeviceInfoReq, (&wire.DeviceInfoReq{}).Marshal())
	assert.Error(t, err)
}

func TestSessionAdsSubscriptionReceivesBatch(t *testing.T) {
	s, out, ad := newTestSession(t, "")
	require.NoError(t, feedOne(t, s, wire.MsgHelloReq, (&wire.HelloReq{}).Marshal()))
	_ = drainOne(t, out)
	require.NoError(t, feedOne(t, s, wire.MsgConnectReq, (&wire.ConnectReq{}).Marshal()))
	_ = drainOne(t, out)

	require.NoError(t, feedOne(t, s, wire.MsgSubscribeBleAdsReq, (&wire.SubscribeBleAdsReq{}).Marshal()))

	require.Eventually(t, func() bool { return ad.IsScanning() }, time.Second, 5*time.Millisecond)
	ad.Advertise(model.Advertisement{Address: model.Address(1), RSSI: -50, Data: []byte{1, 2}})

	require.Eventually(t, func() bool {
		return !out.IsEmpty()
	}, time.Second, 5*time.Millisecond, "expected an ads batch after flush interval")
}
