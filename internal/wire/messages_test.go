package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelloRoundTrip(t *testing.T) {
	want := &HelloResp{APIVerMajor: 1, APIVerMinor: 10, ServerInfo: "bleproxyd 1.0", Name: "bleproxyd"}
	var got HelloResp
	require.NoError(t, got.Unmarshal(want.Marshal()))
	assert.Equal(t, *want, got)
}

func TestDeviceInfoRespRoundTrip(t *testing.T) {
	want := &DeviceInfoResp{
		ServerInfo:                 "bleproxyd",
		Name:                       "bleproxyd",
		BluetoothProxyFeatureFlags: FeaturePassiveScan | FeatureActiveConnections | FeatureRemoteCaching,
		BluetoothMacAddress:        "AA:BB:CC:DD:EE:FF",
	}
	var got DeviceInfoResp
	require.NoError(t, got.Unmarshal(want.Marshal()))
	assert.Equal(t, *want, got)
}

func TestBleRawAdsRespRoundTrip(t *testing.T) {
	want := &BleRawAdsResp{Advertisements: []BleRawAdvertisement{
		{Address: 1, AddressType: 0, RSSI: -40, Data: []byte{1, 2, 3}},
		{Address: 2, AddressType: 1, RSSI: -90, Data: []byte{4}},
	}}
	var got BleRawAdsResp
	require.NoError(t, got.Unmarshal(want.Marshal()))
	assert.Equal(t, *want, got)
}

func TestGattGetServicesRespRoundTrip(t *testing.T) {
	want := &GattGetServicesResp{
		Address: 0xAABBCCDDEEFF,
		Services: []GattService{{
			UUID:   []byte("service-uuid"),
			Handle: 1,
			Characteristics: []GattCharacteristic{{
				UUID:       []byte("chr-uuid"),
				Handle:     2,
				Properties: 0x12,
				Descriptors: []GattDescriptor{
					{UUID: []byte("desc-uuid"), Handle: 3},
				},
			}},
		}},
	}
	var got GattGetServicesResp
	require.NoError(t, got.Unmarshal(want.Marshal()))
	assert.Equal(t, *want, got)
}

func TestConnectRespInvalidPassword(t *testing.T) {
	want := &ConnectResp{InvalidPassword: true}
	var got ConnectResp
	require.NoError(t, got.Unmarshal(want.Marshal()))
	assert.True(t, got.InvalidPassword)
}

func TestZigzagRoundTrip(t *testing.T) {
	for _, v := range []int32{0, -1, 1, -128, 127, -32768} {
		assert.Equal(t, v, zigzagDecode(zigzagEncode(v)))
	}
}
