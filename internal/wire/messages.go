package wire

// MsgType identifies the payload schema carried by a Frame (spec §6.2).
type MsgType uint64

const (
	MsgHelloReq MsgType = iota + 1
	MsgHelloResp
	MsgConnectReq
	MsgConnectResp
	MsgDisconnectReq
	MsgDisconnectResp
	MsgPingReq
	MsgPingResp
	MsgDeviceInfoReq
	MsgDeviceInfoResp
	MsgListEntitiesReq
	MsgListEntitiesDone
	MsgSubscribeBleAdsReq
	MsgUnsubscribeBleAdsReq
	MsgBleRawAdsResp
	MsgSubscribeScannerStateReq
	MsgScannerStateResp
	MsgBleDeviceReq
	MsgBleDeviceConnResp
	MsgGattGetServicesReq
	MsgGattGetServicesResp
	MsgGattGetServicesDone
	MsgGattReadReq
	MsgGattReadResp
	MsgGattWriteReq
	MsgGattWriteResp
	MsgGattReadDescReq
	MsgGattReadDescResp
	MsgGattWriteDescReq
	MsgGattWriteDescResp
	MsgGattNotifyReq
	MsgGattNotifyResp
	MsgGattNotifyDataResp
	MsgGattError
)

// Feature flag bits for DeviceInfoResp.BluetoothProxyFeatureFlags (spec §6.2).
const (
	FeaturePassiveScan      uint32 = 1
	FeatureActiveConnections uint32 = 2
	FeatureRemoteCaching    uint32 = 4
	FeaturePairing          uint32 = 8
	FeatureCacheClearing    uint32 = 16
	FeatureRawAds           uint32 = 32
	FeatureStateAndMode     uint32 = 64
)

// BleDeviceReq.Kind values (spec §6.2).
const (
	BleDeviceConnect uint32 = iota
	BleDeviceDisconnect
	BleDevicePair
	BleDeviceUnpair
	BleDeviceClearCache
)

type HelloReq struct {
	ClientInfo   string
	APIVerMajor  uint32
	APIVerMinor  uint32
}

func (m *HelloReq) Marshal() []byte {
	var buf []byte
	buf = putStringField(buf, 1, m.ClientInfo)
	buf = putVarintField(buf, 2, uint64(m.APIVerMajor))
	buf = putVarintField(buf, 3, uint64(m.APIVerMinor))
	return buf
}

func (m *HelloReq) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.ClientInfo = string(f.bytes)
		case 2:
			m.APIVerMajor = uint32(f.varint)
		case 3:
			m.APIVerMinor = uint32(f.varint)
		}
		return nil
	})
}

type HelloResp struct {
	APIVerMajor uint32
	APIVerMinor uint32
	ServerInfo  string
	Name        string
}

func (m *HelloResp) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, uint64(m.APIVerMajor))
	buf = putVarintField(buf, 2, uint64(m.APIVerMinor))
	buf = putStringField(buf, 3, m.ServerInfo)
	buf = putStringField(buf, 4, m.Name)
	return buf
}

func (m *HelloResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.APIVerMajor = uint32(f.varint)
		case 2:
			m.APIVerMinor = uint32(f.varint)
		case 3:
			m.ServerInfo = string(f.bytes)
		case 4:
			m.Name = string(f.bytes)
		}
		return nil
	})
}

type ConnectReq struct {
	Password string
}

func (m *ConnectReq) Marshal() []byte {
	return putStringField(nil, 1, m.Password)
}

func (m *ConnectReq) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		if f.num == 1 {
			m.Password = string(f.bytes)
		}
		return nil
	})
}

type ConnectResp struct {
	InvalidPassword bool
}

func (m *ConnectResp) Marshal() []byte {
	return putBoolField(nil, 1, m.InvalidPassword)
}

func (m *ConnectResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		if f.num == 1 {
			m.InvalidPassword = f.varint != 0
		}
		return nil
	})
}

type DisconnectReq struct{}

func (m *DisconnectReq) Marshal() []byte            { return nil }
func (m *DisconnectReq) Unmarshal(data []byte) error { return nil }

type DisconnectResp struct{}

func (m *DisconnectResp) Marshal() []byte            { return nil }
func (m *DisconnectResp) Unmarshal(data []byte) error { return nil }

type PingReq struct{}

func (m *PingReq) Marshal() []byte            { return nil }
func (m *PingReq) Unmarshal(data []byte) error { return nil }

type PingResp struct{}

func (m *PingResp) Marshal() []byte            { return nil }
func (m *PingResp) Unmarshal(data []byte) error { return nil }

type DeviceInfoReq struct{}

func (m *DeviceInfoReq) Marshal() []byte            { return nil }
func (m *DeviceInfoReq) Unmarshal(data []byte) error { return nil }

type DeviceInfoResp struct {
	ServerInfo                 string
	Name                       string
	BluetoothProxyFeatureFlags uint32
	BluetoothMacAddress        string
}

func (m *DeviceInfoResp) Marshal() []byte {
	var buf []byte
	buf = putStringField(buf, 1, m.ServerInfo)
	buf = putStringField(buf, 2, m.Name)
	buf = putVarintField(buf, 3, uint64(m.BluetoothProxyFeatureFlags))
	buf = putStringField(buf, 4, m.BluetoothMacAddress)
	return buf
}

func (m *DeviceInfoResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.ServerInfo = string(f.bytes)
		case 2:
			m.Name = string(f.bytes)
		case 3:
			m.BluetoothProxyFeatureFlags = uint32(f.varint)
		case 4:
			m.BluetoothMacAddress = string(f.bytes)
		}
		return nil
	})
}

type ListEntitiesReq struct{}

func (m *ListEntitiesReq) Marshal() []byte            { return nil }
func (m *ListEntitiesReq) Unmarshal(data []byte) error { return nil }

type ListEntitiesDone struct{}

func (m *ListEntitiesDone) Marshal() []byte            { return nil }
func (m *ListEntitiesDone) Unmarshal(data []byte) error { return nil }

type SubscribeBleAdsReq struct {
	Flags uint32
}

func (m *SubscribeBleAdsReq) Marshal() []byte {
	return putVarintField(nil, 1, uint64(m.Flags))
}

func (m *SubscribeBleAdsReq) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		if f.num == 1 {
			m.Flags = uint32(f.varint)
		}
		return nil
	})
}

type UnsubscribeBleAdsReq struct{}

func (m *UnsubscribeBleAdsReq) Marshal() []byte            { return nil }
func (m *UnsubscribeBleAdsReq) Unmarshal(data []byte) error { return nil }

// BleRawAdvertisement is one entry inside a BleRawAdsResp batch (spec §3, §4.4).
type BleRawAdvertisement struct {
	Address     uint64
	AddressType uint32
	RSSI        int32
	Data        []byte
}

func (a *BleRawAdvertisement) marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, a.Address)
	buf = putVarintField(buf, 2, uint64(a.AddressType))
	buf = putVarintField(buf, 3, zigzagEncode(a.RSSI))
	buf = putBytesField(buf, 4, a.Data)
	return buf
}

func (a *BleRawAdvertisement) unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			a.Address = f.varint
		case 2:
			a.AddressType = uint32(f.varint)
		case 3:
			a.RSSI = zigzagDecode(f.varint)
		case 4:
			a.Data = append([]byte(nil), f.bytes...)
		}
		return nil
	})
}

type BleRawAdsResp struct {
	Advertisements []BleRawAdvertisement
}

func (m *BleRawAdsResp) Marshal() []byte {
	var buf []byte
	for i := range m.Advertisements {
		buf = putMessageField(buf, 1, m.Advertisements[i].marshal())
	}
	return buf
}

func (m *BleRawAdsResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var a BleRawAdvertisement
		if err := a.unmarshal(f.bytes); err != nil {
			return err
		}
		m.Advertisements = append(m.Advertisements, a)
		return nil
	})
}

type SubscribeScannerStateReq struct{}

func (m *SubscribeScannerStateReq) Marshal() []byte            { return nil }
func (m *SubscribeScannerStateReq) Unmarshal(data []byte) error { return nil }

type ScannerStateResp struct {
	Mode uint32
}

func (m *ScannerStateResp) Marshal() []byte { return putVarintField(nil, 1, uint64(m.Mode)) }

func (m *ScannerStateResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		if f.num == 1 {
			m.Mode = uint32(f.varint)
		}
		return nil
	})
}

type BleDeviceReq struct {
	Address     uint64
	AddressType uint32
	Kind        uint32
}

func (m *BleDeviceReq) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.AddressType))
	buf = putVarintField(buf, 3, uint64(m.Kind))
	return buf
}

func (m *BleDeviceReq) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.AddressType = uint32(f.varint)
		case 3:
			m.Kind = uint32(f.varint)
		}
		return nil
	})
}

type BleDeviceConnResp struct {
	Address   uint64
	Connected bool
	MTU       uint32
	Error     uint32
}

func (m *BleDeviceConnResp) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putBoolField(buf, 2, m.Connected)
	buf = putVarintField(buf, 3, uint64(m.MTU))
	buf = putVarintField(buf, 4, uint64(m.Error))
	return buf
}

func (m *BleDeviceConnResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Connected = f.varint != 0
		case 3:
			m.MTU = uint32(f.varint)
		case 4:
			m.Error = uint32(f.varint)
		}
		return nil
	})
}

type GattGetServicesReq struct{ Address uint64 }

func (m *GattGetServicesReq) Marshal() []byte { return putVarintField(nil, 1, m.Address) }
func (m *GattGetServicesReq) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		if f.num == 1 {
			m.Address = f.varint
		}
		return nil
	})
}

type GattDescriptor struct {
	UUID   []byte
	Handle uint32
}

type GattCharacteristic struct {
	UUID        []byte
	Handle      uint32
	Properties  uint32
	Descriptors []GattDescriptor
}

type GattService struct {
	UUID            []byte
	Handle          uint32
	Characteristics []GattCharacteristic
}

func (d *GattDescriptor) marshal() []byte {
	var buf []byte
	buf = putBytesField(buf, 1, d.UUID)
	buf = putVarintField(buf, 2, uint64(d.Handle))
	return buf
}

func (d *GattDescriptor) unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			d.UUID = append([]byte(nil), f.bytes...)
		case 2:
			d.Handle = uint32(f.varint)
		}
		return nil
	})
}

func (c *GattCharacteristic) marshal() []byte {
	var buf []byte
	buf = putBytesField(buf, 1, c.UUID)
	buf = putVarintField(buf, 2, uint64(c.Handle))
	buf = putVarintField(buf, 3, uint64(c.Properties))
	for i := range c.Descriptors {
		buf = putMessageField(buf, 4, c.Descriptors[i].marshal())
	}
	return buf
}

func (c *GattCharacteristic) unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			c.UUID = append([]byte(nil), f.bytes...)
		case 2:
			c.Handle = uint32(f.varint)
		case 3:
			c.Properties = uint32(f.varint)
		case 4:
			var d GattDescriptor
			if err := d.unmarshal(f.bytes); err != nil {
				return err
			}
			c.Descriptors = append(c.Descriptors, d)
		}
		return nil
	})
}

func (s *GattService) marshal() []byte {
	var buf []byte
	buf = putBytesField(buf, 1, s.UUID)
	buf = putVarintField(buf, 2, uint64(s.Handle))
	for i := range s.Characteristics {
		buf = putMessageField(buf, 3, s.Characteristics[i].marshal())
	}
	return buf
}

func (s *GattService) unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			s.UUID = append([]byte(nil), f.bytes...)
		case 2:
			s.Handle = uint32(f.varint)
		case 3:
			var c GattCharacteristic
			if err := c.unmarshal(f.bytes); err != nil {
				return err
			}
			s.Characteristics = append(s.Characteristics, c)
		}
		return nil
	})
}

type GattGetServicesResp struct {
	Address  uint64
	Services []GattService
}

func (m *GattGetServicesResp) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	for i := range m.Services {
		buf = putMessageField(buf, 2, m.Services[i].marshal())
	}
	return buf
}

func (m *GattGetServicesResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			var s GattService
			if err := s.unmarshal(f.bytes); err != nil {
				return err
			}
			m.Services = append(m.Services, s)
		}
		return nil
	})
}

type GattGetServicesDone struct{ Address uint64 }

func (m *GattGetServicesDone) Marshal() []byte { return putVarintField(nil, 1, m.Address) }
func (m *GattGetServicesDone) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		if f.num == 1 {
			m.Address = f.varint
		}
		return nil
	})
}

type GattReadReq struct {
	Address uint64
	Handle  uint32
}

func (m *GattReadReq) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.Handle))
	return buf
}

func (m *GattReadReq) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Handle = uint32(f.varint)
		}
		return nil
	})
}

type GattReadResp struct {
	Address uint64
	Handle  uint32
	Data    []byte
}

func (m *GattReadResp) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.Handle))
	buf = putBytesField(buf, 3, m.Data)
	return buf
}

func (m *GattReadResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Handle = uint32(f.varint)
		case 3:
			m.Data = append([]byte(nil), f.bytes...)
		}
		return nil
	})
}

type GattWriteReq struct {
	Address  uint64
	Handle   uint32
	Data     []byte
	Response bool
}

func (m *GattWriteReq) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.Handle))
	buf = putBytesField(buf, 3, m.Data)
	buf = putBoolField(buf, 4, m.Response)
	return buf
}

func (m *GattWriteReq) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Handle = uint32(f.varint)
		case 3:
			m.Data = append([]byte(nil), f.bytes...)
		case 4:
			m.Response = f.varint != 0
		}
		return nil
	})
}

type GattWriteResp struct {
	Address uint64
	Handle  uint32
}

func (m *GattWriteResp) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.Handle))
	return buf
}

func (m *GattWriteResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Handle = uint32(f.varint)
		}
		return nil
	})
}

// GattReadDescReq/Resp and GattWriteDescReq/Resp share the read/write
// characteristic schema keyed the same way (a handle is a handle whether it
// names a characteristic value or a descriptor).
type GattReadDescReq = GattReadReq
type GattReadDescResp = GattReadResp
type GattWriteDescReq = GattWriteReq
type GattWriteDescResp = GattWriteResp

type GattNotifyReq struct {
	Address uint64
	Handle  uint32
	Enable  bool
}

func (m *GattNotifyReq) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.Handle))
	buf = putBoolField(buf, 3, m.Enable)
	return buf
}

func (m *GattNotifyReq) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Handle = uint32(f.varint)
		case 3:
			m.Enable = f.varint != 0
		}
		return nil
	})
}

type GattNotifyResp struct {
	Address uint64
	Handle  uint32
}

func (m *GattNotifyResp) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.Handle))
	return buf
}

func (m *GattNotifyResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Handle = uint32(f.varint)
		}
		return nil
	})
}

type GattNotifyDataResp struct {
	Address uint64
	Handle  uint32
	Data    []byte
}

func (m *GattNotifyDataResp) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.Handle))
	buf = putBytesField(buf, 3, m.Data)
	return buf
}

func (m *GattNotifyDataResp) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Handle = uint32(f.varint)
		case 3:
			m.Data = append([]byte(nil), f.bytes...)
		}
		return nil
	})
}

type GattError struct {
	Address uint64
	Handle  uint32
	Error   uint32
}

func (m *GattError) Marshal() []byte {
	var buf []byte
	buf = putVarintField(buf, 1, m.Address)
	buf = putVarintField(buf, 2, uint64(m.Handle))
	buf = putVarintField(buf, 3, uint64(m.Error))
	return buf
}

func (m *GattError) Unmarshal(data []byte) error {
	return decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Address = f.varint
		case 2:
			m.Handle = uint32(f.varint)
		case 3:
			m.Error = uint32(f.varint)
		}
		return nil
	})
}

func zigzagEncode(v int32) uint64 {
	return uint64(uint32((v << 1) ^ (v >> 31)))
}

func zigzagDecode(v uint64) int32 {
	u := uint32(v)
	return int32(u>>1) ^ -int32(u&1)
}
