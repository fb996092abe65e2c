package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxyd/internal/bleproxy"
	"github.com/srg/bleproxyd/internal/gatt"
	"github.com/srg/bleproxyd/internal/model"
	"github.com/srg/bleproxyd/internal/proxy"
	"github.com/srg/bleproxyd/internal/wire"
)

// DefaultPingTimeout is PING_TIMEOUT.
const DefaultPingTimeout = 90 * time.Second

// maxMissedPongs is how many consecutive unanswered pings force Closing.
const maxMissedPongs = 3

// Config carries the daemon-wide settings a session needs to answer the
// handshake and capability probe.
type Config struct {
	ServerInfo   string
	Name         string
	Password     string // empty: daemon runs without a password
	BluetoothMAC string
	FeatureFlags uint32
	PingTimeout  time.Duration
	APIVerMajor  uint32
	APIVerMinor  uint32
}

type marshaler interface{ Marshal() []byte }

// Session is the per-client control state machine (C2).
type Session struct {
	ID     model.SessionID
	cfg    Config
	coord  *proxy.Coordinator
	logger *logrus.Logger
	outbox *Outbox

	mu              sync.Mutex
	phase           model.SessionPhase
	subAds          bool
	subScannerState bool
	subAddresses    map[model.Address]struct{}
	missedPongs     int

	closeSink func(reason error)
}

// New returns a Session in HelloSent, bound to coord for all domain
// operations and out for every outbound frame.
func New(id model.SessionID, cfg Config, coord *proxy.Coordinator, out *Outbox, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	return &Session{
		ID:           id,
		cfg:          cfg,
		coord:        coord,
		logger:       logger,
		outbox:       out,
		phase:        model.PhaseHelloSent,
		subAddresses: make(map[model.Address]struct{}),
	}
}

// Phase reports the session's current state (spec §4.2).
func (s *Session) Phase() model.SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// OnClose stores sink on the session. The session never invokes it:
// HandleFrame reports a close by returning an error, and CheckPingTimeout
// by returning true.
func (s *Session) OnClose(sink func(reason error)) {
	s.closeSink = sink
}

// Close unsubscribes the session from every coordinator stream and closes
// its outbox. The control server calls this when the session's read loop
// ends and, for every live session, on shutdown; the socket is closed
// separately by the server.
func (s *Session) Close() {
	s.mu.Lock()
	s.phase = model.PhaseClosing
	addrs := make([]model.Address, 0, len(s.subAddresses))
	for a := range s.subAddresses {
		addrs = append(addrs, a)
	}
	s.mu.Unlock()

	s.coord.UnsubscribeAds(s.ID)
	s.coord.UnsubscribeScannerState(s.ID)
	for _, a := range addrs {
		s.coord.DisconnectDevice(s.ID, a)
	}
	s.outbox.Close()
}

func (s *Session) fail(kind bleproxy.Kind, msg string, err error) error {
	s.mu.Lock()
	s.phase = model.PhaseClosing
	s.mu.Unlock()
	return bleproxy.New(kind, msg, err)
}

// send encodes and stages m under msgType. If the outbox is full, dropOK
// determines the overflow policy (spec §4.2): droppable streams
// silently lose the message and signal a scanner-state lapse; anything
// else is BackpressureFatal.
func (s *Session) send(msgType wire.MsgType, m marshaler, dropOK bool) error {
	frame := wire.Encode(uint64(msgType), m.Marshal())
	if s.outbox.TryEnqueue(frame) {
		return nil
	}
	if dropOK {
		s.mu.Lock()
		s.subAds = false
		s.mu.Unlock()
		s.coord.UnsubscribeAds(s.ID)
		lapse := wire.Encode(uint64(wire.MsgScannerStateResp), (&wire.ScannerStateResp{Mode: uint32(model.ScannerIdle)}).Marshal())
		s.outbox.TryEnqueue(lapse) // best effort; if this also fails there is nothing further to do
		return nil
	}
	return s.fail(bleproxy.KindBackpressureFatal, "outbox full for non-droppable message", nil)
}

// HandleFrame dispatches one inbound frame according to the session's
// current phase (spec §4.2's acceptance table).
func (s *Session) HandleFrame(f *wire.Frame) error {
	phase := s.Phase()
	msgType := wire.MsgType(f.Type)

	if phase == model.PhaseClosing {
		return s.fail(bleproxy.KindProtocolFatal, "message received after close", nil)
	}

	switch phase {
	case model.PhaseHelloSent:
		if msgType != wire.MsgHelloReq {
			return s.fail(bleproxy.KindProtocolFatal, "expected Hello", nil)
		}
		return s.handleHello(f)
	case model.PhaseConnected:
		switch msgType {
		case wire.MsgConnectReq:
			return s.handleConnect(f)
		case wire.MsgDeviceInfoReq:
			if s.cfg.Password != "" {
				return s.fail(bleproxy.KindProtocolFatal, "DeviceInfo requires authentication when a password is configured", nil)
			}
			return s.handleDeviceInfo(f)
		case wire.MsgDisconnectReq:
			return s.handleDisconnectReq()
		case wire.MsgPingReq:
			return s.handlePingReq()
		case wire.MsgPingResp:
			return s.handlePingResp()
		default:
			return s.fail(bleproxy.KindProtocolFatal, "message not permitted before authentication", nil)
		}
	case model.PhaseAuthenticated:
		return s.handleAuthenticated(msgType, f)
	}
	return s.fail(bleproxy.KindInternal, "unreachable session phase", nil)
}

func (s *Session) handleHello(f *wire.Frame) error {
	var req wire.HelloReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed Hello", err)
	}
	s.mu.Lock()
	s.phase = model.PhaseConnected
	s.mu.Unlock()
	return s.send(wire.MsgHelloResp, &wire.HelloResp{
		APIVerMajor: s.cfg.APIVerMajor,
		APIVerMinor: s.cfg.APIVerMinor,
		ServerInfo:  s.cfg.ServerInfo,
		Name:        s.cfg.Name,
	}, false)
}

func (s *Session) handleConnect(f *wire.Frame) error {
	var req wire.ConnectReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed Connect", err)
	}
	if s.cfg.Password != "" && req.Password != s.cfg.Password {
		_ = s.send(wire.MsgConnectResp, &wire.ConnectResp{InvalidPassword: true}, false)
		return s.fail(bleproxy.KindAuthFailure, "invalid password", nil)
	}
	s.mu.Lock()
	s.phase = model.PhaseAuthenticated
	s.mu.Unlock()
	return s.send(wire.MsgConnectResp, &wire.ConnectResp{InvalidPassword: false}, false)
}

func (s *Session) handleDisconnectReq() error {
	return s.send(wire.MsgDisconnectResp, &wire.DisconnectResp{}, false)
}

func (s *Session) handlePingReq() error {
	return s.send(wire.MsgPingResp, &wire.PingResp{}, false)
}

func (s *Session) handlePingResp() error {
	s.mu.Lock()
	s.missedPongs = 0
	s.mu.Unlock()
	return nil
}

func (s *Session) handleDeviceInfo(_ *wire.Frame) error {
	return s.send(wire.MsgDeviceInfoResp, &wire.DeviceInfoResp{
		ServerInfo:                 s.cfg.ServerInfo,
		Name:                       s.cfg.Name,
		BluetoothProxyFeatureFlags: s.cfg.FeatureFlags,
		BluetoothMacAddress:        s.cfg.BluetoothMAC,
	}, false)
}

func (s *Session) handleAuthenticated(msgType wire.MsgType, f *wire.Frame) error {
	switch msgType {
	case wire.MsgDisconnectReq:
		return s.handleDisconnectReq()
	case wire.MsgPingReq:
		return s.handlePingReq()
	case wire.MsgPingResp:
		return s.handlePingResp()
	case wire.MsgDeviceInfoReq:
		return s.handleDeviceInfo(f)
	case wire.MsgListEntitiesReq:
		return s.send(wire.MsgListEntitiesDone, &wire.ListEntitiesDone{}, false)
	case wire.MsgSubscribeBleAdsReq:
		return s.handleSubscribeAds(f)
	case wire.MsgUnsubscribeBleAdsReq:
		s.mu.Lock()
		s.subAds = false
		s.mu.Unlock()
		s.coord.UnsubscribeAds(s.ID)
		return nil
	case wire.MsgSubscribeScannerStateReq:
		s.mu.Lock()
		s.subScannerState = true
		s.mu.Unlock()
		s.coord.SubscribeScannerState(s.ID)
		return nil
	case wire.MsgBleDeviceReq:
		return s.handleBleDeviceReq(f)
	case wire.MsgGattGetServicesReq:
		return s.handleGattGetServices(f)
	case wire.MsgGattReadReq:
		return s.handleGattRead(f)
	case wire.MsgGattWriteReq:
		return s.handleGattWrite(f)
	case wire.MsgGattReadDescReq:
		return s.handleGattReadDesc(f)
	case wire.MsgGattWriteDescReq:
		return s.handleGattWriteDesc(f)
	case wire.MsgGattNotifyReq:
		return s.handleGattNotify(f)
	default:
		return s.fail(bleproxy.KindProtocolFatal, "unknown message type", nil)
	}
}

func (s *Session) handleSubscribeAds(f *wire.Frame) error {
	var req wire.SubscribeBleAdsReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed SubscribeBleAds", err)
	}
	active := req.Flags != 0
	s.mu.Lock()
	s.subAds = true
	s.mu.Unlock()
	s.coord.SubscribeAds(s.ID, active)
	return nil
}

func (s *Session) handleBleDeviceReq(f *wire.Frame) error {
	var req wire.BleDeviceReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed BleDeviceReq", err)
	}
	addr := model.AddressFromUint64(req.Address)
	addrType := model.AddressType(req.AddressType)

	switch req.Kind {
	case wire.BleDeviceConnect:
		s.mu.Lock()
		s.subAddresses[addr] = struct{}{}
		s.mu.Unlock()
		go s.coord.ConnectDevice(context.Background(), s.ID, addr, addrType)
	case wire.BleDeviceDisconnect:
		s.mu.Lock()
		delete(s.subAddresses, addr)
		s.mu.Unlock()
		s.coord.DisconnectDevice(s.ID, addr)
	case wire.BleDevicePair:
		s.coord.Pair(s.ID, addr)
	case wire.BleDeviceUnpair:
		s.coord.Unpair(s.ID, addr)
	case wire.BleDeviceClearCache:
		s.coord.ClearGattCache(s.ID, addr)
	}
	return nil
}

func (s *Session) handleGattGetServices(f *wire.Frame) error {
	var req wire.GattGetServicesReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed GattGetServicesReq", err)
	}
	addr := model.AddressFromUint64(req.Address)
	if _, ok := s.coord.Pool.Get(addr); !ok {
		_ = s.send(wire.MsgGattError, &wire.GattError{Address: req.Address, Error: uint32(model.DisconnectedCode)}, false)
		return nil
	}
	services, err := s.coord.DiscoverServices(addr)
	if err != nil {
		_ = s.send(wire.MsgGattError, &wire.GattError{Address: req.Address, Error: uint32(model.AdapterUnavailableCode)}, false)
		return nil
	}
	for _, svc := range services {
		_ = s.send(wire.MsgGattGetServicesResp, &wire.GattGetServicesResp{Address: req.Address, Services: []wire.GattService{toWireService(svc)}}, false)
	}
	return s.send(wire.MsgGattGetServicesDone, &wire.GattGetServicesDone{Address: req.Address}, false)
}

func toWireService(svc *model.Service) wire.GattService {
	ws := wire.GattService{UUID: []byte(svc.UUID), Handle: uint32(svc.Handle)}
	for pair := svc.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
		chr := pair.Value
		wc := wire.GattCharacteristic{UUID: []byte(chr.UUID), Handle: uint32(chr.Handle), Properties: uint32(chr.Properties)}
		for dp := chr.Descriptors.Oldest(); dp != nil; dp = dp.Next() {
			wc.Descriptors = append(wc.Descriptors, wire.GattDescriptor{UUID: []byte(dp.Value.UUID), Handle: uint32(dp.Value.Handle)})
		}
		ws.Characteristics = append(ws.Characteristics, wc)
	}
	return ws
}

func (s *Session) handleGattRead(f *wire.Frame) error {
	var req wire.GattReadReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed GattReadReq", err)
	}
	addr := model.AddressFromUint64(req.Address)
	handle := model.Handle(req.Handle)
	s.coord.GattRead(s.ID, addr, handle)
	return nil
}

func (s *Session) handleGattWrite(f *wire.Frame) error {
	var req wire.GattWriteReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed GattWriteReq", err)
	}
	addr := model.AddressFromUint64(req.Address)
	handle := model.Handle(req.Handle)
	s.coord.GattWrite(s.ID, addr, handle, req.Data, req.Response)
	return nil
}

func (s *Session) handleGattReadDesc(f *wire.Frame) error {
	var req wire.GattReadDescReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed GattReadDescReq", err)
	}
	addr := model.AddressFromUint64(req.Address)
	handle := model.Handle(req.Handle)
	s.coord.GattReadDesc(s.ID, addr, handle)
	return nil
}

func (s *Session) handleGattWriteDesc(f *wire.Frame) error {
	var req wire.GattWriteDescReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed GattWriteDescReq", err)
	}
	addr := model.AddressFromUint64(req.Address)
	handle := model.Handle(req.Handle)
	s.coord.GattWriteDesc(s.ID, addr, handle, req.Data)
	return nil
}

func (s *Session) handleGattNotify(f *wire.Frame) error {
	var req wire.GattNotifyReq
	if err := req.Unmarshal(f.Payload); err != nil {
		return s.fail(bleproxy.KindProtocolFatal, "malformed GattNotifyReq", err)
	}
	addr := model.AddressFromUint64(req.Address)
	handle := model.Handle(req.Handle)
	s.coord.SetNotify(s.ID, addr, handle, req.Enable)
	return nil
}

// --- outbound delivery, called by the session manager acting as the
// coordinator's proxy.OutboundSink ---

func (s *Session) deliverAdsBatch(batch []model.Advertisement) {
	resp := &wire.BleRawAdsResp{}
	for _, a := range batch {
		resp.Advertisements = append(resp.Advertisements, wire.BleRawAdvertisement{
			Address:     a.Address.Uint64(),
			AddressType: uint32(a.AddressType),
			RSSI:        int32(a.RSSI),
			Data:        a.Data,
		})
	}
	_ = s.send(wire.MsgBleRawAdsResp, resp, true)
}

func (s *Session) deliverScannerState(mode model.ScannerMode) {
	_ = s.send(wire.MsgScannerStateResp, &wire.ScannerStateResp{Mode: uint32(mode)}, true)
}

func (s *Session) deliverGattResult(res gatt.Result) {
	if res.Err != model.ErrNone {
		_ = s.send(wire.MsgGattError, &wire.GattError{Address: res.Addr.Uint64(), Handle: uint32(res.Handle), Error: uint32(res.Err)}, false)
		return
	}
	switch res.Kind {
	case model.OpReadChr:
		_ = s.send(wire.MsgGattReadResp, &wire.GattReadResp{Address: res.Addr.Uint64(), Handle: uint32(res.Handle), Data: res.Data}, false)
	case model.OpWriteChr:
		_ = s.send(wire.MsgGattWriteResp, &wire.GattWriteResp{Address: res.Addr.Uint64(), Handle: uint32(res.Handle)}, false)
	case model.OpReadDesc:
		_ = s.send(wire.MsgGattReadDescResp, &wire.GattReadDescResp{Address: res.Addr.Uint64(), Handle: uint32(res.Handle), Data: res.Data}, false)
	case model.OpWriteDesc:
		_ = s.send(wire.MsgGattWriteDescResp, &wire.GattWriteDescResp{Address: res.Addr.Uint64(), Handle: uint32(res.Handle)}, false)
	case model.OpNotifySet:
		_ = s.send(wire.MsgGattNotifyResp, &wire.GattNotifyResp{Address: res.Addr.Uint64(), Handle: uint32(res.Handle)}, false)
	}
}

func (s *Session) deliverNotify(addr model.Address, handle model.Handle, data []byte) {
	_ = s.send(wire.MsgGattNotifyDataResp, &wire.GattNotifyDataResp{Address: addr.Uint64(), Handle: uint32(handle), Data: data}, true)
}

func (s *Session) deliverConnState(addr model.Address, connected bool, mtu uint16, errCode model.ErrorCode) {
	_ = s.send(wire.MsgBleDeviceConnResp, &wire.BleDeviceConnResp{
		Address:   addr.Uint64(),
		Connected: connected,
		MTU:       uint32(mtu),
		Error:     uint32(errCode),
	}, false)
}

// CheckPingTimeout is invoked periodically by the control server's ping
// monitor. It returns true once three consecutive pings have gone
// unanswered, at which point the caller must close the session.
func (s *Session) CheckPingTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedPongs++
	return s.missedPongs > maxMissedPongs
}

// SendPing emits a ping frame; the caller schedules this every
// PingTimeout/ (maxMissedPongs+1) or similar cadence.
func (s *Session) SendPing() {
	_ = s.send(wire.MsgPingReq, &wire.PingReq{}, false)
}
