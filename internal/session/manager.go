package session

import (
	"sync"

	"github.com/srg/bleproxyd/internal/gatt"
	"github.com/srg/bleproxyd/internal/model"
)

// Manager tracks every live session and implements proxy.OutboundSink,
// routing each coordinator callback to the one session it names. This is
// the single object the coordinator holds a reference to; it never sees
// individual sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
	nextID   uint64
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[model.SessionID]*Session)}
}

// NextID allocates a new, unused SessionID for a freshly accepted socket.
func (m *Manager) NextID() model.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return model.SessionID(m.nextID)
}

// Register adds s to the manager's routing table.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// Unregister removes s from the routing table; called once its socket is
// fully torn down.
func (m *Manager) Unregister(id model.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Sessions returns a snapshot of every currently registered session, used
// by the control server's shutdown sweep.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) get(id model.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) SendAdsBatch(sid model.SessionID, batch []model.Advertisement) {
	if s, ok := m.get(sid); ok {
		s.deliverAdsBatch(batch)
	}
}

func (m *Manager) SendScannerState(sid model.SessionID, mode model.ScannerMode) {
	if s, ok := m.get(sid); ok {
		s.deliverScannerState(mode)
	}
}

func (m *Manager) SendGattResult(sid model.SessionID, res gatt.Result) {
	if s, ok := m.get(sid); ok {
		s.deliverGattResult(res)
	}
}

func (m *Manager) SendNotify(sid model.SessionID, addr model.Address, handle model.Handle, data []byte) {
	if s, ok := m.get(sid); ok {
		s.deliverNotify(addr, handle, data)
	}
}

func (m *Manager) SendConnState(sid model.SessionID, addr model.Address, connected bool, mtu uint16, errCode model.ErrorCode) {
	if s, ok := m.get(sid); ok {
		s.deliverConnState(addr, connected, mtu, errCode)
	}
}
