// Package subscription implements the subscription registry (spec §4.9,
// C9): three independent dimensions — advertisements (global), scanner
// state (global), and per-address connection/notify events — fanned out
// O(subscribers) to session outboxes. It is a read-mostly structure;
// writes are expected to serialize on the coordinator task (R3), so the
// registry itself only guards against concurrent reads racing a rare write,
// the way the teacher's hashmap-backed device table in scanner.Scanner
// does for its own read-heavy access pattern.
package subscription

import (
	"sync"

	"github.com/srg/bleproxyd/internal/model"
)

// Registry tracks which sessions receive which streams.
type Registry struct {
	mu sync.RWMutex

	ads          map[model.SessionID]struct{}
	scannerState map[model.SessionID]struct{}
	perAddress   map[model.Address]map[model.SessionID]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		ads:          make(map[model.SessionID]struct{}),
		scannerState: make(map[model.SessionID]struct{}),
		perAddress:   make(map[model.Address]map[model.SessionID]struct{}),
	}
}

// SubscribeAds adds sid to the global advertisement stream.
func (r *Registry) SubscribeAds(sid model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ads[sid] = struct{}{}
}

// UnsubscribeAds removes sid from the global advertisement stream.
func (r *Registry) UnsubscribeAds(sid model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ads, sid)
}

// AdsSubscriberCount reports how many sessions currently receive
// advertisements; C10 uses this to decide whether the scanner should run.
func (r *Registry) AdsSubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ads)
}

// AdsSubscribers returns a snapshot of the current advertisement
// subscriber set.
func (r *Registry) AdsSubscribers() []model.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SessionID, 0, len(r.ads))
	for sid := range r.ads {
		out = append(out, sid)
	}
	return out
}

// SubscribeScannerState adds sid to the global scanner-state stream.
func (r *Registry) SubscribeScannerState(sid model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scannerState[sid] = struct{}{}
}

// UnsubscribeScannerState removes sid from the global scanner-state stream.
func (r *Registry) UnsubscribeScannerState(sid model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scannerState, sid)
}

// ScannerStateSubscribers returns a snapshot of the current scanner-state
// subscriber set.
func (r *Registry) ScannerStateSubscribers() []model.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SessionID, 0, len(r.scannerState))
	for sid := range r.scannerState {
		out = append(out, sid)
	}
	return out
}

// SubscribeAddress adds sid to the connection/notify event stream for addr
// (invariant I3: a notification from addr is delivered only to sessions in
// this set).
func (r *Registry) SubscribeAddress(sid model.SessionID, addr model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.perAddress[addr]
	if !ok {
		set = make(map[model.SessionID]struct{})
		r.perAddress[addr] = set
	}
	set[sid] = struct{}{}
}

// UnsubscribeAddress removes sid from addr's event stream.
func (r *Registry) UnsubscribeAddress(sid model.SessionID, addr model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.perAddress[addr]
	if !ok {
		return
	}
	delete(set, sid)
	if len(set) == 0 {
		delete(r.perAddress, addr)
	}
}

// AddressSubscribers returns a snapshot of sessions subscribed to addr.
func (r *Registry) AddressSubscribers(addr model.Address) []model.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.perAddress[addr]
	if !ok {
		return nil
	}
	out := make([]model.SessionID, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// RemoveSession atomically purges sid from every dimension, as spec §4.9
// requires on session close.
func (r *Registry) RemoveSession(sid model.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ads, sid)
	delete(r.scannerState, sid)
	for addr, set := range r.perAddress {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.perAddress, addr)
		}
	}
}
