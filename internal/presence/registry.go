// Package presence tracks which identities currently hold a live connection.
// State is process-local and rebuilt from reconnecting clients after a restart.
package presence

import (
	"sort"
	"sync"

	"github.com/carelink/internal/event"
)

// Registry maps identity id -> connection id -> connection.
//
// In single-device mode (the default) a new connection replaces the previous
// entry for the identity; the replaced connection stays open but is no longer
// targeted by point-to-point events. In multi-device mode every connection is
// kept and lookups return all of them.
type Registry struct {
	mu          sync.RWMutex
	multiDevice bool
	conns       map[string]map[string]event.Conn
	total       int
}

func New(multiDevice bool) *Registry {
	return &Registry{
		multiDevice: multiDevice,
		conns:       make(map[string]map[string]event.Conn),
	}
}

// Register records c for its identity. It reports whether the identity
// transitioned from offline to online.
func (r *Registry) Register(c event.Conn) (cameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[c.UserID()]
	if !ok || len(set) == 0 {
		r.conns[c.UserID()] = map[string]event.Conn{c.ID(): c}
		r.total++
		return true
	}
	if !r.multiDevice {
		r.total -= len(set)
		set = make(map[string]event.Conn, 1)
		r.conns[c.UserID()] = set
	}
	if _, exists := set[c.ID()]; !exists {
		r.total++
	}
	set[c.ID()] = c
	return false
}

// Unregister removes c if it is still the registered handle. Idempotent.
// It reports whether the identity went offline as a result.
func (r *Registry) Unregister(c event.Conn) (wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[c.UserID()]
	if !ok {
		return false
	}
	if _, exists := set[c.ID()]; !exists {
		return false
	}
	delete(set, c.ID())
	r.total--
	if len(set) == 0 {
		delete(r.conns, c.UserID())
		return true
	}
	return false
}

// Lookup returns the live connections of identityID; ok is false when the
// identity is offline.
func (r *Registry) Lookup(identityID string) (conns []event.Conn, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, found := r.conns[identityID]
	if !found || len(set) == 0 {
		return nil, false
	}
	conns = make([]event.Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns, true
}

// IsOnline decides between live delivery and a push for an offline recipient.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[identityID]) > 0
}

// ListOnline returns the ids of every online identity, sorted.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SendTo delivers ev to every connection of identityID and returns how many
// connections accepted it.
func (r *Registry) SendTo(identityID string, ev event.Outgoing) int {
	conns, ok := r.Lookup(identityID)
	if !ok {
		return 0
	}
	n := 0
	for _, c := range conns {
		if c.Send(ev) {
			n++
		}
	}
	return n
}

// Count returns the number of registered connections and online identities.
func (r *Registry) Count() (connections, identities int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total, len(r.conns)
}
