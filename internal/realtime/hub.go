// Package realtime delivers server-pushed messages to client connections.
//
// A Hub holds the connections physically attached to this instance and the
// room broadcast groups they belong to. The Adapter makes the hub
// cluster-aware: a handle names the instance holding the connection, and
// operations on a handle held elsewhere travel over the bus to that
// instance.
package realtime

import (
	"encoding/json"
	"sync"

	goset "github.com/deckarep/golang-set/v2"
)

// Sender pushes messages down one client transport.
type Sender interface {
	Send(event string, payload json.RawMessage) error
	Close() error
}

// Hub is the local connection table. All methods are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]Sender
	groups  map[string]goset.Set[string]
	members map[string]goset.Set[string]
}

func NewHub() *Hub {
	return &Hub{
		conns:   make(map[string]Sender),
		groups:  make(map[string]goset.Set[string]),
		members: make(map[string]goset.Set[string]),
	}
}

func (h *Hub) Add(handle string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[handle] = s
}

// Remove drops the connection and its group memberships and returns the
// sender, or nil when the handle is unknown.
func (h *Hub) Remove(handle string) Sender {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.conns[handle]
	if !ok {
		return nil
	}
	delete(h.conns, handle)
	if rooms, ok := h.members[handle]; ok {
		for _, room := range rooms.ToSlice() {
			h.leaveLocked(handle, room)
		}
	}
	return s
}

func (h *Hub) Get(handle string) (Sender, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.conns[handle]
	return s, ok
}

// Join adds a local connection to a group. It reports false when the handle
// is not attached here.
func (h *Hub) Join(handle, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[handle]; !ok {
		return false
	}
	if h.groups[group] == nil {
		h.groups[group] = goset.NewThreadUnsafeSet[string]()
	}
	h.groups[group].Add(handle)
	if h.members[handle] == nil {
		h.members[handle] = goset.NewThreadUnsafeSet[string]()
	}
	h.members[handle].Add(group)
	return true
}

func (h *Hub) Leave(handle, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(handle, group)
}

func (h *Hub) leaveLocked(handle, group string) {
	if set, ok := h.groups[group]; ok {
		set.Remove(handle)
		if set.Cardinality() == 0 {
			delete(h.groups, group)
		}
	}
	if set, ok := h.members[handle]; ok {
		set.Remove(group)
		if set.Cardinality() == 0 {
			delete(h.members, handle)
		}
	}
}

// Members returns the local handles in a group.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.groups[group]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

// Groups returns the groups a handle belongs to.
func (h *Hub) Groups(handle string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.members[handle]
	if !ok {
		return nil
	}
	return set.ToSlice()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
