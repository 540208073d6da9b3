package router

import (
	"sync"
)

// namespace tracks the live membership of one logical channel. Each
// namespace owns its own lock: fan-out here never contends with
// routing in a sibling namespace.
type namespace struct {
	name string

	mu      sync.RWMutex
	members map[string]*connection
	rooms   map[string]string // conn ID -> room label
}

func newNamespace(name string) *namespace {
	return &namespace{
		name:    name,
		members: make(map[string]*connection),
		rooms:   make(map[string]string),
	}
}

// add registers a connection. Returns false when the ID is taken.
func (n *namespace) add(c *connection) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.members[c.id]; exists {
		return false
	}
	n.members[c.id] = c
	if c.room != "" {
		n.rooms[c.id] = c.room
	}
	return true
}

// remove unregisters a connection and its room entry atomically.
func (n *namespace) remove(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.members[id]; !exists {
		return false
	}
	delete(n.members, id)
	delete(n.rooms, id)
	return true
}

// resolve returns the connections a single target identifier addresses:
// an exact connection ID, or every member whose room label matches.
func (n *namespace) resolve(target string) []*connection {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if c, ok := n.members[target]; ok {
		return []*connection{c}
	}

	var matched []*connection
	for id, room := range n.rooms {
		if room == target {
			if c, ok := n.members[id]; ok {
				matched = append(matched, c)
			}
		}
	}
	return matched
}

// snapshotExcept copies the current membership minus one ID, so fan-out
// iterates without holding the namespace lock.
func (n *namespace) snapshotExcept(exclude string) []*connection {
	n.mu.RLock()
	defer n.mu.RUnlock()

	conns := make([]*connection, 0, len(n.members))
	for id, c := range n.members {
		if id == exclude {
			continue
		}
		conns = append(conns, c)
	}
	return conns
}

// snapshot copies the full current membership.
func (n *namespace) snapshot() []*connection {
	return n.snapshotExcept("")
}

func (n *namespace) size() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.members)
}
