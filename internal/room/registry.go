// Package room implements the per-process room registry: an in-memory
// mapping from room key to the set of local connections that joined it.
// Cross-instance fan-out is layered on top by the broker adapter; the
// registry itself only knows about connections held by this process.
package room

import (
	"fmt"
	"log"
	"sync"
)

// Member is a local connection that can receive room broadcasts. Send must
// not block: implementations enqueue onto a bounded outbound queue and
// return an error when the connection is saturated or closed.
type Member interface {
	ID() string
	Send(data []byte) error
	Closed() bool
}

// Registry is a thread-safe room membership table for one gateway process.
// It supports O(1) join/leave by member ID and snapshot-based broadcast so
// slow members never hold the lock.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Member   // room key -> member id -> member
	members map[string]map[string]struct{} // member id -> joined room keys
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]map[string]Member),
		members: make(map[string]map[string]struct{}),
	}
}

// Join adds m to the room identified by key. Joining is idempotent; joining
// a room twice is a no-op. It fails only if the member is already closed.
func (r *Registry) Join(m Member, key string) error {
	if m.Closed() {
		return fmt.Errorf("room: cannot join %s: connection %s is closed", key, m.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.rooms[key]
	if set == nil {
		set = make(map[string]Member)
		r.rooms[key] = set
	}
	set[m.ID()] = m

	joined := r.members[m.ID()]
	if joined == nil {
		joined = make(map[string]struct{})
		r.members[m.ID()] = joined
	}
	joined[key] = struct{}{}
	return nil
}

// Leave removes m from the room identified by key. Leaving a room the member
// never joined is a no-op.
func (r *Registry) Leave(m Member, key string) {
	r.mu.Lock()
	r.remove(m.ID(), key)
	r.mu.Unlock()
}

// LeaveAll removes m from every room it joined and returns the keys it left.
// It is invoked on disconnect so no stale membership outlives a connection.
func (r *Registry) LeaveAll(m Member) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.members[m.ID()]
	keys := make([]string, 0, len(joined))
	for key := range joined {
		keys = append(keys, key)
	}
	for _, key := range keys {
		r.remove(m.ID(), key)
	}
	return keys
}

// remove deletes the membership edge in both directions. Caller holds mu.
// Empty rooms are deleted outright; a room with zero members is not
// materialized anywhere.
func (r *Registry) remove(memberID, key string) {
	if set := r.rooms[key]; set != nil {
		delete(set, memberID)
		if len(set) == 0 {
			delete(r.rooms, key)
		}
	}
	if joined := r.members[memberID]; joined != nil {
		delete(joined, key)
		if len(joined) == 0 {
			delete(r.members, memberID)
		}
	}
}

// IsMember reports whether the member identified by memberID is currently in
// the room identified by key.
func (r *Registry) IsMember(memberID, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[key][memberID]
	return ok
}

// MemberCount returns the number of local members in the room.
func (r *Registry) MemberCount(key string) int {
	r.mu.RLock()
	n := len(r.rooms[key])
	r.mu.RUnlock()
	return n
}

// Rooms returns the keys of every room the member has joined.
func (r *Registry) Rooms(memberID string) []string {
	r.mu.RLock()
	joined := r.members[memberID]
	keys := make([]string, 0, len(joined))
	for key := range joined {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	return keys
}

// BroadcastLocal delivers data to every local member of the room except the
// one identified by excludeID (pass "" to deliver to all). Members whose
// Send fails (saturated or closed connection) are pruned from all rooms
// rather than retried. Returns the number of successful deliveries.
//
// The member set is snapshotted under the read lock and sends happen outside
// it, so a slow member never stalls joins or other broadcasts.
func (r *Registry) BroadcastLocal(key string, data []byte, excludeID string) int {
	r.mu.RLock()
	set := r.rooms[key]
	targets := make([]Member, 0, len(set))
	for id, m := range set {
		if id == excludeID {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if err := m.Send(data); err != nil {
			log.Printf("room: pruning member=%s from room=%s: %v", m.ID(), key, err)
			r.mu.Lock()
			for joined := range r.members[m.ID()] {
				r.remove(m.ID(), joined)
			}
			r.mu.Unlock()
			continue
		}
		delivered++
	}
	return delivered
}
