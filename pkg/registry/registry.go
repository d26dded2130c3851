// Package registry tracks which connections belong to which case rooms on
// this process. Membership on other processes is never mirrored here; the
// fan-out bus replicates the events instead.
package registry

import "sync"

// Conn is the minimal view of a live connection the registry needs.
type Conn interface {
	ID() string
	ParticipantID() string
}

type room struct {
	mu      sync.Mutex
	members map[string]Conn // keyed by connection id
}

// Registry is process-local. Rooms lock independently of each other since
// room activity is the hot path and rooms do not interact.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]map[string]struct{} // connection id -> joined room ids
}

func New() *Registry {
	return &Registry{
		rooms: map[string]*room{},
		conns: map[string]map[string]struct{}{},
	}
}

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: map[string]Conn{}}
		r.rooms[roomID] = rm
	}
	return rm
}

// Join adds the connection to the room. It is idempotent; the returned bool
// reports whether this was a new membership. Callers re-announce presence
// even when it was not, so clients can recover from a missed announcement.
func (r *Registry) Join(c Conn, roomID string) bool {
	rm := r.getOrCreate(roomID)
	rm.mu.Lock()
	_, existed := rm.members[c.ID()]
	rm.members[c.ID()] = c
	rm.mu.Unlock()

	r.mu.Lock()
	set, ok := r.conns[c.ID()]
	if !ok {
		set = map[string]struct{}{}
		r.conns[c.ID()] = set
	}
	set[roomID] = struct{}{}
	r.mu.Unlock()
	return !existed
}

// Leave removes the connection from the room. Leaving a room the connection
// never joined is a no-op, not an error.
func (r *Registry) Leave(connID, roomID string) bool {
	r.mu.Lock()
	rm := r.rooms[roomID]
	r.mu.Unlock()
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	_, existed := rm.members[connID]
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	r.mu.Lock()
	if set, ok := r.conns[connID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.conns, connID)
		}
	}
	if empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	return existed
}

// Member reports whether the connection currently belongs to the room.
func (r *Registry) Member(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, ok = set[roomID]
	return ok
}

// MembersOf lists connections attached to this process for the room.
func (r *Registry) MembersOf(roomID string) []Conn {
	r.mu.Lock()
	rm := r.rooms[roomID]
	r.mu.Unlock()
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Conn, 0, len(rm.members))
	for _, c := range rm.members {
		out = append(out, c)
	}
	return out
}

// RoomsOf lists the rooms a connection currently belongs to.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[connID]
	out := make([]string, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
	}
	return out
}

// CloseConnection removes the connection from every room it was in and
// returns the rooms left, one leave event owed per room. This is the path
// a silently-dropped connection takes once the heartbeat sweep notices it.
func (r *Registry) CloseConnection(connID string) []string {
	rooms := r.RoomsOf(connID)
	for _, roomID := range rooms {
		r.Leave(connID, roomID)
	}
	return rooms
}
