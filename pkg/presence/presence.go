// Package presence holds the ephemeral per-participant state of each room:
// cursor, focused section, typing flag, last-seen time. Entries owned by this
// process are authoritative; entries rebuilt from bus events are derived and
// eventually consistent.
package presence

import (
	"sync"
	"time"
)

type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Entry struct {
	ParticipantID  string    `json:"participantId"`
	ConnectionID   string    `json:"connectionId"`
	DisplayName    string    `json:"displayName"`
	ColorHint      string    `json:"colorHint"`
	Cursor         *Cursor   `json:"cursor,omitempty"`
	FocusedSection string    `json:"focusedSection,omitempty"`
	IsTyping       bool      `json:"isTyping"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}

type entryState struct {
	Entry
	owned         bool
	lastCursorPub time.Time
}

type room struct {
	mu      sync.Mutex
	entries map[string]*entryState // keyed by connection id
}

// Store keeps presence per room. Cursor mutations are coalesced: rapid
// updates overwrite the entry but only ask for a republish once per
// coalesce interval, since only the latest value matters.
type Store struct {
	mu       sync.Mutex
	rooms    map[string]*room
	coalesce time.Duration
}

const defaultCoalesce = 50 * time.Millisecond

func NewStore(coalesce time.Duration) *Store {
	if coalesce <= 0 {
		coalesce = defaultCoalesce
	}
	return &Store{rooms: map[string]*room{}, coalesce: coalesce}
}

func (s *Store) getOrCreate(roomID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		rm = &room{entries: map[string]*entryState{}}
		s.rooms[roomID] = rm
	}
	return rm
}

// Join records a participant as active in a room. owned marks whether this
// process holds the connection (authoritative) or merely mirrors it.
func (s *Store) Join(roomID string, e Entry, owned bool) {
	rm := s.getOrCreate(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.entries[e.ConnectionID] = &entryState{Entry: e, owned: owned}
}

// Heartbeat refreshes the last-seen time. Unknown entries are ignored.
func (s *Store) Heartbeat(roomID, connID string, at time.Time) {
	s.mutate(roomID, connID, func(st *entryState) { st.LastSeenAt = at })
}

// SetCursor stores the latest cursor and reports whether the change should
// be republished now or held back by coalescing.
func (s *Store) SetCursor(roomID, connID string, c Cursor, at time.Time) bool {
	publish := false
	s.mutate(roomID, connID, func(st *entryState) {
		cur := c
		st.Cursor = &cur
		st.LastSeenAt = at
		if at.Sub(st.lastCursorPub) >= s.coalesce {
			st.lastCursorPub = at
			publish = true
		}
	})
	return publish
}

func (s *Store) SetFocus(roomID, connID, section string, at time.Time) bool {
	return s.mutate(roomID, connID, func(st *entryState) {
		st.FocusedSection = section
		st.LastSeenAt = at
	})
}

func (s *Store) SetTyping(roomID, connID string, typing bool, at time.Time) bool {
	return s.mutate(roomID, connID, func(st *entryState) {
		st.IsTyping = typing
		st.LastSeenAt = at
	})
}

// Apply overwrites a derived entry from a remote presence-updated event.
func (s *Store) Apply(roomID string, e Entry) {
	rm := s.getOrCreate(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	st, ok := rm.entries[e.ConnectionID]
	if !ok {
		rm.entries[e.ConnectionID] = &entryState{Entry: e}
		return
	}
	if st.owned {
		return // never let a looped-back event clobber the authoritative copy
	}
	e.LastSeenAt = latest(e.LastSeenAt, st.LastSeenAt)
	st.Entry = e
}

// RemoveDerived evicts a derived entry in response to a remote leave.
// Owned entries are left alone: a remote event can never evict a
// connection this process still holds.
func (s *Store) RemoveDerived(roomID, connID string) (Entry, bool) {
	s.mu.Lock()
	rm := s.rooms[roomID]
	s.mu.Unlock()
	if rm == nil {
		return Entry{}, false
	}
	rm.mu.Lock()
	st, ok := rm.entries[connID]
	if ok && st.owned {
		rm.mu.Unlock()
		return Entry{}, false
	}
	if ok {
		delete(rm.entries, connID)
	}
	empty := len(rm.entries) == 0
	rm.mu.Unlock()
	if empty {
		s.mu.Lock()
		delete(s.rooms, roomID)
		s.mu.Unlock()
	}
	if !ok {
		return Entry{}, false
	}
	return st.Entry, true
}

// Remove evicts an entry, returning it so the caller can announce the leave.
func (s *Store) Remove(roomID, connID string) (Entry, bool) {
	s.mu.Lock()
	rm := s.rooms[roomID]
	s.mu.Unlock()
	if rm == nil {
		return Entry{}, false
	}
	rm.mu.Lock()
	st, ok := rm.entries[connID]
	if ok {
		delete(rm.entries, connID)
	}
	empty := len(rm.entries) == 0
	rm.mu.Unlock()
	if empty {
		s.mu.Lock()
		delete(s.rooms, roomID)
		s.mu.Unlock()
	}
	if !ok {
		return Entry{}, false
	}
	return st.Entry, true
}

// Snapshot returns every entry known for the room, owned and derived.
func (s *Store) Snapshot(roomID string) []Entry {
	return s.snapshot(roomID, false)
}

// OwnedSnapshot returns only the entries whose connection this process holds.
// It is the answer to a cross-process sync-request.
func (s *Store) OwnedSnapshot(roomID string) []Entry {
	return s.snapshot(roomID, true)
}

func (s *Store) snapshot(roomID string, ownedOnly bool) []Entry {
	s.mu.Lock()
	rm := s.rooms[roomID]
	s.mu.Unlock()
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Entry, 0, len(rm.entries))
	for _, st := range rm.entries {
		if ownedOnly && !st.owned {
			continue
		}
		out = append(out, st.Entry)
	}
	return out
}

// Heartbeats are local to the owning process, so a derived entry's
// LastSeenAt only advances on replicated activity. Derived entries
// therefore age on a longer grace before local eviction.
const derivedGrace = 3

// SweepExpired evicts owned entries silent for longer than timeout and
// returns them grouped by room so the caller can announce each leave.
// Evicting a live connection belongs to the process that owns it; derived
// entries are dropped locally after derivedGrace times the timeout and are
// never returned, so a crashed remote process still gets cleaned up
// without this process publishing a leave on its behalf.
func (s *Store) SweepExpired(timeout time.Duration, now time.Time) map[string][]Entry {
	s.mu.Lock()
	roomIDs := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		roomIDs = append(roomIDs, id)
	}
	s.mu.Unlock()

	evicted := map[string][]Entry{}
	for _, roomID := range roomIDs {
		s.mu.Lock()
		rm := s.rooms[roomID]
		s.mu.Unlock()
		if rm == nil {
			continue
		}
		rm.mu.Lock()
		for connID, st := range rm.entries {
			age := now.Sub(st.LastSeenAt)
			switch {
			case st.owned && age > timeout:
				delete(rm.entries, connID)
				evicted[roomID] = append(evicted[roomID], st.Entry)
			case !st.owned && age > derivedGrace*timeout:
				delete(rm.entries, connID)
			}
		}
		empty := len(rm.entries) == 0
		rm.mu.Unlock()
		if empty {
			s.mu.Lock()
			delete(s.rooms, roomID)
			s.mu.Unlock()
		}
	}
	return evicted
}

// Get returns the current entry for a connection in a room.
func (s *Store) Get(roomID, connID string) (Entry, bool) {
	s.mu.Lock()
	rm := s.rooms[roomID]
	s.mu.Unlock()
	if rm == nil {
		return Entry{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	st, ok := rm.entries[connID]
	if !ok {
		return Entry{}, false
	}
	return st.Entry, true
}

func (s *Store) mutate(roomID, connID string, fn func(*entryState)) bool {
	s.mu.Lock()
	rm := s.rooms[roomID]
	s.mu.Unlock()
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	st, ok := rm.entries[connID]
	if !ok {
		return false
	}
	fn(st)
	return true
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
