// Package docsync keeps one replicated operation log per collaboratively
// edited document. Local edits apply immediately; remote operations merge
// commutatively, so any process that has seen the same set of operations
// materializes byte-identical content regardless of arrival order.
package docsync

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
)

// ID is the causally-scoped identity of one inserted character: the
// originating site plus that site's logical clock at insert time.
type ID struct {
	Site  string `json:"site"`
	Clock uint64 `json:"clock"`
}

// Atom is one character of the sequence. Pos is a dense position path of
// (digit, site-key) pairs, so two sites allocating at the same spot can
// never produce equal paths and a later insert between them always finds
// room. Atoms order by (Pos, Site, Clock), which is total and agreed on by
// every site without coordination. Deleted atoms stay as tombstones so that
// a late-arriving delete always finds its target.
type Atom struct {
	ID      ID       `json:"id"`
	Pos     []uint32 `json:"pos"`
	Value   string   `json:"value"`
	Deleted bool     `json:"deleted,omitempty"`
}

type Operation struct {
	Kind   string `json:"kind"` // "insert" or "delete"
	Atom   *Atom  `json:"atom,omitempty"`
	Target *ID    `json:"target,omitempty"`
}

// Edit is the raw client intent, expressed against the visible text.
type Edit struct {
	Action string `json:"action"` // "insert" or "delete"
	Index  int    `json:"index"`
	Value  string `json:"value,omitempty"`
}

const posBase uint32 = 1 << 16

var (
	ErrIndexOutOfRange = fmt.Errorf("docsync: index out of range")
	ErrBadOperation    = fmt.Errorf("docsync: malformed operation")
)

// Replica is one site's materialized copy of a document.
type Replica struct {
	docID   string
	site    string
	key     uint32
	clock   uint64
	atoms   []Atom
	seen    map[ID]struct{}
	pending map[ID]struct{} // deletes that arrived before their insert
	clocks  map[string]uint64
}

func NewReplica(docID, site string) *Replica {
	return &Replica{
		docID:   docID,
		site:    site,
		key:     siteKey(site),
		seen:    map[ID]struct{}{},
		pending: map[ID]struct{}{},
		clocks:  map[string]uint64{},
	}
}

// siteKey is never zero: a zero pair is reserved as the implicit floor when
// the left bound runs out of digits.
func siteKey(site string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(site))
	if k := h.Sum32(); k != 0 {
		return k
	}
	return 1
}

func (r *Replica) DocID() string { return r.docID }

// KnownClocks reports the highest clock seen per site.
func (r *Replica) KnownClocks() map[string]uint64 {
	out := make(map[string]uint64, len(r.clocks))
	for k, v := range r.clocks {
		out[k] = v
	}
	return out
}

// Content materializes the visible text.
func (r *Replica) Content() string {
	var b []byte
	for _, a := range r.atoms {
		if !a.Deleted {
			b = append(b, a.Value...)
		}
	}
	return string(b)
}

func (r *Replica) visible() []int {
	idx := make([]int, 0, len(r.atoms))
	for i, a := range r.atoms {
		if !a.Deleted {
			idx = append(idx, i)
		}
	}
	return idx
}

// ApplyEdit turns a raw client edit into a stamped operation and applies it
// locally. The caller publishes the returned operation to other sites.
func (r *Replica) ApplyEdit(e Edit) (Operation, error) {
	switch e.Action {
	case "insert":
		return r.insertAt(e.Index, e.Value)
	case "delete":
		return r.deleteAt(e.Index)
	default:
		return Operation{}, fmt.Errorf("%w: action %q", ErrBadOperation, e.Action)
	}
}

func (r *Replica) insertAt(index int, value string) (Operation, error) {
	vis := r.visible()
	if index < 0 || index > len(vis) {
		return Operation{}, fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, len(vis))
	}
	var left, right []uint32
	if index > 0 {
		left = r.atoms[vis[index-1]].Pos
	}
	if index < len(vis) {
		right = r.atoms[vis[index]].Pos
	}
	r.clock++
	atom := Atom{
		ID:    ID{Site: r.site, Clock: r.clock},
		Pos:   posBetween(left, right, r.key),
		Value: value,
	}
	op := Operation{Kind: "insert", Atom: &atom}
	r.Apply(op)
	return op, nil
}

func (r *Replica) deleteAt(index int) (Operation, error) {
	vis := r.visible()
	if index < 0 || index >= len(vis) {
		return Operation{}, fmt.Errorf("%w: delete at %d of %d", ErrIndexOutOfRange, index, len(vis))
	}
	target := r.atoms[vis[index]].ID
	op := Operation{Kind: "delete", Target: &target}
	r.Apply(op)
	return op, nil
}

// Apply merges one operation, local or remote. Inserts are idempotent by
// atom id; deletes of not-yet-seen atoms are buffered until the insert
// arrives. The merge commutes, which is the engine's core correctness
// property.
func (r *Replica) Apply(op Operation) {
	switch op.Kind {
	case "insert":
		if op.Atom == nil {
			return
		}
		a := *op.Atom
		if _, dup := r.seen[a.ID]; dup {
			return
		}
		r.seen[a.ID] = struct{}{}
		if r.clocks[a.ID.Site] < a.ID.Clock {
			r.clocks[a.ID.Site] = a.ID.Clock
		}
		if a.ID.Site == r.site && r.clock < a.ID.Clock {
			r.clock = a.ID.Clock
		}
		if _, del := r.pending[a.ID]; del {
			delete(r.pending, a.ID)
			a.Deleted = true
		}
		i := sort.Search(len(r.atoms), func(i int) bool {
			return atomLess(a, r.atoms[i])
		})
		r.atoms = append(r.atoms, Atom{})
		copy(r.atoms[i+1:], r.atoms[i:])
		r.atoms[i] = a
	case "delete":
		if op.Target == nil {
			return
		}
		for i := range r.atoms {
			if r.atoms[i].ID == *op.Target {
				r.atoms[i].Deleted = true
				return
			}
		}
		r.pending[*op.Target] = struct{}{}
	}
}

type snapshot struct {
	DocID  string            `json:"docId"`
	Atoms  []Atom            `json:"atoms"`
	Clocks map[string]uint64 `json:"clocks"`
}

// Snapshot folds the replica into bytes. Tombstones are retained so that
// operations still in flight merge identically after a reload; compaction
// therefore never changes the converged content.
func (r *Replica) Snapshot() ([]byte, error) {
	return json.Marshal(snapshot{DocID: r.docID, Atoms: r.atoms, Clocks: r.clocks})
}

// LoadSnapshot replaces the replica state with a previously stored snapshot.
func (r *Replica) LoadSnapshot(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("docsync: decode snapshot: %w", err)
	}
	r.atoms = snap.Atoms
	r.seen = make(map[ID]struct{}, len(snap.Atoms))
	for _, a := range snap.Atoms {
		r.seen[a.ID] = struct{}{}
	}
	r.clocks = snap.Clocks
	if r.clocks == nil {
		r.clocks = map[string]uint64{}
	}
	if own, ok := r.clocks[r.site]; ok && own > r.clock {
		r.clock = own
	}
	return nil
}

// atomLess orders atoms by position path, then site, then clock. The
// site/clock tie-break makes concurrent same-position inserts land in the
// same relative order on every replica.
func atomLess(a, b Atom) bool {
	n := len(a.Pos)
	if len(b.Pos) < n {
		n = len(b.Pos)
	}
	for i := 0; i < n; i++ {
		if a.Pos[i] != b.Pos[i] {
			return a.Pos[i] < b.Pos[i]
		}
	}
	if len(a.Pos) != len(b.Pos) {
		return len(a.Pos) < len(b.Pos)
	}
	if a.ID.Site != b.ID.Site {
		return a.ID.Site < b.ID.Site
	}
	return a.ID.Clock < b.ID.Clock
}

// posBetween allocates a position path strictly between left and right.
// Paths are (digit, site) pairs; each emitted level carries the allocating
// site's key, so two sites filling the same gap produce distinct paths.
// When no digit gap exists at a level the walk keeps left's pair and
// descends; once left's pair sorts below right's, right no longer bounds
// the deeper levels.
func posBetween(left, right []uint32, site uint32) []uint32 {
	out := make([]uint32, 0, len(left)+2)
	bounded := true
	for i := 0; ; i += 2 {
		var ld, ls uint32
		if i < len(left) {
			ld, ls = left[i], left[i+1]
		}
		rd, rs := posBase, uint32(0)
		if bounded && i < len(right) {
			rd, rs = right[i], right[i+1]
		}
		if rd > ld+1 {
			return append(out, ld+(rd-ld)/2, site)
		}
		out = append(out, ld, ls)
		if ld < rd || (ld == rd && ls < rs) {
			bounded = false
		}
	}
}
