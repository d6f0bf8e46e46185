package driver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TraceID is a small integer handle for a causal root. IDs are minted by a
// TraceRegistry and never reused within the registry's lifetime.
type TraceID int

// TraceSet is an immutable, sorted set of trace ids.
// The zero value is the empty set.
type TraceSet struct {
	ids []TraceID
}

// NewTraceSet builds a set from the given ids, dropping duplicates.
func NewTraceSet(ids ...TraceID) TraceSet {
	if len(ids) == 0 {
		return TraceSet{}
	}
	cp := append([]TraceID(nil), ids...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	out := cp[:1]
	for _, id := range cp[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return TraceSet{ids: out}
}

// Len returns the number of ids in the set.
func (s TraceSet) Len() int { return len(s.ids) }

// IsEmpty reports whether the set has no ids.
func (s TraceSet) IsEmpty() bool { return len(s.ids) == 0 }

// IDs returns a copy of the ids in ascending order.
func (s TraceSet) IDs() []TraceID { return append([]TraceID(nil), s.ids...) }

// Contains reports whether id is a member of the set.
func (s TraceSet) Contains(id TraceID) bool {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	return i < len(s.ids) && s.ids[i] == id
}

// Intersects reports whether the two sets share at least one id.
func (s TraceSet) Intersects(o TraceSet) bool {
	i, j := 0, 0
	for i < len(s.ids) && j < len(o.ids) {
		switch {
		case s.ids[i] == o.ids[j]:
			return true
		case s.ids[i] < o.ids[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// Union returns a new set holding the ids of both sets.
func (s TraceSet) Union(o TraceSet) TraceSet {
	if o.IsEmpty() {
		return s
	}
	if s.IsEmpty() {
		return o
	}
	out := make([]TraceID, 0, len(s.ids)+len(o.ids))
	i, j := 0, 0
	for i < len(s.ids) || j < len(o.ids) {
		switch {
		case j >= len(o.ids) || (i < len(s.ids) && s.ids[i] < o.ids[j]):
			out = append(out, s.ids[i])
			i++
		case i >= len(s.ids) || o.ids[j] < s.ids[i]:
			out = append(out, o.ids[j])
			j++
		default:
			out = append(out, s.ids[i])
			i++
			j++
		}
	}
	return TraceSet{ids: out}
}

// IsSupersetOf reports whether every id of o is in s.
func (s TraceSet) IsSupersetOf(o TraceSet) bool {
	for _, id := range o.ids {
		if !s.Contains(id) {
			return false
		}
	}
	return true
}

func (s TraceSet) String() string {
	parts := make([]string, len(s.ids))
	for i, id := range s.ids {
		parts[i] = fmt.Sprintf("#%d", id)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// traceRoot is what the registry remembers about a minted id.
type traceRoot struct {
	token  string
	origin string
}

// TraceRegistry interns causal roots to TraceIDs. It is owned by a Bus and
// only touched from the goroutine that runs that Bus.
type TraceRegistry struct {
	roots map[TraceID]traceRoot
	next  TraceID
}

// NewTraceRegistry creates an empty registry. The first minted id is 1.
func NewTraceRegistry() *TraceRegistry {
	return &TraceRegistry{roots: make(map[TraceID]traceRoot), next: 1}
}

// Mint allocates a fresh root id. origin names what caused the root,
// usually an event name, and is only used for diagnostics.
func (r *TraceRegistry) Mint(origin string) TraceID {
	id := r.next
	r.next++
	r.roots[id] = traceRoot{token: uuid.NewString(), origin: origin}
	return id
}

// observe records ids that were not minted by this registry so that they
// show up in diagnostics and are never handed out again.
func (r *TraceRegistry) observe(s TraceSet) {
	for _, id := range s.ids {
		if _, ok := r.roots[id]; ok {
			continue
		}
		r.roots[id] = traceRoot{token: uuid.NewString(), origin: "external"}
		if id >= r.next {
			r.next = id + 1
		}
	}
}

// Len returns the number of known ids.
func (r *TraceRegistry) Len() int { return len(r.roots) }

// Lookup returns the opaque token and origin recorded for id.
func (r *TraceRegistry) Lookup(id TraceID) (token, origin string, ok bool) {
	root, ok := r.roots[id]
	return root.token, root.origin, ok
}

// Describe renders a trace set as a causal chain, oldest root first.
func (r *TraceRegistry) Describe(s TraceSet) string {
	if s.IsEmpty() {
		return "(untraced)"
	}
	parts := make([]string, 0, s.Len())
	for _, id := range s.ids {
		root, ok := r.roots[id]
		if !ok {
			parts = append(parts, fmt.Sprintf("#%d <unknown>", id))
			continue
		}
		parts = append(parts, fmt.Sprintf("#%d %s [%s]", id, root.origin, root.token))
	}
	return strings.Join(parts, " -> ")
}
