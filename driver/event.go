package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Event is anything delivered on the Bus. Concrete kinds embed BaseEvent,
// which carries the trace set and timestamp the Bus stamps at publish time.
type Event interface {
	// Name is the event kind, matched by subscriptions and filters.
	Name() string
	// Traces is the causal provenance of the event.
	Traces() TraceSet
	// Timestamp is in seconds on the session clock.
	Timestamp() float64
	// Field resolves a dotted path to a scalar for filter matching.
	Field(path string) (Scalar, bool)

	base() *BaseEvent
}

// BaseEvent holds the bookkeeping shared by every event kind. Its setters
// must only be called before the event is published.
type BaseEvent struct {
	traces  TraceSet
	ts      float64
	noTrace bool
	stamped bool
}

func (e *BaseEvent) base() *BaseEvent { return e }

// Traces returns the event's trace set.
func (e *BaseEvent) Traces() TraceSet { return e.traces }

// Timestamp returns the event time in seconds.
func (e *BaseEvent) Timestamp() float64 { return e.ts }

// NoTrace reports whether the event opted out of causal grouping.
func (e *BaseEvent) NoTrace() bool { return e.noTrace }

// Published reports whether the event already went through a Bus.
func (e *BaseEvent) Published() bool { return e.stamped }

// SetTraces seeds the ids the event introduces itself. The Bus adds the
// traces of the event being handled when this one is published.
func (e *BaseEvent) SetTraces(s TraceSet) { e.traces = e.traces.Union(s) }

// SetTimestamp fixes the event time instead of letting the Bus clock stamp it.
func (e *BaseEvent) SetTimestamp(ts float64) { e.ts = ts }

// MarkNoTrace excludes the event from causal grouping. It is still
// delivered but carries an empty trace set.
func (e *BaseEvent) MarkNoTrace() {
	e.noTrace = true
	e.traces = TraceSet{}
}

// IsNoTrace reports whether ev opted out of causal grouping.
func IsNoTrace(ev Event) bool { return ev.base().noTrace }

// Schema lists the field paths an event kind exposes. A trailing ".*"
// accepts any nested path below that prefix.
type Schema []string

var (
	schemaMu sync.RWMutex
	schemas  = map[string]Schema{}
)

// RegisterEventKind declares the field paths of an event kind so that
// filters naming unknown fields fail when they are compiled. Kinds that are
// never registered accept any field path.
func RegisterEventKind(name string, fields ...string) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if _, dup := schemas[name]; dup {
		panic(fmt.Sprintf("event kind %q registered twice", name))
	}
	schemas[name] = Schema(append([]string(nil), fields...))
}

// KnownField reports whether path is a valid field of the named kind.
// registered is false when the kind has no schema.
func KnownField(kind, path string) (known, registered bool) {
	schemaMu.RLock()
	schema, ok := schemas[kind]
	schemaMu.RUnlock()
	if !ok {
		return true, false
	}
	for _, f := range schema {
		if f == path {
			return true, true
		}
		if prefix, open := strings.CutSuffix(f, ".*"); open && strings.HasPrefix(path, prefix+".") {
			return true, true
		}
	}
	return false, true
}

// EventKinds returns the registered kind names in sorted order.
func EventKinds() []string {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
