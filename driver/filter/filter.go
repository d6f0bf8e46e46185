// Package filter compiles event filter expressions.
//
// The syntax is
//
//	EventName[field='literal'][other.field='literal']:modifier:modifier
//
// EventName may be "*" to match any event. A bracket holds one or more
// comma-separated clauses which are all ANDed with the other brackets.
// Clauses compare a dotted field path with a literal using =, !=, >, >=,
// <, <= or ~= (regular expression). Modifiers are first, last and notrace.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/inference-sim/perfdriver/driver"
)

// Filter is a compiled filter expression. It is immutable and may be
// shared; per-scope selection state lives in a Session.
type Filter struct {
	expr    string
	event   string
	clauses []clause
	first   bool
	last    bool
	noTrace bool
}

type operator string

const (
	opEq    operator = "="
	opNe    operator = "!="
	opMatch operator = "~="
	opGt    operator = ">"
	opGe    operator = ">="
	opLt    operator = "<"
	opLe    operator = "<="
)

type clause struct {
	path    string
	op      operator
	literal string
	re      *regexp.Regexp
}

// ParseError is a malformed or invalid filter expression.
type ParseError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid filter %q at offset %d: %s", e.Expr, e.Pos, e.Msg)
}

// Compile parses expr. Field paths are checked against the schema of the
// named event kind when one is registered.
func Compile(expr string) (*Filter, error) {
	p := &parser{src: expr}
	f, err := p.parse()
	if err != nil {
		return nil, err
	}
	for _, c := range f.clauses {
		if f.event == "*" {
			break
		}
		if known, _ := driver.KnownField(f.event, c.path); !known {
			return nil, &ParseError{Expr: expr, Pos: strings.Index(expr, c.path), Msg: fmt.Sprintf("%s has no field %q", f.event, c.path)}
		}
	}
	return f, nil
}

// MustCompile is like Compile but panics on error. It is meant for
// expressions built into the program.
func MustCompile(expr string) *Filter {
	f, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// EventName returns the event kind the filter subscribes to, or "*".
func (f *Filter) EventName() string { return f.event }

// First reports the :first modifier.
func (f *Filter) First() bool { return f.first }

// Last reports the :last modifier.
func (f *Filter) Last() bool { return f.last }

// NoTrace reports the :notrace modifier.
func (f *Filter) NoTrace() bool { return f.noTrace }

// Match reports whether ev satisfies the name and field clauses, and,
// unless the filter is notrace, shares a trace with scope. An empty scope
// does not constrain the match.
func (f *Filter) Match(ev driver.Event, scope driver.TraceSet) bool {
	if f.event != "*" && f.event != ev.Name() {
		return false
	}
	for _, c := range f.clauses {
		if !c.match(ev) {
			return false
		}
	}
	if f.noTrace || scope.IsEmpty() {
		return true
	}
	return ev.Traces().Intersects(scope)
}

func (c clause) match(ev driver.Event) bool {
	v, ok := ev.Field(c.path)
	if !ok {
		return c.op == opNe
	}
	switch c.op {
	case opEq:
		return driver.EqualScalars(v, c.literal)
	case opNe:
		return !driver.EqualScalars(v, c.literal)
	case opMatch:
		return c.re.MatchString(driver.FormatScalar(v))
	}
	cmp, _ := driver.CompareScalars(v, c.literal)
	switch c.op {
	case opGt:
		return cmp > 0
	case opGe:
		return cmp >= 0
	case opLt:
		return cmp < 0
	case opLe:
		return cmp <= 0
	}
	return false
}

// Session applies the :first/:last selection of a filter within one
// grouping scope, such as a phase.
type Session struct {
	f     *Filter
	scope func() driver.TraceSet
	cb    func(driver.Event)
	fired bool
	last  driver.Event
}

// Start opens a selection session. scope is consulted on every event so
// that it can follow the active phase; nil means unconstrained.
func (f *Filter) Start(scope func() driver.TraceSet, cb func(driver.Event)) *Session {
	return &Session{f: f, scope: scope, cb: cb}
}

// StartIn opens a session over a fixed trace set.
func (f *Filter) StartIn(scope driver.TraceSet, cb func(driver.Event)) *Session {
	return f.Start(func() driver.TraceSet { return scope }, cb)
}

// Handle offers ev to the session and reports whether it matched. Plain
// filters call back on every match, :first only on the first one, and
// :last defers to Finalize.
func (s *Session) Handle(ev driver.Event) bool {
	var scope driver.TraceSet
	if s.scope != nil {
		scope = s.scope()
	}
	if !s.f.Match(ev, scope) {
		return false
	}
	if s.f.last {
		s.last = ev
	}
	switch {
	case s.f.first:
		if !s.fired {
			s.fired = true
			s.cb(ev)
		}
	case !s.f.last:
		s.cb(ev)
	}
	return true
}

// Finalize closes the session, delivering the last match of a :last
// filter. The session can be reused afterwards.
func (s *Session) Finalize() {
	last := s.last
	s.last = nil
	s.fired = false
	if s.f.last && last != nil {
		s.cb(last)
	}
}
