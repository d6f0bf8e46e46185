package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/perfdriver/driver"
)

func done(ts float64, traces driver.TraceSet, fields map[string]any) *driver.DomainEvent {
	ev := driver.NewDomainEvent("Done", fields)
	ev.SetTraces(traces)
	ev.SetTimestamp(ts)
	return ev
}

func TestCompile_Valid(t *testing.T) {
	tests := []struct {
		expr                  string
		event                 string
		first, last, noTrace  bool
		clauses               int
	}{
		{"Done", "Done", false, false, false, 0},
		{"*", "*", false, false, false, 0},
		{"Done[status='ok']:first", "Done", true, false, false, 1},
		{"Done[status='ok'][app.id=\"/a\"]:last:notrace", "Done", false, true, true, 2},
		{"Done[status='ok', code>=200,code<300]", "Done", false, false, false, 3},
		{"LogLineEvent[line~='^ready']", "LogLineEvent", false, false, false, 1},
		{"Done[status=ok]", "Done", false, false, false, 1},
		{"ParameterUpdateEvent[changes.instances='2']:notrace", "ParameterUpdateEvent", false, false, true, 1},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			f, err := Compile(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.event, f.EventName())
			assert.Equal(t, tc.first, f.First())
			assert.Equal(t, tc.last, f.Last())
			assert.Equal(t, tc.noTrace, f.NoTrace())
			assert.Len(t, f.clauses, tc.clauses)
			assert.Equal(t, tc.expr, f.String())
		})
	}
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		expr string
		msg  string
	}{
		{"", "expected event name"},
		{"[a='b']", "expected event name"},
		{"Done[status='ok'", "expected ',' or ']'"},
		{"Done[status]", "expected comparison operator"},
		{"Done[status='ok]", "unterminated string"},
		{"Done:sometimes", "unknown modifier"},
		{"Done:first:last", "cannot be combined"},
		{"Done:last:notrace:first", "cannot be combined"},
		{"Done extra", "unexpected"},
		{"Done[line~='(']", "bad regular expression"},
		{"TickEvent[bogus='1']", "has no field \"bogus\""},
		{"Done[='x']", "expected field path"},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			_, err := Compile(tc.expr)
			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestFilter_Match_FieldsAndOperators(t *testing.T) {
	ev := done(1, driver.TraceSet{}, map[string]any{"status": "ok", "code": 204, "app": map[string]any{"id": "/web"}})
	tests := []struct {
		expr string
		want bool
	}{
		{"Done[status='ok']", true},
		{"Done[status='fail']", false},
		{"Done[status!='fail']", true},
		{"Done[missing!='x']", true},
		{"Done[missing='x']", false},
		{"Done[code=204.0]", true},
		{"Done[code>200,code<300]", true},
		{"Done[code>=205]", false},
		{"Done[code<=204]", true},
		{"Done[app.id~='^/w']", true},
		{"Done[app.id='/web'][status='ok']", true},
		{"*[status='ok']", true},
		{"Other", false},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			assert.Equal(t, tc.want, MustCompile(tc.expr).Match(ev, driver.TraceSet{}))
		})
	}
}

func TestFilter_Match_TraceRule(t *testing.T) {
	scope := driver.NewTraceSet(5)
	inScope := done(1, driver.NewTraceSet(1, 5), nil)
	outOfScope := done(1, driver.NewTraceSet(4), nil)
	untraced := done(1, driver.TraceSet{}, nil)

	traced := MustCompile("Done")
	assert.True(t, traced.Match(inScope, scope))
	assert.False(t, traced.Match(outOfScope, scope))
	assert.False(t, traced.Match(untraced, scope))
	assert.True(t, traced.Match(outOfScope, driver.TraceSet{}), "empty scope is unconstrained")

	notrace := MustCompile("Done:notrace")
	assert.True(t, notrace.Match(outOfScope, scope))
	assert.True(t, notrace.Match(untraced, scope))
}

// TestSession_First_RecordsOnlyFirstMatch mirrors a tracker configured with
// Done[status='ok']:first receiving ok@1, ok@2 and fail.
func TestSession_First_RecordsOnlyFirstMatch(t *testing.T) {
	// GIVEN a :first session scoped to the phase root
	root := driver.NewTraceSet(1)
	var got []float64
	s := MustCompile("Done[status='ok']:first").StartIn(root, func(ev driver.Event) {
		got = append(got, ev.Timestamp())
	})

	// WHEN three Done events arrive
	s.Handle(done(1, root, map[string]any{"status": "ok"}))
	s.Handle(done(2, root, map[string]any{"status": "ok"}))
	s.Handle(done(3, root, map[string]any{"status": "fail"}))
	s.Finalize()

	// THEN exactly one sample at ts 1 was selected
	assert.Equal(t, []float64{1}, got)
}

func TestSession_Last_DeliversAtFinalize(t *testing.T) {
	var got []float64
	s := MustCompile("Done:last").Start(nil, func(ev driver.Event) {
		got = append(got, ev.Timestamp())
	})

	s.Handle(done(1, driver.TraceSet{}, nil))
	s.Handle(done(2, driver.TraceSet{}, nil))
	assert.Empty(t, got)

	s.Finalize()
	assert.Equal(t, []float64{2}, got)

	// finalize resets the session for the next scope
	s.Finalize()
	assert.Equal(t, []float64{2}, got)
	s.Handle(done(7, driver.TraceSet{}, nil))
	s.Finalize()
	assert.Equal(t, []float64{2, 7}, got)
}

func TestSession_Plain_DeliversEveryMatch(t *testing.T) {
	n := 0
	s := MustCompile("Done").Start(nil, func(driver.Event) { n++ })
	for i := 0; i < 3; i++ {
		assert.True(t, s.Handle(done(float64(i+1), driver.TraceSet{}, nil)))
	}
	assert.False(t, s.Handle(driver.NewDomainEvent("Other", nil)))
	assert.Equal(t, 3, n)
}

func TestSession_ScopeFollowsFunction(t *testing.T) {
	scope := driver.NewTraceSet(1)
	n := 0
	s := MustCompile("Done").Start(func() driver.TraceSet { return scope }, func(driver.Event) { n++ })

	s.Handle(done(1, driver.NewTraceSet(1), nil))
	scope = driver.NewTraceSet(2)
	s.Handle(done(2, driver.NewTraceSet(1), nil))
	s.Handle(done(3, driver.NewTraceSet(2), nil))

	assert.Equal(t, 2, n)
}
