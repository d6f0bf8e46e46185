package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTraceSet_NewTraceSet_SortsAndDedupes(t *testing.T) {
	s := NewTraceSet(3, 1, 3, 2)
	assert.Equal(t, []TraceID{1, 2, 3}, s.IDs())
	assert.Equal(t, "{#1,#2,#3}", s.String())
}

func TestTraceSet_SetOperations(t *testing.T) {
	tests := []struct {
		name       string
		a, b       TraceSet
		union      []TraceID
		intersects bool
	}{
		{"both empty", TraceSet{}, TraceSet{}, nil, false},
		{"one empty", NewTraceSet(1), TraceSet{}, []TraceID{1}, false},
		{"disjoint", NewTraceSet(1, 3), NewTraceSet(2, 4), []TraceID{1, 2, 3, 4}, false},
		{"overlap", NewTraceSet(1, 2, 5), NewTraceSet(2, 6), []TraceID{1, 2, 5, 6}, true},
		{"equal", NewTraceSet(4), NewTraceSet(4), []TraceID{4}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := tc.a.Union(tc.b)
			assert.Equal(t, len(tc.union), u.Len())
			for _, id := range tc.union {
				assert.True(t, u.Contains(id))
			}
			assert.Equal(t, tc.intersects, tc.a.Intersects(tc.b))
			assert.Equal(t, tc.intersects, tc.b.Intersects(tc.a))
			assert.True(t, u.IsSupersetOf(tc.a))
			assert.True(t, u.IsSupersetOf(tc.b))
		})
	}
}

func TestTraceRegistry_Mint_NeverReusesIDs(t *testing.T) {
	reg := NewTraceRegistry()
	seen := map[TraceID]bool{}
	for i := 0; i < 100; i++ {
		id := reg.Mint("test")
		assert.False(t, seen[id], "id %d minted twice", id)
		seen[id] = true
	}
	assert.Equal(t, 100, reg.Len())
}

func TestTraceRegistry_Describe(t *testing.T) {
	reg := NewTraceRegistry()
	id := reg.Mint(ParameterUpdateEventName)
	token, _, ok := reg.Lookup(id)
	assert.True(t, ok)

	desc := reg.Describe(NewTraceSet(id, 99))
	assert.Contains(t, desc, "#1 ParameterUpdateEvent ["+token+"]")
	assert.Contains(t, desc, "#99 <unknown>")
	assert.Equal(t, "(untraced)", reg.Describe(TraceSet{}))
}

// TestTraceRegistry_Isolated verifies two buses never share trace state.
func TestTraceRegistry_Isolated(t *testing.T) {
	a, b := NewBus(), NewBus()
	a.Registry().Mint("x")
	a.Registry().Mint("x")
	assert.Equal(t, TraceID(1), b.Registry().Mint("y"))
}
