package driver

import (
	"fmt"
	"maps"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Scalar is a leaf value carried by events and parameters: a string, bool,
// integer or float. Nested maps only appear inside DomainEvent fields.
type Scalar = any

// Values is a name-to-scalar map used for parameter snapshots and
// definitions.
type Values map[string]Scalar

// Clone returns a shallow copy. Scalars are immutable so this is a full copy.
func (v Values) Clone() Values {
	if v == nil {
		return Values{}
	}
	return maps.Clone(v)
}

// Names returns the keys in sorted order.
func (v Values) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Key renders the values as a stable string, usable as a map key for the
// snapshot they describe.
func (v Values) Key() string {
	var b strings.Builder
	for i, name := range v.Names() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(FormatScalar(v[name]))
	}
	return b.String()
}

// FormatScalar renders a scalar the way it is compared and printed.
func FormatScalar(v Scalar) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

// ToFloat converts a scalar to float64. Strings are parsed; bools are not
// numbers.
func ToFloat(v Scalar) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// EqualScalars compares numerically when both sides are numbers, and by
// their string form otherwise. So 2, 2.0 and "2" are all equal.
func EqualScalars(a, b Scalar) bool {
	fa, okA := ToFloat(a)
	fb, okB := ToFloat(b)
	if okA && okB {
		return fa == fb || (math.IsNaN(fa) && math.IsNaN(fb))
	}
	return FormatScalar(a) == FormatScalar(b)
}

// CompareScalars orders two scalars. The boolean is false when the values
// are not both numbers, in which case the string forms are compared.
func CompareScalars(a, b Scalar) (int, bool) {
	fa, okA := ToFloat(a)
	fb, okB := ToFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(FormatScalar(a), FormatScalar(b)), false
}

// lookupPath resolves a dotted path through nested maps.
func lookupPath(fields map[string]any, path string) (Scalar, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Values:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	switch cur.(type) {
	case map[string]any, Values:
		return nil, false
	}
	return cur, true
}
