package driver

import (
	"fmt"
	"sort"
)

// TriggerMode selects when a component reacts to a parameter update.
type TriggerMode string

const (
	// TriggerAlways fires on every parameter update.
	TriggerAlways TriggerMode = "always"
	// TriggerMatching fires when a changed name is in the interest set.
	TriggerMatching TriggerMode = "matching"
	// TriggerChanged fires when a changed name in the interest set took a
	// value different from its previous one.
	TriggerChanged TriggerMode = "changed"
)

// validTriggerModes maps accepted trigger mode strings.
var validTriggerModes = map[TriggerMode]bool{
	TriggerAlways:   true,
	TriggerMatching: true,
	TriggerChanged:  true,
	"":              true, // empty defaults to matching
}

// ParseTriggerMode validates a mode string. The empty string is matching.
func ParseTriggerMode(s string) (TriggerMode, error) {
	mode := TriggerMode(s)
	if !validTriggerModes[mode] {
		return "", fmt.Errorf("unknown trigger mode %q", s)
	}
	if mode == "" {
		return TriggerMatching, nil
	}
	return mode, nil
}

// Trigger decides whether a component must act on a parameter update.
type Trigger struct {
	Mode     TriggerMode
	Interest map[string]bool
	// AtStart makes the component act once at session start, whatever
	// its interest.
	AtStart bool
}

// NewTrigger builds a trigger over the given interest names.
func NewTrigger(mode TriggerMode, interest []string, atStart bool) Trigger {
	if mode == "" {
		mode = TriggerMatching
	}
	set := make(map[string]bool, len(interest))
	for _, name := range interest {
		set[name] = true
	}
	return Trigger{Mode: mode, Interest: set, AtStart: atStart}
}

// InterestNames returns the interest set in sorted order.
func (t Trigger) InterestNames() []string {
	names := make([]string, 0, len(t.Interest))
	for k := range t.Interest {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Automatic reports whether the trigger can ever fire on an update.
func (t Trigger) Automatic() bool {
	return t.Mode == TriggerAlways || len(t.Interest) > 0
}

// ShouldFire evaluates the trigger against one update.
func (t Trigger) ShouldFire(ev *ParameterUpdateEvent) bool {
	switch t.Mode {
	case TriggerAlways:
		return true
	case TriggerChanged:
		for name, value := range ev.Changes {
			if !t.Interest[name] {
				continue
			}
			prev, had := ev.Previous[name]
			if !had || !EqualScalars(prev, value) {
				return true
			}
		}
		return false
	default:
		for name := range ev.Changes {
			if t.Interest[name] {
				return true
			}
		}
		return false
	}
}
