package driver

import "strings"

// Built-in event kind names.
const (
	StartEventName            = "StartEvent"
	RestartEventName          = "RestartEvent"
	TeardownEventName         = "TeardownEvent"
	InterruptEventName        = "InterruptEvent"
	StalledEventName          = "StalledEvent"
	TickEventName             = "TickEvent"
	ParameterUpdateEventName  = "ParameterUpdateEvent"
	FlagUpdateEventName       = "FlagUpdateEvent"
	RunTaskEventName          = "RunTaskEvent"
	RunTaskCompletedEventName = "RunTaskCompletedEvent"
	LogLineEventName          = "LogLineEvent"
	ErrorEventName            = "ErrorEvent"
)

func init() {
	RegisterEventKind(StartEventName, "run")
	RegisterEventKind(RestartEventName, "run")
	RegisterEventKind(TeardownEventName)
	RegisterEventKind(InterruptEventName, "reason")
	RegisterEventKind(StalledEventName, "policy", "state")
	RegisterEventKind(TickEventName, "count", "delta")
	RegisterEventKind(ParameterUpdateEventName, "parameters.*", "previous.*", "changes.*")
	RegisterEventKind(FlagUpdateEventName, "name", "value")
	RegisterEventKind(RunTaskEventName, "task")
	RegisterEventKind(RunTaskCompletedEventName, "task", "ok", "error")
	RegisterEventKind(LogLineEventName, "line", "source", "kind")
	RegisterEventKind(ErrorEventName, "source", "message")
}

// StartEvent is published once all components are ready, at the start of
// the first run.
type StartEvent struct {
	BaseEvent
	Run int
}

func (*StartEvent) Name() string { return StartEventName }

func (e *StartEvent) Field(path string) (Scalar, bool) {
	if path == "run" {
		return e.Run, true
	}
	return nil, false
}

// RestartEvent starts every run after the first.
type RestartEvent struct {
	BaseEvent
	Run int
}

func (*RestartEvent) Name() string { return RestartEventName }

func (e *RestartEvent) Field(path string) (Scalar, bool) {
	if path == "run" {
		return e.Run, true
	}
	return nil, false
}

// TeardownEvent is published after the last run.
type TeardownEvent struct {
	BaseEvent
}

func (*TeardownEvent) Name() string                { return TeardownEventName }
func (*TeardownEvent) Field(string) (Scalar, bool) { return nil, false }

// InterruptEvent asks every component to abort what it is doing.
type InterruptEvent struct {
	BaseEvent
	Reason string
}

func (*InterruptEvent) Name() string { return InterruptEventName }

func (e *InterruptEvent) Field(path string) (Scalar, bool) {
	if path == "reason" {
		return e.Reason, true
	}
	return nil, false
}

// StalledEvent reports that a policy was forced to its terminal state by
// the stale-timeout watchdog.
type StalledEvent struct {
	BaseEvent
	Policy string
	State  string
}

func (*StalledEvent) Name() string { return StalledEventName }

func (e *StalledEvent) Field(path string) (Scalar, bool) {
	switch path {
	case "policy":
		return e.Policy, true
	case "state":
		return e.State, true
	}
	return nil, false
}

// TickEvent is the periodic clock signal. Count starts at 1; Delta is the
// time since the previous tick in seconds.
type TickEvent struct {
	BaseEvent
	Count int
	Delta float64
}

func (*TickEvent) Name() string { return TickEventName }

func (e *TickEvent) Field(path string) (Scalar, bool) {
	switch path {
	case "count":
		return e.Count, true
	case "delta":
		return e.Delta, true
	}
	return nil, false
}

// ParameterUpdateEvent announces a flushed parameter batch. Parameters is
// the full new value set, Previous the one before the batch, and Changes
// the names set in this batch with their new values. Root is the trace id
// minted for the batch.
type ParameterUpdateEvent struct {
	BaseEvent
	Parameters Values
	Previous   Values
	Changes    Values
	Root       TraceID
}

func (*ParameterUpdateEvent) Name() string { return ParameterUpdateEventName }

func (e *ParameterUpdateEvent) Field(path string) (Scalar, bool) {
	group, name, ok := strings.Cut(path, ".")
	if !ok {
		return nil, false
	}
	var src Values
	switch group {
	case "parameters":
		src = e.Parameters
	case "previous":
		src = e.Previous
	case "changes":
		src = e.Changes
	default:
		return nil, false
	}
	v, ok := src[name]
	return v, ok
}

// FlagUpdateEvent sets a named flag on the active phase, such as its status.
type FlagUpdateEvent struct {
	BaseEvent
	Flag  string
	Value Scalar
}

func (*FlagUpdateEvent) Name() string { return FlagUpdateEventName }

func (e *FlagUpdateEvent) Field(path string) (Scalar, bool) {
	switch path {
	case "name":
		return e.Flag, true
	case "value":
		return e.Value, true
	}
	return nil, false
}

// RunTaskEvent asks the session to run the tasks bound to a trigger name.
type RunTaskEvent struct {
	BaseEvent
	Task string
}

func (*RunTaskEvent) Name() string { return RunTaskEventName }

func (e *RunTaskEvent) Field(path string) (Scalar, bool) {
	if path == "task" {
		return e.Task, true
	}
	return nil, false
}

// RunTaskCompletedEvent answers a RunTaskEvent. Err is nil on success.
type RunTaskCompletedEvent struct {
	BaseEvent
	Task string
	Err  error
}

func (*RunTaskCompletedEvent) Name() string { return RunTaskCompletedEventName }

func (e *RunTaskCompletedEvent) Field(path string) (Scalar, bool) {
	switch path {
	case "task":
		return e.Task, true
	case "ok":
		return e.Err == nil, true
	case "error":
		if e.Err == nil {
			return "", true
		}
		return e.Err.Error(), true
	}
	return nil, false
}

// LogLineEvent carries one line of output from a process or stream.
type LogLineEvent struct {
	BaseEvent
	Line   string
	Source string
	Kind   string
}

func (*LogLineEvent) Name() string { return LogLineEventName }

func (e *LogLineEvent) Field(path string) (Scalar, bool) {
	switch path {
	case "line":
		return e.Line, true
	case "source":
		return e.Source, true
	case "kind":
		return e.Kind, true
	}
	return nil, false
}

// ErrorEvent reports a target-side failure, such as an unreachable
// endpoint. It is a domain signal and never aborts the session.
type ErrorEvent struct {
	BaseEvent
	Source  string
	Message string
}

func (*ErrorEvent) Name() string { return ErrorEventName }

func (e *ErrorEvent) Field(path string) (Scalar, bool) {
	switch path {
	case "source":
		return e.Source, true
	case "message":
		return e.Message, true
	}
	return nil, false
}

// DomainEvent is a named bag of fields for events produced by observers and
// channels. Fields may nest maps; Field resolves dotted paths through them.
type DomainEvent struct {
	BaseEvent
	Kind   string
	Fields map[string]any
}

// NewDomainEvent builds a DomainEvent of the given kind.
func NewDomainEvent(kind string, fields map[string]any) *DomainEvent {
	if fields == nil {
		fields = map[string]any{}
	}
	return &DomainEvent{Kind: kind, Fields: fields}
}

func (e *DomainEvent) Name() string { return e.Kind }

func (e *DomainEvent) Field(path string) (Scalar, bool) {
	return lookupPath(e.Fields, path)
}
