package driver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStalePhase marks a run whose policy was forced terminal by the
	// stale-timeout watchdog. The run is degraded, the job continues.
	ErrStalePhase = errors.New("stale phase")

	// ErrAborted is returned when a session was interrupted or its workers
	// did not stop within the interrupt grace period.
	ErrAborted = errors.New("session aborted")
)

// ConfigError is a load-time configuration problem. Field names the
// offending configuration path, e.g. "channels[1].class".
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError is shorthand for a ConfigError with a formatted cause.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// HandlerError is a failure of one bus handler while delivering one event.
type HandlerError struct {
	Event   string
	Handler string
	Traces  TraceSet
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s: %v", e.Handler, e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Describe renders err for the user. In default mode only the first line
// of the error is kept. Verbose mode expands joined errors one per line and
// appends the causal trace chain of handler failures.
func Describe(err error, reg *TraceRegistry, verbose bool) string {
	if err == nil {
		return ""
	}
	if !verbose {
		title, _, _ := strings.Cut(err.Error(), "\n")
		return title
	}
	var lines []string
	for _, e := range flatten(err) {
		line := e.Error()
		var he *HandlerError
		if reg != nil && errors.As(e, &he) {
			line += "\n    trace: " + reg.Describe(he.Traces)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// flatten unpacks errors.Join trees into their leaves.
func flatten(err error) []error {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range multi.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}
