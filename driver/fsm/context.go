package fsm

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
)

// StatusFlag is the phase flag set by Context.SetStatus.
const StatusFlag = "status"

// Context is handed to Enter, OnTimeout and Edge.Do callbacks. It is only
// valid for the duration of the callback.
type Context struct {
	m    *Machine
	ev   driver.Event
	next string
}

// Goto moves the machine to state once the callback returns. The last call
// wins.
func (c *Context) Goto(state string) { c.next = state }

// Event returns the event being handled, or nil during Reset.
func (c *Context) Event() driver.Event { return c.ev }

// Policy returns the policy name.
func (c *Context) Policy() string { return c.m.def.Name }

// Logger returns the policy's logger.
func (c *Context) Logger() *logrus.Entry { return c.m.log }

// SetParameter stages a parameter value for the next update.
func (c *Context) SetParameter(name string, value driver.Scalar) {
	if c.m.opts.Parameters == nil {
		c.m.log.Warnf("no parameter map, dropping %s=%v", name, value)
		return
	}
	c.m.opts.Parameters.Set(name, value)
}

// SetParameters stages several parameter values.
func (c *Context) SetParameters(values driver.Values) {
	for k, v := range values {
		c.SetParameter(k, v)
	}
}

// Parameters returns the current values with staged values applied.
func (c *Context) Parameters() driver.Values {
	out := driver.Values{}
	if p := c.m.opts.Parameters; p != nil {
		out = p.Current()
		for k, v := range p.Staged() {
			out[k] = v
		}
	}
	return out
}

// Definitions returns the user-provided definitions.
func (c *Context) Definitions() driver.Values { return c.m.opts.Definitions }

// Eval evaluates an expression over definitions and parameters.
func (c *Context) Eval(expression string) (any, error) {
	out, err := expr.Eval(expression, c.m.env())
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}
	return out, nil
}

// SetStatus records the policy status and flags the active phase with it.
func (c *Context) SetStatus(status string) {
	c.m.status = status
	c.m.publish(&driver.FlagUpdateEvent{Flag: StatusFlag, Value: status})
}

// RunTask asks the session to run the tasks bound to name. It returns
// false, and publishes nothing, when no task is bound to it.
func (c *Context) RunTask(name string) bool {
	if c.m.opts.HasTask == nil || !c.m.opts.HasTask(name) {
		return false
	}
	c.m.publish(&driver.RunTaskEvent{Task: name})
	return true
}

// Publish publishes an arbitrary event on behalf of the policy.
func (c *Context) Publish(ev driver.Event) { c.m.publish(ev) }
