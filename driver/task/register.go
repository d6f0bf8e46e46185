// Package task holds the built-in tasks: side actions the session runs at
// setup, before and after each run, between values and at teardown.
package task

import "github.com/inference-sim/perfdriver/driver/registry"

func init() {
	registry.RegisterTask("exec", newExec)
	registry.RegisterTask("http", newHTTP)
	registry.RegisterTask("delay", newDelay)
}
