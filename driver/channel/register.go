// Package channel holds the built-in channels, which apply parameter
// values to the system under test.
package channel

import "github.com/inference-sim/perfdriver/driver/registry"

func init() {
	registry.RegisterChannel("http", newHTTP)
	registry.RegisterChannel("cmdline", newCmdline)
}
