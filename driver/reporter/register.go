// Package reporter holds the built-in reporters. They run once, after the
// last run, on the collected results.
package reporter

import "github.com/inference-sim/perfdriver/driver/registry"

func init() {
	registry.RegisterReporter("log", newLog)
	registry.RegisterReporter("json", newJSON)
	registry.RegisterReporter("csv", newCSV)
	registry.RegisterReporter("influxdb", newInflux)
	registry.RegisterReporter("prometheus", newPrometheus)
}
