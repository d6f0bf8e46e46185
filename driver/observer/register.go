package observer

import "github.com/inference-sim/perfdriver/driver/registry"

func init() {
	registry.RegisterObserver("httppoll", newHTTPPoll)
	registry.RegisterObserver("logline", newLogLine)
}
