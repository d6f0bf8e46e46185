package tracker

import "github.com/inference-sim/perfdriver/driver/registry"

func init() {
	registry.RegisterTracker("event", newEvent)
	registry.RegisterTracker("count", newCount)
	registry.RegisterTracker("duration", newDuration)
}
