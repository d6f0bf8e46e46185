package policy

import "github.com/inference-sim/perfdriver/driver/registry"

func init() {
	registry.RegisterPolicy("simple", newSimple)
	registry.RegisterPolicy("multistep", newMultiStep)
	registry.RegisterPolicy("timeevolution", newTimeEvolution)
}
