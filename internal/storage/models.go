package storage

// Type aliases give the Store interface (storage.go) a stable,
// self-contained vocabulary without every backend file needing its own
// import of both domain packages.
import (
	"github.com/edgeflow/meshgate/internal/registry"
	"github.com/edgeflow/meshgate/internal/rules"
)

type (
	Light  = registry.Light
	Sensor = registry.Sensor
	Group  = registry.Group
	Scene  = registry.Scene
	Rule   = rules.Rule
)
