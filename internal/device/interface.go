package device

import (
	"context"
	"time"
)

// Monitor periodically reads one device's telemetry into its Status.
// Poll failures are counted and logged by the manager loop, never
// raised to its caller; a single failed sample must not stop the loop.
type Monitor interface {
	Key() Key
	Status() *Status
	Poll(ctx context.Context) error
}

// Controller validates and applies actuation commands for one device.
// Apply is idempotent: implementations read back current hardware state
// and skip the write when already at target.
type Controller interface {
	Key() Key
	Apply(ctx context.Context, property string, value any) error
}

// Reapplier is implemented by controllers whose state must be
// re-asserted periodically (lighting buses lose state on power cycles).
type Reapplier interface {
	Reapply(ctx context.Context) error
}

// StatusProvider is implemented by controllers that own a Status for
// their write/ack properties, such as controller-only lighting devices.
type StatusProvider interface {
	Status() *Status
}

// Snapshot is a point-in-time copy of one device's status.
type Snapshot struct {
	Type       Type                 `json:"device_type"`
	ID         string               `json:"device_id"`
	Properties map[string]any       `json:"properties"`
	Updated    map[string]time.Time `json:"updated,omitempty"`
	Faults     map[string]string    `json:"faults,omitempty"`
	ErrorCount int                  `json:"error_count,omitempty"`
}

func (s Snapshot) Key() Key {
	return Key{Type: s.Type, ID: s.ID}
}

// StartResult reports the startup outcome for one registered monitor.
type StartResult struct {
	Key Key
	Err error
}
