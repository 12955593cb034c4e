package history

import (
	"context"
	"time"

	"codeberg.org/mutker/coolerctl/internal/device"
)

// Recorder persists aggregate telemetry, one row per device property
// per push. The zero-configuration Recorder is a no-op.
type Recorder interface {
	Record(ctx context.Context, at time.Time, snapshots []device.Snapshot) error
	Query(ctx context.Context, key device.Key, property string, since time.Time) ([]Sample, error)
	Close() error
}

// Repository is the storage layer beneath the Recorder.
type Repository interface {
	Record(at time.Time, snapshots []device.Snapshot) error
	Query(ctx context.Context, key device.Key, property string, since time.Time) ([]Sample, error)
	Close() error
}

// Sample is one persisted property observation. Numeric carries the
// parsed value for numeric properties; string properties leave HasNumeric
// false and the rendered Value is all there is.
type Sample struct {
	RecordedAt time.Time
	DeviceType device.Type
	DeviceID   string
	Property   string
	Value      string
	Numeric    float64
	HasNumeric bool
}
