package gpu

// Device abstracts the per-GPU vendor operations so the monitor and
// controller can be exercised without NVML.
type Device interface {
	// Identity
	UUID() string
	Name() string

	// Telemetry
	Temperature() (int, error)
	Utilization() (int, error)
	FanSpeed(fanIndex int) (int, error)
	PowerLimit() (int, error)

	// Actuation
	SetFanSpeed(fanIndex, speed int) error
	EnableAutoFan() error
	SetPowerLimit(watts int) error

	// Capabilities, read once at probe time
	FanCount() int
	FanSpeedLimits() Limits
	PowerLimits() Limits
}

// Limits bounds an actuation range. Default carries the vendor's stock
// value where the surface reports one.
type Limits struct {
	Min, Max, Default int
}

// Clamp bounds value to the limit range.
func (l Limits) Clamp(value int) int {
	if value < l.Min {
		return l.Min
	}
	if value > l.Max {
		return l.Max
	}

	return value
}
