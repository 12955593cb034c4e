// Package curve holds the pure mapping functions that turn a smoothed
// sensor value into an actuator target.
package curve

import (
	"math"
	"sort"

	"codeberg.org/mutker/coolerctl/internal/errors"
)

// Linear interpolates value from the input range [minIn, maxIn] onto the
// output range [minOut, maxOut], clamped at both ends. Inputs below minIn
// return minOut, above maxIn return maxOut; there is no extrapolation past
// saturation. A descending output range (minOut > maxOut) yields an
// inverted curve.
func Linear(value, minIn, maxIn, minOut, maxOut float64) float64 {
	if minIn > maxIn {
		minIn, maxIn = maxIn, minIn
		minOut, maxOut = maxOut, minOut
	}

	if value <= minIn {
		return minOut
	}
	if value >= maxIn {
		return maxOut
	}

	ratio := (value - minIn) / (maxIn - minIn)

	return minOut + ratio*(maxOut-minOut)
}

// Point is one breakpoint of a piecewise curve.
type Point struct {
	Temperature float64
	Value       float64
}

// Piecewise is an ordered sequence of breakpoints. Between two breakpoints
// the curve interpolates linearly; outside the extremes it clamps to the
// first or last value.
type Piecewise []Point

// NewPiecewise validates and orders breakpoints into a usable curve.
func NewPiecewise(points []Point) (Piecewise, error) {
	errFactory := errors.New()

	if len(points) == 0 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "curve needs at least one breakpoint")
	}

	sorted := make(Piecewise, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Temperature < sorted[j].Temperature
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Temperature == sorted[i-1].Temperature {
			return nil, errFactory.WithData(errors.ErrInvalidArgument, struct {
				Temperature float64
			}{
				Temperature: sorted[i].Temperature,
			})
		}
	}

	return sorted, nil
}

// Evaluate returns the curve value at temperature t.
func (p Piecewise) Evaluate(t float64) float64 {
	if len(p) == 0 {
		return 0
	}

	if t <= p[0].Temperature {
		return p[0].Value
	}
	last := p[len(p)-1]
	if t >= last.Temperature {
		return last.Value
	}

	for i := 1; i < len(p); i++ {
		if t <= p[i].Temperature {
			return Linear(t, p[i-1].Temperature, p[i].Temperature, p[i-1].Value, p[i].Value)
		}
	}

	return last.Value
}

// EvaluateInt rounds the curve value to the nearest integer.
func (p Piecewise) EvaluateInt(t float64) int {
	return int(math.Round(p.Evaluate(t)))
}

// WithinHysteresis reports whether target is close enough to current that
// re-issuing the actuation is not worth the hardware write.
func WithinHysteresis(target, current, hysteresis int) bool {
	diff := target - current
	if diff < 0 {
		diff = -diff
	}

	return diff <= hysteresis
}

// Clamp bounds value to [minValue, maxValue].
func Clamp(value, minValue, maxValue float64) float64 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
