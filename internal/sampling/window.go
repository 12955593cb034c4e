// Package sampling provides the fixed-capacity sample windows and numeric
// helpers used to smooth raw sensor readings before they drive actuators.
package sampling

import (
	"math"
	"sort"

	"codeberg.org/mutker/coolerctl/internal/errors"
)

// Direction describes the tendency of a sample series.
type Direction string

const (
	Falling Direction = "falling"
	Stable  Direction = "stable"
	Rising  Direction = "rising"
)

// trendThreshold is the per-sample slope below which a series counts as stable.
const trendThreshold = 0.2

// Window is a fixed-capacity FIFO of numeric samples. Statistics are
// computed over current contents only; evicted samples never contribute.
// A Window is owned by a single monitor loop and is not safe for
// concurrent use.
type Window struct {
	capacity int
	samples  []float64
}

// NewWindow creates a window holding up to capacity samples. A capacity
// below 1 is treated as 1.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}

	return &Window{
		capacity: capacity,
		samples:  make([]float64, 0, capacity),
	}
}

// Push appends a sample, evicting the oldest when the window is full.
func (w *Window) Push(value float64) {
	if len(w.samples) == w.capacity {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.capacity-1]
	}
	w.samples = append(w.samples, value)
}

// Fill resets the window to capacity copies of value. Used to seed a fresh
// window with the first reading so early averages are not skewed toward zero.
func (w *Window) Fill(value float64) {
	w.samples = w.samples[:0]
	for i := 0; i < w.capacity; i++ {
		w.samples = append(w.samples, value)
	}
}

// Clear removes all samples.
func (w *Window) Clear() {
	w.samples = w.samples[:0]
}

func (w *Window) Len() int {
	return len(w.samples)
}

func (w *Window) Capacity() int {
	return w.capacity
}

// Values returns a copy of the current samples, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, len(w.samples))
	copy(out, w.samples)

	return out
}

// Average returns the arithmetic mean of the current samples.
func (w *Window) Average() (float64, error) {
	if len(w.samples) == 0 {
		return 0, errors.New().New(ErrEmptyBuffer)
	}

	sum := 0.0
	for _, v := range w.samples {
		sum += v
	}

	return sum / float64(len(w.samples)), nil
}

// Median returns the middle sample, or the mean of the two middle samples
// for an even count.
func (w *Window) Median() (float64, error) {
	if len(w.samples) == 0 {
		return 0, errors.New().New(ErrEmptyBuffer)
	}

	sorted := w.Values()
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, nil
	}

	return sorted[mid], nil
}

// StdDev returns the sample standard deviation of the current contents.
// A single sample has no spread and yields 0.
func (w *Window) StdDev() (float64, error) {
	n := len(w.samples)
	if n == 0 {
		return 0, errors.New().New(ErrEmptyBuffer)
	}
	if n == 1 {
		return 0, nil
	}

	sum, sumSq := 0.0, 0.0
	for _, v := range w.samples {
		sum += v
		sumSq += v * v
	}

	variance := (float64(n)*sumSq - sum*sum) / float64(n*(n-1))
	if variance < 0 {
		variance = 0
	}

	return math.Sqrt(variance), nil
}

// WeightedAverage returns the weighted mean of the current samples.
// weights[i] applies to the i-th oldest sample and the weight count must
// equal the current sample count.
func (w *Window) WeightedAverage(weights []float64) (float64, error) {
	errFactory := errors.New()

	if len(w.samples) == 0 {
		return 0, errFactory.New(ErrEmptyBuffer)
	}
	if len(weights) != len(w.samples) {
		return 0, errFactory.WithData(errors.ErrInvalidArgument, struct {
			Weights int
			Samples int
		}{
			Weights: len(weights),
			Samples: len(w.samples),
		})
	}

	weightSum := 0.0
	for _, weight := range weights {
		weightSum += weight
	}
	if weightSum == 0 {
		return 0, errFactory.WithData(errors.ErrInvalidArgument, "weights sum to zero")
	}

	sum := 0.0
	for i, v := range w.samples {
		sum += v * weights[i]
	}

	return sum / weightSum, nil
}

// Trend returns the least-squares slope across the current samples in
// sample units per step. Fewer than two samples have no direction and
// yield 0.
func (w *Window) Trend() (float64, error) {
	n := len(w.samples)
	if n == 0 {
		return 0, errors.New().New(ErrEmptyBuffer)
	}
	if n == 1 {
		return 0, nil
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range w.samples {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := float64(n)*sumXX - sumX*sumX
	if denom == 0 {
		return 0, nil
	}

	return (float64(n)*sumXY - sumX*sumY) / denom, nil
}

// TrendDirection classifies the slope against the stability threshold.
func (w *Window) TrendDirection() (Direction, error) {
	slope, err := w.Trend()
	if err != nil {
		return Stable, err
	}

	switch {
	case slope > trendThreshold:
		return Rising, nil
	case slope < -trendThreshold:
		return Falling, nil
	default:
		return Stable, nil
	}
}
