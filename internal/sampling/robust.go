package sampling

import (
	"sort"

	"codeberg.org/mutker/coolerctl/internal/errors"
)

// iqrFence is the inter-quartile-range multiplier for outlier rejection.
const iqrFence = 1.5

// RobustMean averages values after discarding inter-quartile-range
// outliers. Used to blend readings from multiple sensors of the same
// component (per-die CPU temperatures) where a single misreporting sensor
// must not drag the blend. Fewer than four values are averaged as-is; if
// filtering would discard everything, the plain mean is returned instead.
func RobustMean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New().New(ErrEmptyBuffer)
	}

	if len(values) < 4 {
		return mean(values), nil
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	low := q1 - iqrFence*iqr
	high := q3 + iqrFence*iqr

	kept := sorted[:0]
	for _, v := range sorted {
		if v >= low && v <= high {
			kept = append(kept, v)
		}
	}

	if len(kept) == 0 {
		return mean(values), nil
	}

	return mean(kept), nil
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// percentile interpolates linearly between the two closest ranks.
// values must be sorted.
func percentile(values []float64, p float64) float64 {
	if len(values) == 1 {
		return values[0]
	}

	pos := p * float64(len(values)-1)
	lower := int(pos)
	if lower >= len(values)-1 {
		return values[len(values)-1]
	}
	frac := pos - float64(lower)

	return values[lower] + frac*(values[lower+1]-values[lower])
}
