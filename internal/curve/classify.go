package curve

// Band is a coarse thermal classification used for status display and
// logging, not for control decisions.
type Band string

const (
	BandCool     Band = "cool"
	BandNormal   Band = "normal"
	BandWarm     Band = "warm"
	BandHot      Band = "hot"
	BandCritical Band = "critical"
)

// Classify buckets a temperature into its thermal band.
func Classify(temperature float64) Band {
	switch {
	case temperature < 30:
		return BandCool
	case temperature < 45:
		return BandNormal
	case temperature < 60:
		return BandWarm
	case temperature < 80:
		return BandHot
	default:
		return BandCritical
	}
}
