package color

import "math"

const (
	// Visible spectrum bounds in nanometers.
	WavelengthMin = 380.0
	WavelengthMax = 780.0

	gamma        = 0.80
	intensityMax = 255
)

// DegreeToWavelength maps a temperature onto the visible spectrum by linear
// interpolation between degreeMin and degreeMax. Out-of-range degrees clamp
// to the spectrum edges.
func DegreeToWavelength(degree, degreeMin, degreeMax float64) float64 {
	if degree <= degreeMin {
		degree = degreeMin
	}
	if degree >= degreeMax {
		degree = degreeMax
	}

	return (degree-degreeMin)*(WavelengthMax-WavelengthMin)/(degreeMax-degreeMin) + WavelengthMin
}

// FromDegree converts a temperature to its spectrum color: cool
// temperatures sit at the violet end, hot ones at the red end. Intensity
// rolls off near the vision limits and degrees outside the configured
// range dim toward black. The mapping is deterministic and monotonic in
// hue across the configured range.
func FromDegree(degree, degreeMin, degreeMax float64) RGB {
	wavelength := DegreeToWavelength(degree, degreeMin, degreeMax)
	red, green, blue := spectralComponents(wavelength)
	factor := intensityFactor(wavelength)

	// Dim further past the configured degree range.
	if degree < degreeMin {
		factor = (degree - 5) / 101
	} else if degree > degreeMax {
		factor = (degree - 15) / 101
	}
	factor = math.Min(1.0, math.Max(0.0, factor))

	return RGB{
		R: gammaChannel(red, factor),
		G: gammaChannel(green, factor),
		B: gammaChannel(blue, factor),
	}
}

// spectralComponents returns the raw RGB mix for a wavelength, each in
// [0, 1], before intensity correction.
func spectralComponents(wavelength float64) (red, green, blue float64) {
	switch {
	case wavelength >= 380 && wavelength < 440:
		red = (wavelength - 440) / (440 - 380)
		blue = 1.0
	case wavelength >= 440 && wavelength < 490:
		green = (wavelength - 440) / (490 - 440)
		blue = 1.0
	case wavelength >= 490 && wavelength < 510:
		green = 1.0
		blue = (wavelength - 510) / (510 - 490)
	case wavelength >= 510 && wavelength < 580:
		red = (wavelength - 510) / (580 - 510)
		green = 1.0
	case wavelength >= 580 && wavelength < 645:
		red = 1.0
		green = (wavelength - 645) / (645 - 580)
	case wavelength >= 645 && wavelength < 781:
		red = 1.0
	}

	return red, green, blue
}

// intensityFactor tapers brightness near the limits of human vision.
func intensityFactor(wavelength float64) float64 {
	switch {
	case wavelength >= 380 && wavelength < 420:
		return 0.3 + 0.7*(wavelength-380)/(420-380)
	case wavelength >= 420 && wavelength < 701:
		return 1.0
	case wavelength >= 701 && wavelength < 781:
		return 0.3 + 0.7*(780-wavelength)/(780-700)
	default:
		return 0.0
	}
}

// gammaChannel applies the intensity factor and gamma correction, then
// quantizes to 8 bits. Zero components stay zero so band edges keep their
// pure colors.
func gammaChannel(component, factor float64) uint8 {
	if component == 0 {
		return 0
	}

	value := math.Round(float64(intensityMax) * math.Pow(math.Abs(component)*factor, gamma))
	if value < 0 {
		return 0
	}
	if value > 255 {
		return 255
	}

	return uint8(value)
}
