// Package color implements the RGB/HSV conversions, spectrum mapping, and
// hardware quirk corrections behind temperature-driven lighting.
package color

import (
	"fmt"
	"math"
	"strings"

	"codeberg.org/mutker/coolerctl/internal/errors"
)

// RGB is an 8-bit-per-channel color.
type RGB struct {
	R, G, B uint8
}

// HSV holds hue in [0, 360) and saturation/value in [0, 100].
type HSV struct {
	H, S, V float64
}

// Hex renders the color as a six-digit lowercase hex string without prefix.
func (c RGB) Hex() string {
	return fmt.Sprintf("%02x%02x%02x", c.R, c.G, c.B)
}

// Signature packs the color into a single comparable integer, used to skip
// redundant bus writes when the target color has not changed.
func (c RGB) Signature() int {
	return int(c.R)<<16 | int(c.G)<<8 | int(c.B)
}

// ParseHex parses a three- or six-digit hex color, with or without a
// leading '#'.
func ParseHex(s string) (RGB, error) {
	errFactory := errors.New()

	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(trimmed) == 3 {
		var expanded strings.Builder
		for _, r := range trimmed {
			expanded.WriteRune(r)
			expanded.WriteRune(r)
		}
		trimmed = expanded.String()
	}
	if len(trimmed) != 6 {
		return RGB{}, errFactory.WithData(errors.ErrInvalidArgument, struct {
			Color string
		}{
			Color: s,
		})
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(strings.ToLower(trimmed), "%02x%02x%02x", &r, &g, &b); err != nil {
		return RGB{}, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	return RGB{R: r, G: g, B: b}, nil
}

// HSV converts the color to the HSV model.
func (c RGB) HSV() HSV {
	r := float64(c.R) / 255
	g := float64(c.G) / 255
	b := float64(c.B) / 255

	maxVal := math.Max(r, math.Max(g, b))
	minVal := math.Min(r, math.Min(g, b))
	delta := maxVal - minVal

	v := maxVal * 100

	s := 0.0
	if maxVal > 0 {
		s = delta / maxVal * 100
	}

	h := 0.0
	switch {
	case delta == 0:
		h = 0
	case maxVal == r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case maxVal == g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}

	return HSV{H: math.Mod(h, 360), S: s, V: v}
}

// RGB converts back to 8-bit channels.
func (h HSV) RGB() RGB {
	hue := math.Mod(h.H, 360)
	if hue < 0 {
		hue += 360
	}
	s := clampUnit(h.S/100, 1)
	v := clampUnit(h.V/100, 1)

	var r, g, b float64
	if s == 0 {
		r, g, b = v, v, v
	} else {
		sector := hue / 60
		i := math.Floor(sector)
		f := sector - i

		p := v * (1 - s)
		q := v * (1 - s*f)
		t := v * (1 - s*(1-f))

		switch int(i) {
		case 0:
			r, g, b = v, t, p
		case 1:
			r, g, b = q, v, p
		case 2:
			r, g, b = p, v, t
		case 3:
			r, g, b = p, q, v
		case 4:
			r, g, b = t, p, v
		default:
			r, g, b = v, p, q
		}
	}

	return RGB{
		R: quantizeChannel(r),
		G: quantizeChannel(g),
		B: quantizeChannel(b),
	}
}

// Shift rotates the hue by degrees and returns the adjusted color.
func (h HSV) Shift(degrees float64) HSV {
	shifted := math.Mod(h.H-degrees, 360)
	if shifted < 0 {
		shifted += 360
	}

	return HSV{H: shifted, S: h.S, V: h.V}
}

// Brighten adjusts the value component by delta, clamped to [0, 100].
func (h HSV) Brighten(delta float64) HSV {
	return HSV{H: h.H, S: h.S, V: clampUnit(h.V+delta, 100)}
}

// Similar reports whether two colors match within a per-channel tolerance.
func Similar(a, b RGB, tolerance int) bool {
	return channelDiff(a.R, b.R) <= tolerance &&
		channelDiff(a.G, b.G) <= tolerance &&
		channelDiff(a.B, b.B) <= tolerance
}

// Distance returns a perceptually weighted distance between two colors.
// Channel weights favor red/green over blue and a luminance term widens
// the gap between contrasting colors.
func Distance(a, b RGB) float64 {
	const (
		rWeight = 0.8
		gWeight = 0.9
		bWeight = 0.3
	)

	rDiff := float64(a.R) - float64(b.R)
	gDiff := float64(a.G) - float64(b.G)
	bDiff := float64(a.B) - float64(b.B)

	lumA := 0.299*float64(a.R) + 0.587*float64(a.G) + 0.114*float64(a.B)
	lumB := 0.299*float64(b.R) + 0.587*float64(b.G) + 0.114*float64(b.B)
	lumFactor := 1.5 * math.Abs(lumA-lumB) / 255

	base := math.Sqrt(rWeight*rDiff*rDiff + gWeight*gDiff*gDiff + bWeight*bDiff*bDiff)

	return base * (1 + lumFactor)
}

func channelDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}

	return int(b - a)
}

func quantizeChannel(v float64) uint8 {
	scaled := int(v*255 + 0.5 + 1e-9)
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}

	return uint8(scaled)
}

func clampUnit(v, maxValue float64) float64 {
	if v < 0 {
		return 0
	}
	if v > maxValue {
		return maxValue
	}

	return v
}
