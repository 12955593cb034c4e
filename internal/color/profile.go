package color

// Profile corrects a color for a specific hardware RGB implementation
// before it goes out on the bus.
type Profile func(RGB) RGB

// Profiles known by name. An empty or unknown name yields the identity
// profile.
var profiles = map[string]Profile{
	"aorus-x470":   aorusX470HueFix,
	"asus-aura":    asusAuraBrightness,
	"corsair-icue": corsairICUEMapping,
	"msi-mystic":   msiMysticCorrection,
}

// ProfileByName resolves a configured profile name.
func ProfileByName(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}

	return func(c RGB) RGB { return c }
}

// aorusEntry maps an exclusive lower hue bound to the channel values the
// board needs to actually show that hue.
type aorusEntry struct {
	hueAbove float64
	c        RGB
}

// Measured corrections for the AORUS X470 LED controller, which renders
// most hues far too blue. Entries are checked top-down; each covers the
// hue range down to the next entry.
var aorusX470Table = []aorusEntry{
	{295, RGB{7, 1, 255}},
	{290, RGB{5, 1, 255}},
	{280, RGB{4, 0, 255}},
	{270, RGB{3, 1, 255}},
	{260, RGB{3, 0, 255}},
	{250, RGB{2, 0, 255}},
	{240, RGB{1, 1, 255}},
	{230, RGB{0, 1, 255}},
	{220, RGB{0, 2, 255}},
	{210, RGB{0, 4, 255}},
	{200, RGB{0, 8, 255}},
	{190, RGB{0, 16, 255}},
	{180, RGB{0, 28, 255}},
	{170, RGB{0, 36, 255}},
	{160, RGB{0, 40, 255}},
	{150, RGB{0, 44, 255}},
	{140, RGB{0, 48, 255}},
	{130, RGB{0, 52, 255}},
	{120, RGB{0, 80, 255}},
	{110, RGB{10, 200, 255}},
	{100, RGB{28, 255, 255}},
	{90, RGB{38, 255, 255}},
	{80, RGB{48, 255, 255}},
	{70, RGB{68, 255, 255}},
	{60, RGB{40, 120, 255}},
	{50, RGB{40, 110, 255}},
	{40, RGB{50, 110, 255}},
	{30, RGB{65, 110, 255}},
	{20, RGB{100, 90, 255}},
	{10, RGB{110, 70, 255}},
	{5, RGB{140, 50, 255}},
	{-1, RGB{255, 20, 255}},
}

func aorusX470HueFix(c RGB) RGB {
	hue := c.HSV().H
	for _, entry := range aorusX470Table {
		if hue > entry.hueAbove {
			return entry.c
		}
	}

	return c
}

// asusAuraBrightness tones down Aura LEDs, which run brighter than the
// requested value.
func asusAuraBrightness(c RGB) RGB {
	return c.HSV().Brighten(-20).RGB()
}

// corsairICUEMapping nudges hue and saturation toward what iCUE hardware
// actually displays.
func corsairICUEMapping(c RGB) RGB {
	hsv := c.HSV()
	hsv.H = hsv.H + 5
	if hsv.H >= 360 {
		hsv.H -= 360
	}
	hsv.S = hsv.S * 1.1
	if hsv.S > 100 {
		hsv.S = 100
	}

	return hsv.RGB()
}

// msiMysticCorrection compensates Mystic Light's over-blue response.
func msiMysticCorrection(c RGB) RGB {
	boost := func(v uint8, factor float64) uint8 {
		scaled := int(float64(v) * factor)
		if scaled > 255 {
			return 255
		}
		return uint8(scaled)
	}

	return RGB{
		R: boost(c.R, 1.1),
		G: c.G,
		B: boost(c.B, 0.9),
	}
}
