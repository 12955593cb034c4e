// Package lighting turns the smoothed coolant temperature into LED
// colors on the cooling loop's lighting channels: cool liquid sits at
// the violet end of the spectrum, hot liquid at the red end.
package lighting

import (
	"context"
	"sync"

	"codeberg.org/mutker/coolerctl/internal/color"
	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// DegreeSource reports the smoothed coolant temperature driving the
// color, or false before the first sample.
type DegreeSource func() (float64, bool)

// ColorWriter is the slice of the cooling vendor surface lighting
// needs.
type ColorWriter interface {
	SetColor(ctx context.Context, match, channel, mode, hex string) error
}

const colorMode = "fixed"

// refreshCycles is the number of Reapply cycles between forced
// re-asserts. Lighting buses lose state on power cycles, so the
// signature cache is dropped periodically even when the color has not
// changed.
const refreshCycles = 20

// Controller owns the color state for one lighting device. It applies
// manual color overrides, re-derives the color from the degree source
// on the manager's re-assertion cadence, and keeps a per-channel
// signature of the last applied color so unchanged targets skip the
// bus write.
type Controller struct {
	log       logger.Logger
	writer    ColorWriter
	match     string
	channels  []string
	source    DegreeSource
	degreeMin float64
	degreeMax float64
	profile   color.Profile
	key       device.Key
	status    *device.Status

	mu     sync.Mutex
	last   map[string]int
	cycles int
}

func NewController(cfg config.Lighting, log logger.Logger, writer ColorWriter, match string, source DegreeSource) *Controller {
	key := device.Key{Type: device.TypeLighting, ID: "led0"}

	return &Controller{
		log:       log,
		writer:    writer,
		match:     match,
		channels:  cfg.Channels,
		source:    source,
		degreeMin: cfg.DegreeMin,
		degreeMax: cfg.DegreeMax,
		profile:   color.ProfileByName(cfg.Profile),
		key:       key,
		status:    device.NewStatus(key, "color", "degree"),
		last:      make(map[string]int),
	}
}

func (c *Controller) Key() device.Key {
	return c.key
}

func (c *Controller) Status() *device.Status {
	return c.status
}

// Apply accepts a manual color override as a hex string. The override
// holds until the thermal pipeline next produces a different target.
func (c *Controller) Apply(ctx context.Context, property string, value any) error {
	errFactory := errors.New()

	switch property {
	case "color":
		hex, ok := value.(string)
		if !ok {
			return errFactory.WithData(device.ErrInvalidValue, value)
		}
		rgb, err := color.ParseHex(hex)
		if err != nil {
			return errFactory.WithData(device.ErrInvalidValue, hex)
		}

		return c.write(ctx, rgb)
	default:
		return errFactory.WithData(device.ErrUnknownProperty, property)
	}
}

// Reapply re-derives the color from the degree source. Before the
// first coolant sample there is nothing to show and the cycle is a
// no-op.
func (c *Controller) Reapply(ctx context.Context) error {
	degree, ok := c.source()
	if !ok {
		return nil
	}

	c.mu.Lock()
	c.cycles++
	if c.cycles >= refreshCycles {
		c.cycles = 0
		c.last = make(map[string]int)
	}
	c.mu.Unlock()

	if err := c.status.UpdateProperty("degree", degree); err != nil {
		return err
	}

	return c.write(ctx, color.FromDegree(degree, c.degreeMin, c.degreeMax))
}

// write corrects rgb for the hardware profile and pushes it to every
// configured channel not already showing it. Devices implement
// different subsets of the channel names, so any channel accepting the
// write counts as success; only all channels failing does not.
func (c *Controller) write(ctx context.Context, rgb color.RGB) error {
	errFactory := errors.New()

	corrected := c.profile(rgb)
	signature := corrected.Signature()
	hex := corrected.Hex()

	c.mu.Lock()
	pending := make([]string, 0, len(c.channels))
	for _, channel := range c.channels {
		if applied, ok := c.last[channel]; !ok || applied != signature {
			pending = append(pending, channel)
		}
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	var lastErr error
	for _, channel := range pending {
		if err := c.writer.SetColor(ctx, c.match, channel, colorMode, hex); err != nil {
			lastErr = err

			continue
		}
		applied++

		c.mu.Lock()
		c.last[channel] = signature
		c.mu.Unlock()
	}

	if applied == 0 {
		err := errFactory.Wrap(ErrApplyFailed, lastErr)
		c.status.MarkError("apply", err)

		return err
	}
	c.status.ClearError("apply")

	return c.status.UpdateProperty("color", hex)
}
