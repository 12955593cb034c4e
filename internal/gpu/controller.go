package gpu

import (
	"context"
	"encoding/json"
	"sync"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// Controller applies fan and power targets to one GPU. Writes are
// cached per channel and skipped when the hardware is already at
// target. Switching back from auto fan control invalidates the fan
// cache, since the driver has been steering the fans in between.
type Controller struct {
	log    logger.Logger
	dev    Device
	key    device.Key
	status *device.Status

	mu        sync.Mutex
	autoFan   bool
	lastDuty  map[int]int
	lastPower int
}

func NewController(log logger.Logger, dev Device, key device.Key, status *device.Status) *Controller {
	return &Controller{
		log:       log,
		dev:       dev,
		key:       key,
		status:    status,
		lastDuty:  make(map[int]int),
		lastPower: -1,
	}
}

func (c *Controller) Key() device.Key {
	return c.key
}

func (c *Controller) Status() *device.Status {
	return c.status
}

// Apply handles externally routed setting-updates: fan_duty (percent,
// applied to every fan), power_limit (watts within the device
// constraints) and auto_fan (hand fan control back to the driver).
func (c *Controller) Apply(_ context.Context, property string, value any) error {
	errFactory := errors.New()

	switch property {
	case "fan_duty":
		duty, ok := toInt(value)
		if !ok || duty < 0 || duty > 100 {
			return errFactory.WithData(device.ErrInvalidValue, value)
		}
		duties := make([]int, c.dev.FanCount())
		for i := range duties {
			duties[i] = duty
		}

		return c.SetDuties(duties)
	case "power_limit":
		watts, ok := toInt(value)
		limits := c.dev.PowerLimits()
		if !ok || watts < limits.Min || watts > limits.Max {
			return errFactory.WithData(device.ErrInvalidValue, value)
		}

		return c.SetPower(watts)
	case "auto_fan":
		enable, ok := value.(bool)
		if !ok {
			return errFactory.WithData(device.ErrInvalidValue, value)
		}
		if enable {
			return c.SetAutoFan()
		}
		c.mu.Lock()
		c.autoFan = false
		c.mu.Unlock()

		return nil
	default:
		return errFactory.WithData(device.ErrUnknownProperty, property)
	}
}

// SetDuties writes per-fan duty percentages, clamped to the device fan
// limits. Fans already at target are skipped unless the driver had
// control in between.
func (c *Controller) SetDuties(duties []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	limits := c.dev.FanSpeedLimits()
	wrote := false
	for i := 0; i < c.dev.FanCount() && i < len(duties); i++ {
		duty := limits.Clamp(duties[i])
		if cached, ok := c.lastDuty[i]; ok && cached == duty && !c.autoFan {
			continue
		}
		if err := c.dev.SetFanSpeed(i, duty); err != nil {
			return err
		}
		c.lastDuty[i] = duty
		wrote = true
	}
	c.autoFan = false

	if !wrote {
		return nil
	}
	c.log.Debug().Str("gpu", c.key.ID).Interface("duties", duties).Msg("Set fan duties")

	if err := c.status.UpdateProperty("auto_fan", false); err != nil {
		return err
	}

	return c.status.UpdateProperty("target_fan_duty", limits.Clamp(duties[0]))
}

// SetAutoFan hands fan control back to the driver.
func (c *Controller) SetAutoFan() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.autoFan {
		return nil
	}

	if err := c.dev.EnableAutoFan(); err != nil {
		return err
	}
	c.autoFan = true
	c.lastDuty = make(map[int]int)
	c.log.Debug().Str("gpu", c.key.ID).Msg("Auto fan control enabled")

	return c.status.UpdateProperty("auto_fan", true)
}

// SetPower writes a power limit in watts, clamped to the device
// constraints.
func (c *Controller) SetPower(watts int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	watts = c.dev.PowerLimits().Clamp(watts)
	if c.lastPower == watts {
		return nil
	}

	if err := c.dev.SetPowerLimit(watts); err != nil {
		return err
	}
	c.lastPower = watts
	c.log.Debug().Str("gpu", c.key.ID).Int("watts", watts).Msg("Set power limit")

	return c.status.UpdateProperty("target_power_limit", watts)
}

// Restore returns the GPU to driver defaults: stock power limit and
// automatic fan control. Called on shutdown so a crashed or stopped
// host never leaves fans pinned.
func (c *Controller) Restore() error {
	limits := c.dev.PowerLimits()
	if err := c.SetPower(min(limits.Default, limits.Max)); err != nil {
		return err
	}

	return c.SetAutoFan()
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}

		return int(v), true
	case json.Number:
		i, err := v.Int64()

		return int(i), err == nil
	default:
		return 0, false
	}
}
