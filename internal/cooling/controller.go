package cooling

import (
	"context"
	"encoding/json"
	"sync"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
)

// Controller applies fan and pump duty targets through the vendor CLI.
// It caches the last applied value per channel and skips writes that
// would not change anything, so re-routed setting-updates do not hammer
// the USB HID bus.
type Controller struct {
	vendor      *Vendor
	match       string
	fanChannel  string
	pumpChannel string
	key         device.Key
	status      *device.Status

	mu   sync.Mutex
	last map[string]int
}

func NewController(vendor *Vendor, match, fanChannel, pumpChannel string, key device.Key, status *device.Status) *Controller {
	return &Controller{
		vendor:      vendor,
		match:       match,
		fanChannel:  fanChannel,
		pumpChannel: pumpChannel,
		key:         key,
		status:      status,
		last:        make(map[string]int),
	}
}

func (c *Controller) Key() device.Key {
	return c.key
}

// Status exposes the shared loop status so controller-side acks are
// visible alongside the monitor's telemetry.
func (c *Controller) Status() *device.Status {
	return c.status
}

// Apply sets fan_duty or pump_duty to a percentage in [0, 100].
func (c *Controller) Apply(ctx context.Context, property string, value any) error {
	errFactory := errors.New()

	var channel, ack string
	switch property {
	case "fan_duty":
		channel, ack = c.fanChannel, "target_fan_duty"
	case "pump_duty":
		channel, ack = c.pumpChannel, "target_pump_duty"
	default:
		return errFactory.WithData(device.ErrUnknownProperty, property)
	}

	duty, ok := toInt(value)
	if !ok || duty < 0 || duty > 100 {
		return errFactory.WithData(device.ErrInvalidValue, value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.last[property]; ok && cached == duty {
		return nil
	}

	if err := c.vendor.SetSpeed(ctx, c.match, channel, duty); err != nil {
		return err
	}

	c.last[property] = duty

	return c.status.UpdateProperty(ack, duty)
}

// toInt accepts the integer shapes a duty value arrives in: native ints
// from local callers, float64 and json.Number from decoded envelopes.
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
