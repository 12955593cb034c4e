package cpu

import (
	"context"
	"encoding/json"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// Controller applies power-plan requests on the privileged host. It
// owns the status record for the cpu device there; sensor telemetry
// for the same key lives on the unprivileged host.
type Controller struct {
	log    logger.Logger
	plans  *PlanManager
	policy *Policy
	key    device.Key
	status *device.Status
}

func NewController(log logger.Logger, plans *PlanManager, policy *Policy) *Controller {
	key := device.Key{Type: device.TypeCPU, ID: "cpu0"}
	c := &Controller{
		log:    log,
		plans:  plans,
		policy: policy,
		key:    key,
		status: device.NewStatus(key, "powerplan", "blended_degree"),
	}

	if plan, err := plans.Current(); err == nil {
		_ = c.status.UpdateProperty("powerplan", string(plan))
	}

	return c
}

func (c *Controller) Key() device.Key {
	return c.key
}

func (c *Controller) Status() *device.Status {
	return c.status
}

// Apply accepts a manual plan change ("powerplan") or the blended
// coolant degree routed from the telemetry host ("blended_degree"),
// which feeds the automatic policy.
func (c *Controller) Apply(_ context.Context, property string, value any) error {
	errFactory := errors.New()

	switch property {
	case "powerplan":
		name, ok := value.(string)
		if !ok {
			return errFactory.WithData(device.ErrInvalidValue, value)
		}
		plan, err := ParsePlan(name)
		if err != nil {
			return err
		}
		if err := c.plans.Apply(plan); err != nil {
			return err
		}

		return c.status.UpdateProperty("powerplan", string(plan))
	case "blended_degree":
		degree, ok := toFloat(value)
		if !ok {
			return errFactory.WithData(device.ErrInvalidValue, value)
		}
		if c.policy != nil {
			c.policy.Observe(degree)
		}

		return c.status.UpdateProperty("blended_degree", degree)
	default:
		return errFactory.WithData(device.ErrUnknownProperty, property)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}
