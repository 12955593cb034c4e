package gpu

import (
	"context"
	"fmt"
	"math"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/curve"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
	"codeberg.org/mutker/coolerctl/internal/sampling"
)

const (
	wattsPerDegree       = 5
	maxPowerLimitChange  = 10
	powerLimitHysteresis = 5
)

// Monitor samples one GPU, smooths the core temperature over a window
// and drives the fans and power limit through the controller. Below the
// floor temperature fan control is handed back to the driver; above it
// each fan follows the curve at its modifier-skewed temperature, gated
// by hysteresis. When the GPU runs hot with the fans already maxed the
// power limit is stepped down; when it cools the limit is stepped back
// toward the stock default.
type Monitor struct {
	log        logger.Logger
	dev        Device
	controller *Controller
	key        device.Key
	status     *device.Status
	window     *sampling.Window
	fanCurve   curve.Piecewise
	modifiers  []float64
	hysteresis int
	floor      int
	maxTemp    int
	powerMgmt  bool
}

func (m *Monitor) Key() device.Key {
	return m.key
}

func (m *Monitor) Status() *device.Status {
	return m.status
}

func (m *Monitor) Poll(_ context.Context) error {
	temp, err := m.dev.Temperature()
	if err != nil {
		return err
	}

	if m.window.Len() == 0 {
		m.window.Fill(float64(temp))
	} else {
		m.window.Push(float64(temp))
	}
	avg, err := m.window.Average()
	if err != nil {
		return err
	}

	if err := m.status.UpdateProperty("temperature", temp); err != nil {
		return err
	}
	if err := m.status.UpdateProperty("average_temperature", avg); err != nil {
		return err
	}

	if util, err := m.dev.Utilization(); err == nil {
		if err := m.status.UpdateProperty("utilization", util); err != nil {
			return err
		}
	} else if errors.HasCode(err, device.ErrRemoved) {
		return err
	}

	currentDuty := -1
	for i := 0; i < m.dev.FanCount(); i++ {
		speed, err := m.dev.FanSpeed(i)
		if err != nil {
			if errors.HasCode(err, device.ErrRemoved) {
				return err
			}

			continue
		}
		if i == 0 {
			currentDuty = speed
		}
		if err := m.status.UpdateProperty(fanProp(i), speed); err != nil {
			return err
		}
	}

	currentPower := -1
	if power, err := m.dev.PowerLimit(); err == nil {
		currentPower = power
		if err := m.status.UpdateProperty("power_limit", power); err != nil {
			return err
		}
	} else if errors.HasCode(err, device.ErrRemoved) {
		return err
	}

	if err := m.actuate(temp, avg, currentDuty, currentPower); err != nil {
		if errors.HasCode(err, device.ErrRemoved) {
			return err
		}
		m.status.MarkError("actuation", err)
		m.log.Warn().Err(err).Str("gpu", m.key.ID).Msg("GPU actuation failed")

		return nil
	}
	m.status.ClearError("actuation")

	return nil
}

func (m *Monitor) actuate(temp int, avg float64, currentDuty, currentPower int) error {
	if avg <= float64(m.floor) {
		if err := m.controller.SetAutoFan(); err != nil {
			return err
		}
	} else {
		duties := make([]int, m.dev.FanCount())
		for i := range duties {
			var modifier float64
			if i < len(m.modifiers) {
				modifier = m.modifiers[i]
			}
			if len(m.fanCurve) > 0 {
				duties[i] = m.fanCurve.EvaluateInt(curve.SkewTemperature(avg, modifier))
			} else {
				duties[i] = int(math.Round(curve.GPUFanSpeed(avg, modifier)))
			}
		}

		if currentDuty < 0 || !curve.WithinHysteresis(duties[0], currentDuty, m.hysteresis) {
			if err := m.controller.SetDuties(duties); err != nil {
				return err
			}
		}
	}

	if m.powerMgmt && currentPower > 0 {
		target := m.powerTarget(temp, currentDuty, currentPower)
		if !curve.WithinHysteresis(target, currentPower, powerLimitHysteresis) {
			if err := m.controller.SetPower(target); err != nil {
				return err
			}
		}
	}

	return nil
}

// powerTarget steps the limit down when hot with the fans maxed and
// back up toward the stock default when cool, bounded per cycle.
func (m *Monitor) powerTarget(temp, fanDuty, current int) int {
	limits := m.dev.PowerLimits()

	tempDiff := temp - m.maxTemp
	if tempDiff > 0 && fanDuty >= m.dev.FanSpeedLimits().Max {
		adjustment := min(tempDiff*wattsPerDegree, maxPowerLimitChange)

		return limits.Clamp(current - adjustment)
	}

	if tempDiff < 0 && current < limits.Default {
		adjustment := min(-tempDiff*wattsPerDegree, maxPowerLimitChange)

		return limits.Clamp(min(current+adjustment, limits.Default))
	}

	return current
}

func fanProp(index int) string {
	return fmt.Sprintf("fan%d_speed", index)
}

// Build wires a monitor/controller pair for one GPU over a shared
// status keyed by the device UUID.
func Build(cfg config.GPU, log logger.Logger, dev Device) (*Monitor, *Controller, error) {
	var fanCurve curve.Piecewise
	if len(cfg.FanCurve) > 0 {
		var err error
		fanCurve, err = curve.NewPiecewise(cfg.FanCurve)
		if err != nil {
			return nil, nil, err
		}
	}

	key := device.Key{Type: device.TypeGPU, ID: dev.UUID()}
	props := []string{
		"temperature", "average_temperature", "utilization", "power_limit",
		"target_fan_duty", "target_power_limit", "auto_fan",
	}
	for i := 0; i < dev.FanCount(); i++ {
		props = append(props, fanProp(i))
	}
	status := device.NewStatus(key, props...)

	controller := NewController(log, dev, key, status)
	monitor := &Monitor{
		log:        log,
		dev:        dev,
		controller: controller,
		key:        key,
		status:     status,
		window:     sampling.NewWindow(cfg.Window),
		fanCurve:   fanCurve,
		modifiers:  cfg.FanModifiers,
		hysteresis: cfg.Hysteresis,
		floor:      cfg.Floor,
		maxTemp:    cfg.MaxTemperature,
		powerMgmt:  cfg.PowerManagement,
	}

	return monitor, controller, nil
}

// Setup initializes NVML and builds a monitor/controller pair per GPU.
// Zero GPUs is not an error; NVML is shut down again and both slices
// are nil.
func Setup(cfg config.GPU, log logger.Logger) (*Vendor, []*Monitor, []*Controller, error) {
	vendor := NewVendor()
	if err := vendor.Initialize(); err != nil {
		return nil, nil, nil, err
	}

	devices, err := vendor.Devices()
	if err != nil {
		_ = vendor.Shutdown()

		return nil, nil, nil, err
	}
	if len(devices) == 0 {
		log.Info().Msg("No GPUs detected")
		_ = vendor.Shutdown()

		return nil, nil, nil, nil
	}

	monitors := make([]*Monitor, 0, len(devices))
	controllers := make([]*Controller, 0, len(devices))
	for _, dev := range devices {
		monitor, controller, err := Build(cfg, log, dev)
		if err != nil {
			_ = vendor.Shutdown()

			return nil, nil, nil, err
		}
		monitors = append(monitors, monitor)
		controllers = append(controllers, controller)
		log.Info().Str("gpu", dev.UUID()).Str("name", dev.Name()).Int("fans", dev.FanCount()).Msg("Detected GPU")
	}

	return vendor, monitors, controllers, nil
}
