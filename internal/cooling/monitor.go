package cooling

import (
	"context"
	"math"
	"sync"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/curve"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
	"codeberg.org/mutker/coolerctl/internal/sampling"
)

// CPUSource reports a smoothed CPU temperature for blending, or false
// when no CPU sensor is readable.
type CPUSource func() (float64, bool)

// Monitor samples the cooling loop, smooths the coolant temperature
// over a window, blends it with the CPU temperature and drives the fan
// and pump duties through the controller. A failed actuation is marked
// on the status but does not fail the poll; the telemetry read still
// succeeded.
type Monitor struct {
	log        logger.Logger
	vendor     *Vendor
	controller *Controller
	match      string
	key        device.Key
	status     *device.Status
	window     *sampling.Window
	fanCurve   curve.Piecewise
	cpuSource  CPUSource
	cpuWeight  float64
	pumpDuty   int

	mu        sync.Mutex
	liquidAvg float64
	sampled   bool
}

func (m *Monitor) Key() device.Key {
	return m.key
}

func (m *Monitor) Status() *device.Status {
	return m.status
}

// LiquidAverage reports the smoothed coolant temperature, or false
// before the first successful sample. Safe to call from other loops;
// the lighting controller derives its color from it.
func (m *Monitor) LiquidAverage() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.liquidAvg, m.sampled
}

// Vendor returns the CLI surface so lighting can share it.
func (m *Monitor) Vendor() *Vendor {
	return m.vendor
}

// Match returns the resolved device selector.
func (m *Monitor) Match() string {
	return m.match
}

// Poll reads one vendor status report, updates telemetry and actuates
// the computed duties.
func (m *Monitor) Poll(ctx context.Context) error {
	errFactory := errors.New()

	reports, err := m.vendor.Status(ctx, m.match)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return errFactory.WithData(ErrNoStatus, m.match)
	}

	report := reports[0]
	liquid, ok := report.LiquidTemperature()
	if !ok {
		return errFactory.WithData(ErrNoTemperature, report.Description)
	}

	if m.window.Len() == 0 {
		m.window.Fill(liquid)
	} else {
		m.window.Push(liquid)
	}

	liquidAvg, err := m.window.Average()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.liquidAvg = liquidAvg
	m.sampled = true
	m.mu.Unlock()

	cpu, ok := m.readCPU()
	if !ok {
		cpu = curve.EstimateCPUFromLiquid(liquidAvg)
	}
	blended := (liquidAvg + cpu*m.cpuWeight) / 2

	if err := m.status.UpdateProperty("liquid_temperature", liquid); err != nil {
		return err
	}
	if err := m.status.UpdateProperty("blended_temperature", blended); err != nil {
		return err
	}
	if rpm, ok := report.FanRPM(); ok {
		if err := m.status.UpdateProperty("fan_speed", rpm); err != nil {
			return err
		}
	}
	if duty, ok := report.FanDuty(); ok {
		if err := m.status.UpdateProperty("fan_duty", duty); err != nil {
			return err
		}
	}
	if rpm, ok := report.PumpRPM(); ok {
		if err := m.status.UpdateProperty("pump_speed", rpm); err != nil {
			return err
		}
	}
	if duty, ok := report.PumpDuty(); ok {
		if err := m.status.UpdateProperty("pump_duty", duty); err != nil {
			return err
		}
	}

	if err := m.actuate(ctx, blended); err != nil {
		m.status.MarkError("actuation", err)
		m.log.Warn().Err(err).Msg("Cooling actuation failed")

		return nil
	}
	m.status.ClearError("actuation")

	return nil
}

func (m *Monitor) readCPU() (float64, bool) {
	if m.cpuSource == nil {
		return 0, false
	}

	return m.cpuSource()
}

func (m *Monitor) actuate(ctx context.Context, blended float64) error {
	var duty int
	if len(m.fanCurve) > 0 {
		duty = m.fanCurve.EvaluateInt(blended)
	} else {
		duty = int(math.Round(curve.CPUFanSpeed(blended)))
	}
	duty = int(curve.Clamp(float64(duty), 0, 100))

	if err := m.controller.Apply(ctx, "fan_duty", duty); err != nil {
		return err
	}

	return m.controller.Apply(ctx, "pump_duty", m.pumpDuty)
}

// Setup discovers the cooling loop, initializes it and wires up the
// monitor/controller pair over a shared status. Zero matching devices
// is not an error; both returns are nil and the host runs without a
// cooling loop.
func Setup(ctx context.Context, cfg config.Cooling, log logger.Logger, runner Runner, cpuSource CPUSource) (*Monitor, *Controller, error) {
	vendor := NewVendor(runner)

	devices, err := vendor.Discover(ctx, cfg.Match)
	if err != nil {
		return nil, nil, err
	}
	if len(devices) == 0 {
		log.Info().Str("match", cfg.Match).Msg("No cooling devices detected")

		return nil, nil, nil
	}

	match := cfg.Match
	if match == "" {
		match = devices[0].Description
	}
	if len(devices) > 1 {
		log.Warn().Int("count", len(devices)).Str("match", match).Msg("Multiple cooling devices detected, using first")
	}

	if err := vendor.Initialize(ctx, match); err != nil {
		return nil, nil, err
	}

	var fanCurve curve.Piecewise
	if len(cfg.FanCurve) > 0 {
		fanCurve, err = curve.NewPiecewise(cfg.FanCurve)
		if err != nil {
			return nil, nil, err
		}
	}

	key := device.Key{Type: device.TypeCoolingLoop, ID: "loop0"}
	status := device.NewStatus(key,
		"liquid_temperature", "blended_temperature",
		"fan_speed", "fan_duty", "pump_speed", "pump_duty",
		"target_fan_duty", "target_pump_duty")

	controller := NewController(vendor, match, cfg.FanChannel, cfg.PumpChannel, key, status)
	monitor := &Monitor{
		log:        log,
		vendor:     vendor,
		controller: controller,
		match:      match,
		key:        key,
		status:     status,
		window:     sampling.NewWindow(cfg.Window),
		fanCurve:   fanCurve,
		cpuSource:  cpuSource,
		cpuWeight:  cfg.CPUWeight,
		pumpDuty:   cfg.PumpDuty,
	}

	log.Info().Str("device", devices[0].Description).Str("match", match).Msg("Cooling loop initialized")

	return monitor, controller, nil
}
