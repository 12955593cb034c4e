package cpu

import (
	"context"
	"strings"
	"sync"

	cpustat "github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
	"codeberg.org/mutker/coolerctl/internal/sampling"
)

// Reading is one labelled temperature sample from the host.
type Reading struct {
	Sensor  string
	Degrees float64
}

// Probe reads host sensor state. The production implementation wraps
// gopsutil; tests substitute canned readings.
type Probe interface {
	Temperatures() ([]Reading, error)
	Utilization() (float64, error)
}

type hostProbe struct{}

func (hostProbe) Temperatures() ([]Reading, error) {
	stats, err := host.SensorsTemperatures()
	if len(stats) == 0 && err != nil {
		return nil, err
	}

	readings := make([]Reading, 0, len(stats))
	for _, stat := range stats {
		readings = append(readings, Reading{
			Sensor:  strings.ToLower(stat.SensorKey),
			Degrees: stat.Temperature,
		})
	}

	return readings, nil
}

func (hostProbe) Utilization() (float64, error) {
	errFactory := errors.New()

	percents, err := cpustat.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, errFactory.New(ErrSensorReadFailed)
	}

	return percents[0], nil
}

// Monitor samples CPU package temperature and utilization. Readings
// from the preferred sensor family are blended with outlier rejection,
// then smoothed through the sliding window.
type Monitor struct {
	log    logger.Logger
	probe  Probe
	key    device.Key
	status *device.Status
	window *sampling.Window
	term   string

	mu      sync.Mutex
	average float64
	sampled bool
}

// NewMonitor probes the host once to select the sensor family, walking
// the configured preference list in order. Returns a nil monitor when
// the host exposes no temperature sensors at all.
func NewMonitor(cfg config.CPU, log logger.Logger, probe Probe) (*Monitor, error) {
	errFactory := errors.New()

	if probe == nil {
		probe = hostProbe{}
	}

	readings, err := probe.Temperatures()
	if err != nil {
		return nil, errFactory.Wrap(ErrSensorReadFailed, err)
	}
	if len(readings) == 0 {
		log.Info().Msg("No CPU temperature sensors detected")

		return nil, nil
	}

	term := ""
	for _, preferred := range cfg.Sensors {
		if len(matchReadings(readings, preferred)) > 0 {
			term = strings.ToLower(preferred)

			break
		}
	}
	if term == "" {
		log.Warn().
			Strs("preferred", cfg.Sensors).
			Msg("No preferred CPU sensor found, blending all sensors")
	}

	key := device.Key{Type: device.TypeCPU, ID: "cpu0"}
	m := &Monitor{
		log:    log,
		probe:  probe,
		key:    key,
		status: device.NewStatus(key, "temperature", "average_temperature", "utilization"),
		window: sampling.NewWindow(cfg.Window),
		term:   term,
	}
	log.Info().Str("sensor", term).Msg("CPU monitor initialized")

	return m, nil
}

func (m *Monitor) Key() device.Key {
	return m.key
}

func (m *Monitor) Status() *device.Status {
	return m.status
}

// Average returns the smoothed package temperature, or false before the
// first successful sample. Safe to call from other polling loops.
func (m *Monitor) Average() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.average, m.sampled
}

func (m *Monitor) Poll(_ context.Context) error {
	errFactory := errors.New()

	readings, err := m.probe.Temperatures()
	if err != nil {
		return errFactory.Wrap(ErrSensorReadFailed, err)
	}

	matched := matchReadings(readings, m.term)
	if len(matched) == 0 {
		return errFactory.WithData(ErrNoSensor, m.term)
	}

	degrees, err := sampling.RobustMean(matched)
	if err != nil {
		return errFactory.Wrap(ErrSensorReadFailed, err)
	}

	if m.window.Len() == 0 {
		m.window.Fill(degrees)
	} else {
		m.window.Push(degrees)
	}
	average, err := m.window.Average()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.average = average
	m.sampled = true
	m.mu.Unlock()

	if err := m.status.UpdateProperty("temperature", degrees); err != nil {
		return err
	}
	if err := m.status.UpdateProperty("average_temperature", average); err != nil {
		return err
	}

	// Utilization is auxiliary telemetry; a failed read never fails the poll.
	if utilization, err := m.probe.Utilization(); err == nil {
		if err := m.status.UpdateProperty("utilization", utilization); err != nil {
			return err
		}
	}

	return nil
}

// matchReadings filters readings whose sensor key contains term. An
// empty term matches everything.
func matchReadings(readings []Reading, term string) []float64 {
	term = strings.ToLower(term)

	matched := make([]float64, 0, len(readings))
	for _, reading := range readings {
		if term == "" || strings.Contains(strings.ToLower(reading.Sensor), term) {
			matched = append(matched, reading.Degrees)
		}
	}

	return matched
}
