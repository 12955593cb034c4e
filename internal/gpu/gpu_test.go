package gpu_test

import (
	"context"
	"sync"
	"testing"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/curve"
	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/gpu"
	"codeberg.org/mutker/coolerctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fanWrite struct {
	index, speed int
}

type fakeDevice struct {
	mu          sync.Mutex
	uuid        string
	name        string
	temp        int
	util        int
	fanSpeeds   []int
	power       int
	fanLimits   gpu.Limits
	powerLimits gpu.Limits
	tempErr     error
	setFanErr   error

	fanWrites   []fanWrite
	powerWrites []int
	autoCalls   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		uuid:        "GPU-5d3f",
		name:        "NVIDIA GeForce RTX 3080",
		temp:        55,
		util:        30,
		fanSpeeds:   []int{40, 45},
		power:       320,
		fanLimits:   gpu.Limits{Min: 0, Max: 100},
		powerLimits: gpu.Limits{Min: 100, Max: 450, Default: 320},
	}
}

func (d *fakeDevice) UUID() string               { return d.uuid }
func (d *fakeDevice) Name() string               { return d.name }
func (d *fakeDevice) FanCount() int              { return len(d.fanSpeeds) }
func (d *fakeDevice) FanSpeedLimits() gpu.Limits { return d.fanLimits }
func (d *fakeDevice) PowerLimits() gpu.Limits    { return d.powerLimits }

func (d *fakeDevice) Temperature() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tempErr != nil {
		return 0, d.tempErr
	}

	return d.temp, nil
}

func (d *fakeDevice) Utilization() (int, error) {
	return d.util, nil
}

func (d *fakeDevice) FanSpeed(fanIndex int) (int, error) {
	return d.fanSpeeds[fanIndex], nil
}

func (d *fakeDevice) PowerLimit() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.power, nil
}

func (d *fakeDevice) SetFanSpeed(fanIndex, speed int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setFanErr != nil {
		return d.setFanErr
	}
	d.fanWrites = append(d.fanWrites, fanWrite{index: fanIndex, speed: speed})

	return nil
}

func (d *fakeDevice) EnableAutoFan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoCalls++

	return nil
}

func (d *fakeDevice) SetPowerLimit(watts int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.power = watts
	d.powerWrites = append(d.powerWrites, watts)

	return nil
}

func gpuConfig() config.GPU {
	return config.GPU{
		Enabled:         true,
		Window:          10,
		FanModifiers:    []float64{0.001, 0.05},
		Hysteresis:      4,
		Floor:           50,
		MaxTemperature:  80,
		PowerManagement: true,
	}
}

func buildGPU(t *testing.T, dev *fakeDevice, cfg config.GPU) (*gpu.Monitor, *gpu.Controller) {
	t.Helper()

	monitor, controller, err := gpu.Build(cfg, logger.New(), dev)
	require.NoError(t, err)

	return monitor, controller
}

func TestMonitorActuatesFromAverage(t *testing.T) {
	dev := newFakeDevice()
	monitor, _ := buildGPU(t, dev, gpuConfig())

	require.NoError(t, monitor.Poll(context.Background()))

	// avg 55: fan0 at 55*1.001 -> 88%, fan1 at 55*1.05 -> 94%
	require.Len(t, dev.fanWrites, 2)
	assert.Equal(t, fanWrite{index: 0, speed: 88}, dev.fanWrites[0])
	assert.Equal(t, fanWrite{index: 1, speed: 94}, dev.fanWrites[1])

	snap := monitor.Status().Snapshot()
	assert.Equal(t, device.TypeGPU, snap.Type)
	assert.Equal(t, "GPU-5d3f", snap.ID)
	assert.Equal(t, 55, snap.Properties["temperature"])
	assert.InDelta(t, 55.0, snap.Properties["average_temperature"], 0.001)
	assert.Equal(t, 30, snap.Properties["utilization"])
	assert.Equal(t, 40, snap.Properties["fan0_speed"])
	assert.Equal(t, 45, snap.Properties["fan1_speed"])
	assert.Equal(t, 320, snap.Properties["power_limit"])
	assert.Equal(t, 88, snap.Properties["target_fan_duty"])
	assert.Equal(t, false, snap.Properties["auto_fan"])

	// at stock power and below max temperature nothing is derated
	assert.Empty(t, dev.powerWrites)
}

func TestMonitorAutoFanBelowFloor(t *testing.T) {
	dev := newFakeDevice()
	dev.temp = 45
	monitor, _ := buildGPU(t, dev, gpuConfig())

	require.NoError(t, monitor.Poll(context.Background()))
	require.NoError(t, monitor.Poll(context.Background()))

	assert.Equal(t, 1, dev.autoCalls)
	assert.Empty(t, dev.fanWrites)

	snap := monitor.Status().Snapshot()
	assert.Equal(t, true, snap.Properties["auto_fan"])
}

func TestMonitorHysteresisSkipsSmallChanges(t *testing.T) {
	dev := newFakeDevice()
	dev.fanSpeeds = []int{87, 94}
	monitor, _ := buildGPU(t, dev, gpuConfig())

	require.NoError(t, monitor.Poll(context.Background()))

	// target 88 vs current 87 is within the deadband
	assert.Empty(t, dev.fanWrites)
}

func TestMonitorDeratesPowerWhenHotAtMaxFan(t *testing.T) {
	dev := newFakeDevice()
	dev.temp = 85
	dev.fanSpeeds = []int{100, 100}
	dev.power = 420
	dev.powerLimits = gpu.Limits{Min: 100, Max: 450, Default: 420}
	monitor, _ := buildGPU(t, dev, gpuConfig())

	require.NoError(t, monitor.Poll(context.Background()))

	// 5 degrees over at max fan: step bounded to 10W
	require.Len(t, dev.powerWrites, 1)
	assert.Equal(t, 410, dev.powerWrites[0])

	snap := monitor.Status().Snapshot()
	assert.Equal(t, 410, snap.Properties["target_power_limit"])
}

func TestMonitorRestoresPowerWhenCool(t *testing.T) {
	dev := newFakeDevice()
	dev.temp = 70
	dev.power = 400
	dev.powerLimits = gpu.Limits{Min: 100, Max: 450, Default: 420}
	monitor, _ := buildGPU(t, dev, gpuConfig())

	require.NoError(t, monitor.Poll(context.Background()))

	// 10 degrees under: step up bounded to 10W, capped at the default
	require.Len(t, dev.powerWrites, 1)
	assert.Equal(t, 410, dev.powerWrites[0])
}

func TestMonitorPowerManagementDisabled(t *testing.T) {
	dev := newFakeDevice()
	dev.temp = 85
	dev.fanSpeeds = []int{100, 100}
	dev.power = 420
	dev.powerLimits = gpu.Limits{Min: 100, Max: 450, Default: 420}
	cfg := gpuConfig()
	cfg.PowerManagement = false
	monitor, _ := buildGPU(t, dev, cfg)

	require.NoError(t, monitor.Poll(context.Background()))
	assert.Empty(t, dev.powerWrites)
}

func TestMonitorDeviceRemoved(t *testing.T) {
	dev := newFakeDevice()
	dev.tempErr = errors.New().New(device.ErrRemoved)
	monitor, _ := buildGPU(t, dev, gpuConfig())

	err := monitor.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrRemoved))
}

func TestMonitorActuationFailureKeepsTelemetry(t *testing.T) {
	dev := newFakeDevice()
	dev.setFanErr = assert.AnError
	monitor, _ := buildGPU(t, dev, gpuConfig())

	require.NoError(t, monitor.Poll(context.Background()))

	snap := monitor.Status().Snapshot()
	assert.Equal(t, 55, snap.Properties["temperature"])
	assert.Contains(t, snap.Faults, "actuation")
	assert.Equal(t, 1, snap.ErrorCount)
}

func TestMonitorFanCurve(t *testing.T) {
	dev := newFakeDevice()
	dev.temp = 64
	dev.fanSpeeds = []int{50, 50}
	cfg := gpuConfig()
	cfg.FanModifiers = nil
	cfg.FanCurve = []curve.Point{{Temperature: 40, Value: 30}, {Temperature: 80, Value: 100}}
	monitor, _ := buildGPU(t, dev, cfg)

	require.NoError(t, monitor.Poll(context.Background()))

	require.Len(t, dev.fanWrites, 2)
	assert.Equal(t, 72, dev.fanWrites[0].speed)
	assert.Equal(t, 72, dev.fanWrites[1].speed)
}

func TestControllerApplyFanDuty(t *testing.T) {
	dev := newFakeDevice()
	_, controller := buildGPU(t, dev, gpuConfig())
	ctx := context.Background()

	require.NoError(t, controller.Apply(ctx, "fan_duty", 70))
	require.Len(t, dev.fanWrites, 2)
	assert.Equal(t, fanWrite{index: 0, speed: 70}, dev.fanWrites[0])
	assert.Equal(t, fanWrite{index: 1, speed: 70}, dev.fanWrites[1])

	require.NoError(t, controller.Apply(ctx, "fan_duty", 70))
	assert.Len(t, dev.fanWrites, 2)
}

func TestControllerApplyValidation(t *testing.T) {
	dev := newFakeDevice()
	_, controller := buildGPU(t, dev, gpuConfig())
	ctx := context.Background()

	err := controller.Apply(ctx, "fan_duty", 150)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrInvalidValue))

	err = controller.Apply(ctx, "power_limit", 9999)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrInvalidValue))

	err = controller.Apply(ctx, "memory_clock", 1000)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, device.ErrUnknownProperty))
}

func TestControllerApplyPowerLimit(t *testing.T) {
	dev := newFakeDevice()
	_, controller := buildGPU(t, dev, gpuConfig())

	// routed values arrive as float64
	require.NoError(t, controller.Apply(context.Background(), "power_limit", float64(400)))
	require.Len(t, dev.powerWrites, 1)
	assert.Equal(t, 400, dev.powerWrites[0])
}

func TestControllerAutoFanInvalidatesDutyCache(t *testing.T) {
	dev := newFakeDevice()
	_, controller := buildGPU(t, dev, gpuConfig())
	ctx := context.Background()

	require.NoError(t, controller.Apply(ctx, "fan_duty", 70))
	require.NoError(t, controller.Apply(ctx, "auto_fan", true))
	require.NoError(t, controller.Apply(ctx, "fan_duty", 70))

	// the duty is rewritten after driver control, even though unchanged
	assert.Len(t, dev.fanWrites, 4)
	assert.Equal(t, 1, dev.autoCalls)
}

func TestControllerRestore(t *testing.T) {
	dev := newFakeDevice()
	dev.powerLimits = gpu.Limits{Min: 100, Max: 450, Default: 420}
	_, controller := buildGPU(t, dev, gpuConfig())

	require.NoError(t, controller.Apply(context.Background(), "power_limit", 380))
	require.NoError(t, controller.Restore())

	require.Len(t, dev.powerWrites, 2)
	assert.Equal(t, 420, dev.powerWrites[1])
	assert.Equal(t, 1, dev.autoCalls)
}
