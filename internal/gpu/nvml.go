package gpu

import (
	"math"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// Vendor owns the NVML library lifecycle and device enumeration.
type Vendor struct {
	initialized bool
}

func NewVendor() *Vendor {
	return &Vendor{}
}

func (v *Vendor) Initialize() error {
	errFactory := errors.New()
	if v.initialized {
		return nil
	}

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	v.initialized = true

	return nil
}

func (v *Vendor) Shutdown() error {
	errFactory := errors.New()
	if !v.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	v.initialized = false

	return nil
}

// Devices enumerates every GPU and probes its capabilities. Zero GPUs
// returns an empty slice, not an error.
func (v *Vendor) Devices() ([]Device, error) {
	errFactory := errors.New()
	if !v.initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}

	devices := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		dev, err := newNVMLDevice(i)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

type nvmlDevice struct {
	handle      nvml.Device
	uuid        string
	name        string
	fanCount    int
	fanLimits   Limits
	powerLimits Limits
}

func newNVMLDevice(index int) (*nvmlDevice, error) {
	errFactory := errors.New()

	handle, ret := nvml.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}

	uuid, ret := handle.GetUUID()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}

	name, ret := handle.GetName()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}

	fanCount, ret := handle.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrFanCountFailed, newNVMLError(ret))
	}

	minFan, maxFan, ret := handle.GetMinMaxFanSpeed()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrGetFanLimitsFailed, newNVMLError(ret))
	}

	minPower, maxPower, ret := handle.GetPowerManagementLimitConstraints()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrPowerLimitsFailed, newNVMLError(ret))
	}

	defaultPower, ret := handle.GetPowerManagementDefaultLimit()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrPowerLimitsFailed, newNVMLError(ret))
	}

	return &nvmlDevice{
		handle:   handle,
		uuid:     uuid,
		name:     name,
		fanCount: fanCount,
		fanLimits: Limits{
			Min: minFan,
			Max: maxFan,
		},
		powerLimits: Limits{
			Min:     int(minPower / milliWattsToWatts),
			Max:     int(maxPower / milliWattsToWatts),
			Default: int(defaultPower / milliWattsToWatts),
		},
	}, nil
}

// wrapRet maps gone-from-the-bus returns onto the removal code so the
// device manager can evict, and everything else onto the given code.
func (d *nvmlDevice) wrapRet(code errors.ErrorCode, ret nvml.Return) error {
	errFactory := errors.New()
	if isDeviceGone(ret) {
		return errFactory.Wrap(device.ErrRemoved, newNVMLError(ret))
	}

	return errFactory.Wrap(code, newNVMLError(ret))
}

func (d *nvmlDevice) UUID() string {
	return d.uuid
}

func (d *nvmlDevice) Name() string {
	return d.name
}

func (d *nvmlDevice) FanCount() int {
	return d.fanCount
}

func (d *nvmlDevice) FanSpeedLimits() Limits {
	return d.fanLimits
}

func (d *nvmlDevice) PowerLimits() Limits {
	return d.powerLimits
}

func (d *nvmlDevice) Temperature() (int, error) {
	temp, ret := d.handle.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, d.wrapRet(ErrTemperatureReadFailed, ret)
	}

	return int(temp), nil
}

func (d *nvmlDevice) Utilization() (int, error) {
	util, ret := d.handle.GetUtilizationRates()
	if !IsNVMLSuccess(ret) {
		return 0, d.wrapRet(ErrUtilizationReadFailed, ret)
	}

	return int(util.Gpu), nil
}

func (d *nvmlDevice) FanSpeed(fanIndex int) (int, error) {
	speed, ret := d.handle.GetFanSpeed_v2(fanIndex)
	if !IsNVMLSuccess(ret) {
		return 0, d.wrapRet(ErrGetFanSpeedFailed, ret)
	}

	return int(speed), nil
}

func (d *nvmlDevice) SetFanSpeed(fanIndex, speed int) error {
	if ret := nvml.DeviceSetFanSpeed_v2(d.handle, fanIndex, speed); !IsNVMLSuccess(ret) {
		return d.wrapRet(ErrSetFanSpeed, ret)
	}

	return nil
}

func (d *nvmlDevice) EnableAutoFan() error {
	for i := 0; i < d.fanCount; i++ {
		if ret := nvml.DeviceSetDefaultFanSpeed_v2(d.handle, i); !IsNVMLSuccess(ret) {
			return d.wrapRet(ErrEnableAutoFan, ret)
		}
	}

	return nil
}

func (d *nvmlDevice) PowerLimit() (int, error) {
	limit, ret := d.handle.GetPowerManagementLimit()
	if !IsNVMLSuccess(ret) {
		return 0, d.wrapRet(ErrPowerLimitFailed, ret)
	}

	return int(limit / milliWattsToWatts), nil
}

func (d *nvmlDevice) SetPowerLimit(watts int) error {
	errFactory := errors.New()

	// Guard the uint32 conversion
	if watts < 0 || watts > math.MaxUint32/milliWattsToWatts {
		return errFactory.WithData(device.ErrInvalidValue, watts)
	}

	if ret := d.handle.SetPowerManagementLimit(uint32(watts) * milliWattsToWatts); !IsNVMLSuccess(ret) {
		return d.wrapRet(ErrSetPowerLimit, ret)
	}

	return nil
}
