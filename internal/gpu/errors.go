package gpu

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	// Initialization and Lifecycle Errors
	ErrNotInitialized   = errors.ErrorCode("gpu_not_initialized")
	ErrInitFailed       = errors.ErrorCode("gpu_init_failed")
	ErrDeviceNotFound   = errors.ErrorCode("gpu_device_not_found")
	ErrDeviceInfoFailed = errors.ErrorCode("gpu_device_info_failed")
	ErrShutdownFailed   = errors.ErrorCode("gpu_shutdown_failed")

	// Telemetry Errors
	ErrTemperatureReadFailed = errors.ErrorCode("gpu_temperature_read_failed")
	ErrUtilizationReadFailed = errors.ErrorCode("gpu_utilization_read_failed")

	// Fan Control Errors
	ErrFanCountFailed     = errors.ErrorCode("gpu_fan_count_failed")
	ErrGetFanSpeedFailed  = errors.ErrorCode("gpu_fan_speed_failed")
	ErrGetFanLimitsFailed = errors.ErrorCode("gpu_fan_limits_failed")
	ErrSetFanSpeed        = errors.ErrorCode("gpu_set_fan_speed_failed")
	ErrEnableAutoFan      = errors.ErrorCode("gpu_enable_auto_fan_failed")

	// Power Management Errors
	ErrPowerLimitFailed  = errors.ErrorCode("gpu_power_limit_failed")
	ErrPowerLimitsFailed = errors.ErrorCode("gpu_power_limits_failed")
	ErrSetPowerLimit     = errors.ErrorCode("gpu_set_power_limit_failed")

	// Device Discovery Errors
	ErrDeviceCountFailed = errors.ErrorCode("gpu_device_count_failed")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e *nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}

	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

// isDeviceGone reports NVML returns that mean the device has fallen off
// the bus rather than a transient read failure.
func isDeviceGone(ret nvml.Return) bool {
	return ret == nvml.ERROR_GPU_IS_LOST || ret == nvml.ERROR_NOT_FOUND
}
