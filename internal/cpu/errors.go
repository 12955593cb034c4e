package cpu

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	// Sensor errors
	ErrNoSensor         = errors.ErrorCode("cpu_no_sensor")
	ErrSensorReadFailed = errors.ErrorCode("cpu_sensor_read_failed")

	// Power-plan errors
	ErrUnknownPlan     = errors.ErrorCode("cpu_unknown_plan")
	ErrPlanUnsupported = errors.ErrorCode("cpu_plan_unsupported")
	ErrPlanReadFailed  = errors.ErrorCode("cpu_plan_read_failed")
	ErrPlanWriteFailed = errors.ErrorCode("cpu_plan_write_failed")
)
