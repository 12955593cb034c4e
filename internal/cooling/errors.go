package cooling

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	// Vendor CLI errors
	ErrCommandFailed = errors.ErrorCode("cooling_command_failed")
	ErrParseFailed   = errors.ErrorCode("cooling_parse_failed")

	// Telemetry errors
	ErrNoStatus      = errors.ErrorCode("cooling_no_status")
	ErrNoTemperature = errors.ErrorCode("cooling_no_temperature")
)
