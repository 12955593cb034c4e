package device

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	// Registry errors
	ErrUnknownDevice = errors.ErrorCode("device_unknown")
	ErrInvalidType   = errors.ErrorCode("device_invalid_type")

	// Status errors
	ErrUnknownProperty = errors.ErrorCode("device_unknown_property")

	// Actuation errors
	ErrInvalidValue = errors.ErrorCode("device_invalid_value")

	// ErrRemoved marks a device the vendor surface no longer reports.
	// The manager deregisters a device whose monitor or controller
	// returns this code.
	ErrRemoved = errors.ErrorCode("device_removed")
)
