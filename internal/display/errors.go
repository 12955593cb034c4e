package display

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	ErrNotConnected = errors.ErrorCode("display_not_connected")
)
