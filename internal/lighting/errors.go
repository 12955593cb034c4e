package lighting

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	ErrApplyFailed = errors.ErrorCode("lighting_apply_failed")
)
