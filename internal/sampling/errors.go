package sampling

import "codeberg.org/mutker/coolerctl/internal/errors"

const (
	ErrEmptyBuffer = errors.ErrorCode("sampling_empty_buffer")
)
