package ipc

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	ErrListenFailed = errors.ErrorCode("ipc_listen_failed")
	ErrDecodeFailed = errors.ErrorCode("ipc_decode_failed")
	ErrNotStreaming = errors.ErrorCode("ipc_not_streaming")
)
