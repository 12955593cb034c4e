package gateway

import (
	"codeberg.org/mutker/coolerctl/internal/errors"
)

const (
	ErrListenFailed = errors.ErrorCode("gateway_listen_failed")
	ErrRouteDenied  = errors.ErrorCode("gateway_route_denied")
)
