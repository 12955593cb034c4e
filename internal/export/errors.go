package export

import "codeberg.org/mutker/coolerctl/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidBroker = errors.ErrorCode("export_invalid_broker")
	ErrConnectFailed = errors.ErrorCode("export_connect_failed")
	ErrPublishFailed = errors.ErrorCode("export_publish_failed")
)
