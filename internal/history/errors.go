package history

import "codeberg.org/mutker/coolerctl/internal/errors"

const (
	// Configuration errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("history_invalid_db_path")

	// Schema errors
	ErrSchemaInitFailed       = errors.ErrorCode("history_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("history_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("history_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("history_transaction_failed")

	// Storage errors
	ErrStorageInit   = errors.ErrorCode("history_storage_init_failed")
	ErrStorageAccess = errors.ErrorCode("history_storage_access_failed")
	ErrStorageClose  = errors.ErrorCode("history_storage_close_failed")

	// Operation errors
	ErrOperationTimeout = errors.ErrTimeout
)
