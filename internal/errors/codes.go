// Package errors provides structured error handling for kbindex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (objects, shards)
//   - 3XX: Concurrency errors (leases, versions)
//   - 4XX: Validation errors
//   - 5XX: Internal errors (index build, migration)
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates object storage and index shard errors.
	CategoryStorage Category = "STORAGE"
	// CategoryConcurrency indicates lease and optimistic version errors.
	CategoryConcurrency Category = "CONCURRENCY"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeNotFound     = "ERR_201_NOT_FOUND"
	ErrCodeStorageIO    = "ERR_202_STORAGE_IO"
	ErrCodeShardCorrupt = "ERR_203_SHARD_CORRUPT"
	ErrCodeCircuitOpen  = "ERR_204_BACKEND_UNAVAILABLE"

	// Concurrency errors (300-399)
	ErrCodeLockTimeout     = "ERR_301_LOCK_TIMEOUT"
	ErrCodeVersionConflict = "ERR_302_VERSION_CONFLICT"
	ErrCodeLeaseLost       = "ERR_303_LEASE_LOST"
	ErrCodeLeaseHeld       = "ERR_304_LEASE_HELD"

	// Validation errors (400-499)
	ErrCodeInvalidInput    = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidTopicID  = "ERR_402_INVALID_TOPIC_ID"
	ErrCodeUnknownLayout   = "ERR_403_UNKNOWN_LAYOUT"
	ErrCodeQueryEmpty      = "ERR_404_QUERY_EMPTY"
	ErrCodeInvalidCitation = "ERR_405_INVALID_CITATION"

	// Internal errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeMigrationAborted  = "ERR_502_MIGRATION_ABORTED"
	ErrCodeIndexUpdateFailed = "ERR_503_INDEX_UPDATE_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "201" from "ERR_201_NOT_FOUND")
	numStr := code[4:7]

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryConcurrency
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigInvalid:
		return SeverityFatal
	case ErrCodeShardCorrupt:
		// Absorbed by the shard manager with a metadata fallback.
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// LockTimeout and VersionConflict are retryable by the caller, never by the core.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStorageIO, ErrCodeCircuitOpen, ErrCodeLockTimeout, ErrCodeVersionConflict, ErrCodeMigrationAborted:
		return true
	default:
		return false
	}
}
