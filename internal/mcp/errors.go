// Package mcp implements the Model Context Protocol (MCP) server for kbindex.
package mcp

import (
	"context"
	"errors"
	"fmt"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// Custom MCP error codes for kbindex.
const (
	// ErrCodeNotFound indicates a missing topic, citation or index.
	ErrCodeNotFound = -32001

	// ErrCodeConflict indicates a stale expected version or a lost lease.
	ErrCodeConflict = -32002

	// ErrCodeTimeout indicates a lease wait or the request timed out.
	ErrCodeTimeout = -32003

	// ErrCodeStorage indicates the storage backend failed.
	ErrCodeStorage = -32004

	// ErrCodeMigrationAborted indicates an index rebuild failed validation.
	ErrCodeMigrationAborted = -32005

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Sentinel errors for internal use.
var (
	// ErrToolNotFound indicates the requested tool does not exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidParams indicates invalid parameters were provided.
	ErrInvalidParams = errors.New("invalid parameters")
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
// It maps known error types to appropriate MCP error codes and messages.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	// Check for KBError first
	var kbErr *kberrors.KBError
	if errors.As(err, &kbErr) {
		return mapKBError(kbErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{
			Code:    ErrCodeTimeout,
			Message: "Request timed out.",
		}
	case errors.Is(err, context.Canceled):
		return &MCPError{
			Code:    ErrCodeTimeout,
			Message: "Request was canceled.",
		}
	case errors.Is(err, ErrToolNotFound):
		return &MCPError{
			Code:    ErrCodeMethodNotFound,
			Message: "Tool not found.",
		}
	case errors.Is(err, ErrInvalidParams):
		return &MCPError{
			Code:    ErrCodeInvalidParams,
			Message: "Invalid parameters.",
		}
	default:
		return &MCPError{
			Code:    ErrCodeInternalError,
			Message: "Internal server error.",
		}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{
		Code:    ErrCodeInvalidParams,
		Message: msg,
	}
}

// NewMethodNotFoundError creates an error for unknown methods/tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("Tool '%s' not found.", name),
	}
}

// mapKBError converts a KBError to an MCPError.
func mapKBError(ke *kberrors.KBError) *MCPError {
	// Build message with suggestion if available
	message := ke.Message
	if ke.Suggestion != "" {
		message = fmt.Sprintf("%s %s", ke.Message, ke.Suggestion)
	}

	switch ke.Code {
	case kberrors.ErrCodeNotFound:
		return &MCPError{Code: ErrCodeNotFound, Message: message}
	case kberrors.ErrCodeLockTimeout:
		return &MCPError{Code: ErrCodeTimeout, Message: message}
	case kberrors.ErrCodeVersionConflict, kberrors.ErrCodeLeaseLost, kberrors.ErrCodeLeaseHeld:
		return &MCPError{Code: ErrCodeConflict, Message: message}
	case kberrors.ErrCodeMigrationAborted:
		return &MCPError{Code: ErrCodeMigrationAborted, Message: message}
	}

	switch ke.Category {
	case kberrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	case kberrors.CategoryStorage:
		return &MCPError{Code: ErrCodeStorage, Message: message}
	default: // CategoryConfig, CategoryInternal and unknown
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}
