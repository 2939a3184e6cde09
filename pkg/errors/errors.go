package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code for stable testing
type ErrorCode string

// Error codes for different error categories
const (
	// General errors
	ErrUnknown      ErrorCode = "UNKNOWN"
	ErrInternal     ErrorCode = "INTERNAL"
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrPermission   ErrorCode = "PERMISSION"

	// Parse errors (control stanzas, version strings)
	ErrParseField   ErrorCode = "PARSE_FIELD"
	ErrParseVersion ErrorCode = "PARSE_VERSION"
	ErrParseDepends ErrorCode = "PARSE_DEPENDS"

	// Database errors
	ErrDBLoad    ErrorCode = "DB_LOAD"
	ErrDBWrite   ErrorCode = "DB_WRITE"
	ErrDBJournal ErrorCode = "DB_JOURNAL"
	ErrDBLocked  ErrorCode = "DB_LOCKED"

	// Package state errors
	ErrPackageNotFound  ErrorCode = "PACKAGE_NOT_FOUND"
	ErrPackageBadState  ErrorCode = "PACKAGE_BAD_STATE"
	ErrPackageReinstReq ErrorCode = "PACKAGE_REINSTREQ"
	ErrPackageEssential ErrorCode = "PACKAGE_ESSENTIAL"

	// Archive errors
	ErrArchiveFormat  ErrorCode = "ARCHIVE_FORMAT"
	ErrArchiveRead    ErrorCode = "ARCHIVE_READ"
	ErrArchitecture   ErrorCode = "ARCHITECTURE"
	ErrFileConflict   ErrorCode = "FILE_CONFLICT"
	ErrDivertConflict ErrorCode = "DIVERT_CONFLICT"

	// Dependency errors
	ErrDepends    ErrorCode = "DEPENDS"
	ErrPreDepends ErrorCode = "PREDEPENDS"
	ErrConflicts  ErrorCode = "CONFLICTS"
	ErrBreaks     ErrorCode = "BREAKS"
	ErrDepCycle   ErrorCode = "DEP_CYCLE"

	// Conffile errors
	ErrConffile ErrorCode = "CONFFILE"

	// Trigger errors
	ErrTriggerName  ErrorCode = "TRIGGER_NAME"
	ErrTriggerCycle ErrorCode = "TRIGGER_CYCLE"

	// Maintainer script errors
	ErrScriptFailed ErrorCode = "SCRIPT_FAILED"

	// FileSystem errors
	ErrFileAccess ErrorCode = "FILE_ACCESS"
	ErrFileCreate ErrorCode = "FILE_CREATE"
	ErrFileWrite  ErrorCode = "FILE_WRITE"
	ErrFileRename ErrorCode = "FILE_RENAME"
	ErrFileRemove ErrorCode = "FILE_REMOVE"
)

// PaktError represents a structured error with code and details
type PaktError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error
}

// Error implements the error interface
func (e *PaktError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *PaktError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is interface
func (e *PaktError) Is(target error) bool {
	var targetErr *PaktError
	if errors.As(target, &targetErr) {
		return e.Code == targetErr.Code
	}
	return false
}

// New creates a new PaktError with the given code and message
func New(code ErrorCode, message string) *PaktError {
	return &PaktError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new PaktError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *PaktError {
	return &PaktError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with a PaktError
func Wrap(err error, code ErrorCode, message string) *PaktError {
	if err == nil {
		return nil
	}
	return &PaktError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *PaktError {
	if err == nil {
		return nil
	}
	return &PaktError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// WithDetail adds a detail to the error
func (e *PaktError) WithDetail(key string, value interface{}) *PaktError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var perr *PaktError
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrUnknown if not a PaktError
func GetErrorCode(err error) ErrorCode {
	var perr *PaktError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ErrUnknown
}

// Internal reports an internal invariant violation. Errors with this
// code are never downgraded by force flags.
func Internal(format string, args ...interface{}) *PaktError {
	return Newf(ErrInternal, format, args...)
}
