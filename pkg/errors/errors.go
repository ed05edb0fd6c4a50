// Package errors classifies the fatal failures of a deploy-hook invocation so that
// every one of them surfaces with a readable message and a non-zero exit code.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies which part of an invocation failed.
type ErrorCode string

const (
	// ErrCodeEnvironment indicates a required environment variable is absent.
	ErrCodeEnvironment ErrorCode = "ENVIRONMENT"
	// ErrCodeFilesystem indicates a missing lineage directory or lineage file.
	ErrCodeFilesystem ErrorCode = "FILESYSTEM"
	// ErrCodeParse indicates PEM content that is neither a certificate nor a key.
	ErrCodeParse ErrorCode = "PARSE"
	// ErrCodeConfiguration indicates a configuration file that exists but cannot be used.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"
	// ErrCodeRegistration indicates conflicting or invalid plugin registrations.
	ErrCodeRegistration ErrorCode = "REGISTRATION"
	// ErrCodePlugin wraps a failure returned by a plugin hook.
	ErrCodePlugin ErrorCode = "PLUGIN"
	// ErrCodeUsage indicates an invalid command line.
	ErrCodeUsage ErrorCode = "USAGE"
)

// StructuredError carries a code, a message, the underlying cause and optional
// context such as the path of the file that failed.
type StructuredError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new StructuredError with the given code and message.
func New(code ErrorCode, message string) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
	}
}

// NewWithContext creates a new StructuredError with context information.
func NewWithContext(code ErrorCode, message string, context map[string]any) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Context: context,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code ErrorCode, message string, cause error) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithContext wraps an error with additional context information.
func WrapWithContext(code ErrorCode, message string, cause error, context map[string]any) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: context,
	}
}

// CodeOf returns the code of the outermost StructuredError in err's chain, or ""
// when there is none.
func CodeOf(err error) ErrorCode {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var se *StructuredError
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// ExitCode maps an invocation error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case CodeOf(err) == ErrCodeUsage:
		return 2
	default:
		return 1
	}
}
