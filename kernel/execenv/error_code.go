package execenv

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable machine-readable code for runner errors.
type ErrorCode string

const (
	ErrorCodeSandboxUnsupported ErrorCode = "ERR_SANDBOX_UNSUPPORTED"
	ErrorCodeSandboxUnavailable ErrorCode = "ERR_SANDBOX_UNAVAILABLE"
	ErrorCodeSandboxStart       ErrorCode = "ERR_SANDBOX_START"
	ErrorCodeCommandTimeout     ErrorCode = "ERR_COMMAND_TIMEOUT"
	ErrorCodeIdleTimeout        ErrorCode = "ERR_COMMAND_IDLE_TIMEOUT"
	ErrorCodeCommandCanceled    ErrorCode = "ERR_COMMAND_CANCELED"
)

// CodedError exposes a stable code for programmatic handling.
type CodedError interface {
	error
	Code() ErrorCode
}

type codedError struct {
	code    ErrorCode
	message string
	cause   error
}

func (e *codedError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.message)
	switch {
	case e.cause == nil:
		return msg
	case msg == "":
		return e.cause.Error()
	}
	return fmt.Sprintf("%s: %v", msg, e.cause)
}

func (e *codedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *codedError) Code() ErrorCode {
	if e == nil {
		return ""
	}
	return e.code
}

// NewCodedError creates a coded error with a formatted message.
func NewCodedError(code ErrorCode, format string, args ...any) error {
	return &codedError{code: code, message: fmt.Sprintf(format, args...)}
}

// WrapCodedError attaches a code to cause.
func WrapCodedError(code ErrorCode, cause error, format string, args ...any) error {
	return &codedError{code: code, message: fmt.Sprintf(format, args...), cause: cause}
}

// ErrorCodeOf extracts the outermost code in err's chain, if any.
func ErrorCodeOf(err error) ErrorCode {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

// IsErrorCode reports whether err carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	return err != nil && ErrorCodeOf(err) == code
}

// IsStartFailure reports whether err means the command never ran, as
// opposed to running and timing out.
func IsStartFailure(err error) bool {
	switch ErrorCodeOf(err) {
	case ErrorCodeSandboxStart, ErrorCodeSandboxUnavailable, ErrorCodeSandboxUnsupported:
		return true
	}
	return false
}
