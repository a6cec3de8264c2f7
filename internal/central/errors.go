package central

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure in a machine-readable way.
type Code string

const (
	CodeAdapterNotReady   Code = "adapter_not_ready"
	CodeNotConnected      Code = "not_connected"
	CodeConnectFailed     Code = "connect_failed"
	CodeDiscoveryFailed   Code = "discovery_failed"
	CodeReadFailed        Code = "read_failed"
	CodeWriteFailed       Code = "write_failed"
	CodeInvalidData       Code = "invalid_data"
	CodeTimeout           Code = "timeout"
	CodeCancelled         Code = "cancelled"
	CodeOperationInFlight Code = "operation_in_flight"
)

// OpError represents any failure of a central operation.
type OpError struct {
	Code Code
	Msg  string
	Err  error // underlying protocol error, if any
}

// Error implements the error interface
func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Code)
	if e.Msg != "" {
		s = fmt.Sprintf("%s: %s", s, e.Msg)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

// Unwrap exposes the underlying protocol error for errors.Is/As chains
func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare OpError values by Code
func (e *OpError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*OpError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined sentinel errors, one per failure code
var (
	ErrAdapterNotReady   = &OpError{Code: CodeAdapterNotReady}
	ErrNotConnected      = &OpError{Code: CodeNotConnected}
	ErrConnectFailed     = &OpError{Code: CodeConnectFailed}
	ErrDiscoveryFailed   = &OpError{Code: CodeDiscoveryFailed}
	ErrReadFailed        = &OpError{Code: CodeReadFailed}
	ErrWriteFailed       = &OpError{Code: CodeWriteFailed}
	ErrInvalidData       = &OpError{Code: CodeInvalidData}
	ErrTimeout           = &OpError{Code: CodeTimeout}
	ErrCancelled         = &OpError{Code: CodeCancelled}
	ErrOperationInFlight = &OpError{Code: CodeOperationInFlight}
)

// IsCode reports whether err is an OpError with the given code
func IsCode(err error, code Code) bool {
	var oerr *OpError
	if errors.As(err, &oerr) {
		return oerr.Code == code
	}
	return false
}

// opErr wraps an underlying error with a failure code. A nil underlying
// error still produces a valid OpError carrying just the code.
func opErr(code Code, err error) *OpError {
	return &OpError{Code: code, Err: err}
}

// opErrf builds an OpError with a formatted message and no underlying cause
func opErrf(code Code, format string, args ...interface{}) *OpError {
	return &OpError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError represents a lookup failure for a GATT resource
type NotFoundError struct {
	Resource string   // "peripheral", "service", "characteristic"
	UUIDs    []string // one or more identifiers, outermost first
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found on %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}
