package mkern

import (
	"errors"
	"fmt"
)

// Error represents a structured kernel-core error with operation context.
type Error struct {
	Op    string    // Operation that failed (e.g., "cap_alloc", "mp_init")
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("mkern: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("mkern: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support: two errors match when their codes match.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories.
type ErrorCode string

const (
	// ErrCodeNoMemory: an allocation failed. Surfaced from frame
	// allocation, address-space creation and capability allocation. A failed
	// hash-table resize is not surfaced at all; the table continues at its
	// current size.
	ErrCodeNoMemory ErrorCode = "out of memory"

	// ErrCodeInvalidHandle: a capability lookup failed, either because the
	// handle is out of range or the slot is not in the expected state.
	ErrCodeInvalidHandle ErrorCode = "invalid handle"

	// ErrCodeTypeMismatch: a capability lookup found a slot but the kernel
	// object's type disagrees with the caller's expectation.
	ErrCodeTypeMismatch ErrorCode = "type mismatch"

	// ErrCodeInvalidState: an operation was attempted against an object in
	// the wrong lifecycle state, e.g. tearing down a debugging session that
	// was never started.
	ErrCodeInvalidState ErrorCode = "invalid state"

	// ErrCodeBusy: the resource is already claimed, e.g. attaching a
	// debugger to a task that already has one.
	ErrCodeBusy ErrorCode = "busy"

	// ErrCodeTimeout: a bounded wait expired, e.g. an application processor
	// not completing bring-up within its budget.
	ErrCodeTimeout ErrorCode = "timeout"

	// ErrCodeHardwareMissing: a firmware description the platform should
	// provide is absent.
	ErrCodeHardwareMissing ErrorCode = "hardware missing"

	// ErrCodeInvalidTable: a firmware table is present but corrupt (bad
	// signature, bad checksum, unknown entries).
	ErrCodeInvalidTable ErrorCode = "invalid firmware table"

	// ErrCodeUnsupportedPlatform: the firmware requests a configuration
	// this core does not implement (PIC mode, default MP configurations,
	// OEM tables).
	ErrCodeUnsupportedPlatform ErrorCode = "unsupported platform"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with kernel-core context.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ke, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Code:  ke.Code,
			Msg:   ke.Msg,
			Inner: ke.Inner,
		}
	}
	return &Error{
		Op:    op,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}
