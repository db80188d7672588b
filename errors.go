// errors.go: stable error codes and sentinel errors for the bus
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package ringbus

import "errors"

// ErrorCode is the stable, C-ABI-compatible integer error surface described
// in spec §6.1. Negative values indicate failure; zero is success.
type ErrorCode int32

// Stable error code set. Values must never change once published; embedders
// rely on the numeric identity, not just the Go sentinel error.
const (
	Success               ErrorCode = 0
	ErrCodeInvalidParams  ErrorCode = -1
	ErrCodeBufferFull     ErrorCode = -2
	ErrCodeBufferEmpty    ErrorCode = -3
	ErrCodeInvalidHandle  ErrorCode = -4
	ErrCodeOOM            ErrorCode = -5
	ErrCodeCorruptedData  ErrorCode = -6
	ErrCodeMsgTooLarge    ErrorCode = -7
	ErrCodeThrottled      ErrorCode = -8
	ErrCodeInvalidTicket  ErrorCode = -9
	ErrCodeNotInitialized ErrorCode = -10
	ErrCodeUnknownID      ErrorCode = -11
	ErrCodeClosed         ErrorCode = -12
	ErrCodeBufferTooSmall ErrorCode = -13
)

// Sentinel errors. Each wraps a stable ErrorCode so callers can use
// errors.Is against the sentinel while embedders read the numeric code via
// CodeOf.
var (
	ErrInvalidParams  = &busError{code: ErrCodeInvalidParams, msg: "invalid parameters"}
	ErrBufferFull     = &busError{code: ErrCodeBufferFull, msg: "segment full"}
	ErrBufferEmpty    = &busError{code: ErrCodeBufferEmpty, msg: "no message available"}
	ErrInvalidHandle  = &busError{code: ErrCodeInvalidHandle, msg: "invalid or destroyed bus handle"}
	ErrOOM            = &busError{code: ErrCodeOOM, msg: "out of memory"}
	ErrCorruptedData  = &busError{code: ErrCodeCorruptedData, msg: "corrupted message"}
	ErrMsgTooLarge    = &busError{code: ErrCodeMsgTooLarge, msg: "message exceeds the bus's maximum payload size"}
	ErrThrottled      = &busError{code: ErrCodeThrottled, msg: "admission throttled: high-water mark reached"}
	ErrInvalidTicket  = &busError{code: ErrCodeInvalidTicket, msg: "invalid feedback ticket"}
	ErrNotInitialized = &busError{code: ErrCodeNotInitialized, msg: "bus not initialized"}
	ErrUnknownID      = &busError{code: ErrCodeUnknownID, msg: "unknown producer or consumer id"}
	ErrClosed         = &busError{code: ErrCodeClosed, msg: "bus closed or segment detached"}
	ErrBufferTooSmall = &busError{code: ErrCodeBufferTooSmall, msg: "output buffer too small"}
)

// busError is a pre-allocated, comparable error carrying a stable code.
// Pre-allocating avoids allocations on the hot path (the teacher's own
// "zero allocations in hot path" goal, lethe.go).
type busError struct {
	code ErrorCode
	msg  string
}

func (e *busError) Error() string { return e.msg }

// CodeOf extracts the stable ErrorCode from an error returned by this
// package. Returns Success, false if err is nil, and an unspecified
// negative code, true for any other non-nil error.
func CodeOf(err error) (ErrorCode, bool) {
	if err == nil {
		return Success, false
	}
	var be *busError
	if errors.As(err, &be) {
		return be.code, true
	}
	return ErrCodeInvalidParams, true
}
