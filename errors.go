// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imrsim

import "github.com/pkg/errors"

// Code identifies one of the numeric error conditions the core can raise
// against a block request or a control-surface call.
type Code uint32

const (
	// CodeNone means no error is recorded.
	CodeNone Code = iota
	CodeOutRange
	CodeReadBorder
	CodeWriteBorder
	CodeReadPointer
	CodeWriteRO
	CodeWritePointer
	CodeWriteAlign
	CodeWriteFull
	CodeZoneOffline
	CodeOutOfPolicy
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "NONE"
	case CodeOutRange:
		return "OUT_RANGE"
	case CodeReadBorder:
		return "READ_BORDER"
	case CodeWriteBorder:
		return "WRITE_BORDER"
	case CodeReadPointer:
		return "READ_POINTER"
	case CodeWriteRO:
		return "WRITE_RO"
	case CodeWritePointer:
		return "WRITE_POINTER"
	case CodeWriteAlign:
		return "WRITE_ALIGN"
	case CodeWriteFull:
		return "WRITE_FULL"
	case CodeZoneOffline:
		return "ZONE_OFFLINE"
	case CodeOutOfPolicy:
		return "OUT_OF_POLICY"
	default:
		return "UNKNOWN"
	}
}

// SimError is a domain error code, optionally wrapping an underlying
// cause (e.g. a real backing-device I/O failure that triggered it).
type SimError struct {
	Code  Code
	cause error
}

func newErr(code Code) *SimError {
	return &SimError{Code: code}
}

func wrapErr(code Code, cause error, msg string) *SimError {
	return &SimError{Code: code, cause: errors.Wrap(cause, msg)}
}

func (e *SimError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return e.Code.String() + ": " + e.cause.Error()
	}
	return e.Code.String()
}

// Unwrap lets errors.Is/errors.As and github.com/pkg/errors.Cause reach
// the underlying I/O failure, if any.
func (e *SimError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}
