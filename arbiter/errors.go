// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package arbiter

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorCode int

const (
	ErrorOK ErrorCode = iota
	ErrorAlreadyInit
	ErrorNotInit
	ErrorNvmNull
	ErrorNvmNumber
	ErrorNvmNotAligned
	ErrorNvmOverlapFlash
	ErrorNvmBankNumber
	ErrorNvmBankSize
	ErrorNvmBankEmpty
	ErrorNvmBankCorrupted
	ErrorCrcInit
	ErrorCmdPending
	ErrorBufferIdUnknown
	ErrorBufferNotRegistered
	ErrorBufferNull
	ErrorBufferSize
	ErrorBufferSlotUsed
	ErrorBankOverflow
	ErrorBufferConfigMismatch
	ErrorFlashError
	ErrorHardwareStuck
	ErrorUnknown
)

var errorCodeNames = map[ErrorCode]string{
	ErrorOK:                   "ok",
	ErrorAlreadyInit:          "already initialized",
	ErrorNotInit:              "not initialized",
	ErrorNvmNull:              "nvm start address is null",
	ErrorNvmNumber:            "invalid nvm count",
	ErrorNvmNotAligned:        "nvm start address is not aligned",
	ErrorNvmOverlapFlash:      "nvm region overlaps flash bounds",
	ErrorNvmBankNumber:        "invalid bank count",
	ErrorNvmBankSize:          "invalid bank size",
	ErrorNvmBankEmpty:         "no valid bank to restore from",
	ErrorNvmBankCorrupted:     "restore bank is corrupted",
	ErrorCrcInit:              "crc engine registration failed",
	ErrorCmdPending:           "a command is pending",
	ErrorBufferIdUnknown:      "unknown buffer id",
	ErrorBufferNotRegistered:  "buffer is not registered",
	ErrorBufferNull:           "buffer is null",
	ErrorBufferSize:           "buffer size is zero",
	ErrorBufferSlotUsed:       "buffer slot already in use",
	ErrorBankOverflow:         "buffers exceed bank capacity",
	ErrorBufferConfigMismatch: "stored buffer does not match registration",
	ErrorFlashError:           "flash operation rejected",
	ErrorHardwareStuck:        "flash hardware does not complete",
	ErrorUnknown:              "unknown error",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Error is returned by every arbiter entry point.
type Error struct {
	errorString string
	Code        ErrorCode
}

func (e *Error) Error() string {
	return e.errorString
}

// Is matches errors by code, so errors.Is(err, &Error{Code: ErrorCmdPending})
// works on wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func NewError(code ErrorCode, format string, args ...interface{}) error {
	msg := code.String()

	if format != "" {
		msg = fmt.Sprintf("%s: %s", msg, fmt.Sprintf(format, args...))
	}

	return &Error{msg, code}
}

// Code returns the ErrorCode carried by err, ErrorOK for nil and ErrorUnknown
// for foreign errors.
func Code(err error) ErrorCode {
	if err == nil {
		return ErrorOK
	}

	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Code
	}

	return ErrorUnknown
}
