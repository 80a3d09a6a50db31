// Copyright (c) 2023 The Meowcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"errors"

	"github.com/meowcoin/meowminer/internal/device"
)

// ErrorKind identifies a kind of error. It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind
// when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrNoDevices indicates the backend enumerated no usable devices.
	ErrNoDevices = ErrorKind("ErrNoDevices")

	// ErrFarmRunning indicates a farm mutation that requires the farm to
	// be stopped.
	ErrFarmRunning = ErrorKind("ErrFarmRunning")

	// ErrInvariant indicates a broken internal invariant. It is a
	// programmer bug and terminates the process.
	ErrInvariant = ErrorKind("ErrInvariant")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a mining error. It has full support for errors.Is and
// errors.As, so the caller can ascertain the specific reason for the
// error by checking the underlying error.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a kind and a description.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}

// isFatal returns whether the provided error is an unrecoverable backend
// failure that must terminate the process.
func isFatal(err error) bool {
	return errors.Is(err, device.ErrBackendFatal)
}
