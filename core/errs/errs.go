// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package errs holds the error kinds shared by the device components.
//
// Components translate their local errors into one of these kinds at their boundary
// with Wrap, callers test for a kind with errors.Is. Only ErrFatalDeviceFault leads
// to a device restart.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a bounded wait expires
	ErrTimeout error = errors.New("timed out")
	// ErrNotFound is returned for absent settings or credentials
	ErrNotFound error = errors.New("not found")
	// ErrInvalidInput is returned for malformed or oversized input
	ErrInvalidInput error = errors.New("invalid input")
	// ErrTransientConnection is returned when connecting failed and may be retried
	ErrTransientConnection error = errors.New("transient connection failure")
	// ErrFatalDeviceFault is returned when only a device restart can recover
	ErrFatalDeviceFault error = errors.New("fatal device fault")

	// ErrNotReady is returned by components used before they are initialized
	ErrNotReady error = errors.New("not ready")
	// ErrSendFailed is returned when a message could not be handed to the hub
	ErrSendFailed error = errors.New("send failed")
	// ErrBufferOverflow is returned when a document exceeds its size bound
	ErrBufferOverflow error = errors.New("buffer overflow")
	// ErrAlreadyAssigned is returned by DPS for a device that has an assignment
	ErrAlreadyAssigned error = errors.New("already assigned")
)

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Wrap returns an error of the given kind that also wraps cause.
func Wrap(cause error, kind error) error {
	return &kindError{kind: kind, cause: cause}
}

// Wrapf returns an error of the given kind with a formatted message.
func Wrapf(kind error, format string, args ...interface{}) error {
	return &kindError{kind: kind, cause: fmt.Errorf(format, args...)}
}

// IsFatal tells whether err must escalate to a device restart.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalDeviceFault)
}
