// Package devicefleet implements a priority scheduler for commands run
// against a fleet of physical or virtual devices reachable over a debug
// bridge, together with the device pool and recovery machinery that keep
// the fleet usable while devices reboot, wedge, or drop offline.
package devicefleet

import "github.com/ehrlich-b/devicefleet/internal/operr"

// Error, ErrorClass, and OperationErrorCode are re-exported from
// internal/operr at the root so callers of this package see them as
// devicefleet types.
type (
	Error              = operr.Error
	ErrorClass         = operr.ErrorClass
	OperationErrorCode = operr.Code
)

const (
	ClassTransient    = operr.ClassTransient
	ClassDeviceGone   = operr.ClassDeviceGone
	ClassDeviceWedged = operr.ClassDeviceWedged
	ClassLogic        = operr.ClassLogic
	ClassFatalHost    = operr.ClassFatalHost
)

const (
	ErrCodeDeviceNotFound     = operr.CodeDeviceNotFound
	ErrCodeDeviceBusy         = operr.CodeDeviceBusy
	ErrCodeDeviceOffline      = operr.CodeDeviceOffline
	ErrCodeDeviceUnresponsive = operr.CodeDeviceUnresponsive
	ErrCodeInvalidParameters  = operr.CodeInvalidParameters
	ErrCodeTimeout            = operr.CodeTimeout
	ErrCodeBridgeError        = operr.CodeBridgeError
	ErrCodeShuttingDown       = operr.CodeShuttingDown
	ErrCodeNoMatchingDevice   = operr.CodeNoMatchingDevice
)

// NewError creates an operation-scoped error with the default
// classification for its code.
func NewError(op string, code OperationErrorCode, msg string) *Error {
	return operr.New(op, code, msg)
}

// NewDeviceError creates a device-scoped error.
func NewDeviceError(op, serial string, code OperationErrorCode, msg string) *Error {
	return operr.NewDevice(op, serial, code, msg)
}

// WrapError wraps an arbitrary error with operation context, preserving
// classification if the inner error is already one of ours.
func WrapError(op string, inner error) *Error {
	return operr.Wrap(op, inner)
}

// IsCode reports whether err (or any error it wraps) matches code.
func IsCode(err error, code OperationErrorCode) bool {
	return operr.IsCode(err, code)
}

// ClassOf extracts the retry/recovery classification of err, defaulting
// to ClassFatalHost for errors this package did not produce.
func ClassOf(err error) ErrorClass {
	return operr.ClassOf(err)
}
