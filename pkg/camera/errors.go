package camera

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState     = errors.New("invalid camera state")
	ErrDeviceLost       = errors.New("camera device lost")
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera device")
	ErrSessionClosed    = errors.New("camera session closed")
	ErrUnknownDriver    = errors.New("unknown camera driver")
)

// DeviceError is fatal to the current session. The session is Closed when one
// is returned and reopening is left to the caller.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("camera %s %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// StateError rejects an operation that is not valid in the current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("camera %s: session is %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// CaptureError is a failed still capture that left the device usable.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture still: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
