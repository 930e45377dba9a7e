package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Target is an output bound to the capture session.
type Target int

const (
	TargetPreview Target = iota
	TargetStill
)

func (t Target) String() string {
	switch t {
	case TargetPreview:
		return "preview"
	case TargetStill:
		return "still"
	default:
		return "unknown"
	}
}

// Device is an opened camera. Still blocks until one JPEG encoded frame is
// available. Implementations wrap ErrDeviceLost when the hardware went away.
type Device interface {
	Configure(want Resolution) (Resolution, error)
	Still(ctx context.Context) ([]byte, error)
	Close() error
}

// Driver opens devices by selector, e.g. "0" or "/dev/video2".
type Driver interface {
	Open(ctx context.Context, selector string) (Device, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, selector string) (Device, error)

func (f DriverFunc) Open(ctx context.Context, selector string) (Device, error) {
	return f(ctx, selector)
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]func(opt DriverOptions) Driver{}
)

// DriverOptions carries driver specific settings from configuration.
type DriverOptions struct {
	Command []string
}

// Register makes a driver available by name. It panics on duplicates.
func Register(name string, factory func(opt DriverOptions) Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("camera: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("camera: Register called twice for driver " + name)
	}
	drivers[name] = factory
}

func Lookup(name string, opt DriverOptions) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownDriver, name, Drivers())
	}
	return factory(opt), nil
}

func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
