//go:build unix

package camera

import (
	"context"
	"errors"
	"fmt"

	unix "golang.org/x/sys/unix"
)

// DevicePermission grants access when the current process may read and write
// the device node behind the selector. Selectors without a node (URLs,
// pipelines) are granted.
var DevicePermission Permission = PermissionFunc(func(ctx context.Context, selector string) error {
	path := DevicePath(selector)
	if path == "" {
		return nil
	}
	err := unix.Access(path, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%w: %s", ErrNoDevice, path)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	default:
		return fmt.Errorf("access %s: %w", path, err)
	}
})
