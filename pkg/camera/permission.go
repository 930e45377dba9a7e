package camera

import (
	"context"
	"strconv"
	"strings"
)

// Permission is checked before a device is opened. A nil error grants access.
type Permission interface {
	Check(ctx context.Context, selector string) error
}

type PermissionFunc func(ctx context.Context, selector string) error

func (f PermissionFunc) Check(ctx context.Context, selector string) error {
	return f(ctx, selector)
}

// AllowAll grants every request.
var AllowAll Permission = PermissionFunc(func(context.Context, string) error { return nil })

// DevicePath maps a selector to its device node. Numeric selectors are V4L2
// indexes.
func DevicePath(selector string) string {
	if _, err := strconv.Atoi(selector); err == nil {
		return "/dev/video" + selector
	}
	if strings.HasPrefix(selector, "/") {
		return selector
	}
	return ""
}
