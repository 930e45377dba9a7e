//go:build !unix

package camera

var DevicePermission = AllowAll
