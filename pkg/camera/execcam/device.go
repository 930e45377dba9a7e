// Package execcam captures stills by running an external tool that writes a
// JPEG to stdout, such as rpicam-jpeg or fswebcam.
package execcam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	camera "github.com/ef-robotics/ailet/pkg/camera"
)

// DefaultCommand is used when no command is configured. Placeholders
// {device}, {width} and {height} are substituted before each run.
var DefaultCommand = []string{
	"rpicam-jpeg",
	"--width", "{width}",
	"--height", "{height}",
	"--timeout", "1",
	"--nopreview",
	"--output", "-",
}

var defaultResolution = camera.Resolution{Width: 1280, Height: 720}

func init() {
	camera.Register("exec", func(opt camera.DriverOptions) camera.Driver {
		return &Driver{Command: opt.Command}
	})
}

type Driver struct {
	Command []string
}

func (d *Driver) Open(ctx context.Context, selector string) (camera.Device, error) {
	argv := d.Command
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrNoDevice, err)
	}
	if node := camera.DevicePath(selector); node != "" && strings.Contains(strings.Join(argv, " "), "{device}") {
		if _, err := os.Stat(node); err != nil {
			return nil, fmt.Errorf("%w: %v", camera.ErrNoDevice, err)
		}
	}
	return &Device{
		path:     path,
		args:     argv[1:],
		selector: selector,
	}, nil
}

type Device struct {
	path     string
	args     []string
	selector string

	mu     sync.Mutex
	res    camera.Resolution
	closed bool
}

// Configure accepts the requested resolution; the tool scales to it.
func (d *Device) Configure(want camera.Resolution) (camera.Resolution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if want.Width <= 0 || want.Height <= 0 {
		want = defaultResolution
	}
	d.res = want
	return want, nil
}

func (d *Device) Still(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	closed, res := d.closed, d.res
	d.mu.Unlock()
	if closed {
		return nil, camera.ErrDeviceLost
	}

	if node := camera.DevicePath(d.selector); node != "" {
		if _, err := os.Stat(node); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", node, camera.ErrDeviceLost)
		}
	}

	cmd := exec.CommandContext(ctx, d.path, expand(d.args, d.selector, res)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", d.path, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s returned empty frame", d.path)
	}
	return stdout.Bytes(), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func expand(args []string, selector string, res camera.Resolution) []string {
	r := strings.NewReplacer(
		"{device}", selector,
		"{width}", strconv.Itoa(res.Width),
		"{height}", strconv.Itoa(res.Height),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
