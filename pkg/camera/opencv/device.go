package opencv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	camera "github.com/ef-robotics/ailet/pkg/camera"
	gocv "gocv.io/x/gocv"
)

func init() {
	camera.Register("opencv", func(camera.DriverOptions) camera.Driver { return Driver{} })
}

// Driver opens V4L2/AVFoundation devices through OpenCV.
type Driver struct{}

func (Driver) Open(ctx context.Context, selector string) (camera.Device, error) {
	var source interface{} = selector
	if idx, err := strconv.Atoi(selector); err == nil {
		source = idx
	}
	vc, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", camera.ErrNoDevice, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", camera.ErrNoDevice, selector)
	}
	return &Device{vc: vc}, nil
}

type Device struct {
	mu sync.Mutex
	vc *gocv.VideoCapture
}

// Configure requests want and reports what the device settled on.
func (d *Device) Configure(want camera.Resolution) (camera.Resolution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if want.Width > 0 && want.Height > 0 {
		d.vc.Set(gocv.VideoCaptureFrameWidth, float64(want.Width))
		d.vc.Set(gocv.VideoCaptureFrameHeight, float64(want.Height))
	}
	got := camera.Resolution{
		Width:  int(d.vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(d.vc.Get(gocv.VideoCaptureFrameHeight)),
	}
	if got.Width <= 0 || got.Height <= 0 {
		return got, errors.New("device reported no usable resolution")
	}
	return got, nil
}

func (d *Device) Still(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc == nil {
		return nil, camera.ErrDeviceLost
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := gocv.NewMat()
	defer img.Close()

	if ok := d.vc.Read(&img); !ok {
		if !d.vc.IsOpened() {
			return nil, fmt.Errorf("cannot read device: %w", camera.ErrDeviceLost)
		}
		return nil, errors.New("cannot read device")
	}
	if img.Empty() {
		return nil, errors.New("no image on device")
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	return append([]byte(nil), buf.GetBytes()...), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.vc = nil
	return err
}
