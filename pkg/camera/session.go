package camera

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	StateClosed State = iota
	StateOpening
	StateReady
	StateCapturing
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateReady:
		return "ready"
	case StateCapturing:
		return "capturing"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Still is one captured frame as produced by the device.
type Still struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// Result resolves one CaptureFrame request. Exactly one of Still or Err is set.
type Result struct {
	Still Still
	Err   error
}

type Options struct {
	Resolution Resolution
}

type Info struct {
	Device     string
	State      State
	Resolution Resolution
	Targets    []Target
	Captures   uint64
}

type request struct {
	gen   uint64
	reply chan Result
}

// Session owns one open device and its capture session. Captures are
// serialized: at most one request is outstanding at a time.
type Session struct {
	driver Driver
	perm   Permission
	opt    Options

	state atomic.Int32

	mu       sync.Mutex
	device   Device
	deviceID string
	res      Resolution
	targets  []Target
	gen      uint64
	seq      uint64
	pending  *request
	reqC     chan request
	cancel   context.CancelFunc
	faults   chan error
	now      func() time.Time
}

func NewSession(driver Driver, perm Permission, opt Options) *Session {
	if perm == nil {
		perm = AllowAll
	}
	return &Session{
		driver: driver,
		perm:   perm,
		opt:    opt,
		faults: make(chan error, 1),
		now:    time.Now,
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Faults delivers device errors that closed the session outside of Open.
func (s *Session) Faults() <-chan error {
	return s.faults
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Device:     s.deviceID,
		State:      s.State(),
		Resolution: s.res,
		Targets:    append([]Target(nil), s.targets...),
		Captures:   s.seq,
	}
}

// Open acquires the device, negotiates a resolution and binds the preview and
// still targets. On failure the session stays Closed.
func (s *Session) Open(ctx context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateClosed {
		return &StateError{Op: "open", State: st}
	}
	s.setState(StateOpening)

	fail := func(op string, err error) error {
		s.setState(StateClosed)
		slog.Warn("failed to open camera", "device", selector, "op", op, "err", err)
		return &DeviceError{Op: op, Device: selector, Err: err}
	}

	if err := s.perm.Check(ctx, selector); err != nil {
		if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrNoDevice) {
			err = errors.Join(ErrPermissionDenied, err)
		}
		return fail("permission", err)
	}

	dev, err := s.driver.Open(ctx, selector)
	if err != nil {
		return fail("open", err)
	}

	res, err := dev.Configure(s.opt.Resolution)
	if err != nil {
		dev.Close()
		return fail("configure", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.device = dev
	s.deviceID = selector
	s.res = res
	s.targets = []Target{TargetPreview, TargetStill}
	s.gen++
	s.reqC = make(chan request, 1)
	s.cancel = cancel

	go s.completionLoop(loopCtx, dev, s.reqC)

	s.setState(StateReady)
	slog.Info("camera session ready", "device", selector, "resolution", res)
	return nil
}

// CaptureFrame submits a one-shot still request. The returned channel receives
// exactly one Result and is never closed.
func (s *Session) CaptureFrame(ctx context.Context) (<-chan Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateReady {
		return nil, &StateError{Op: "capture", State: st}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := request{gen: s.gen, reply: make(chan Result, 1)}
	s.pending = &req
	s.setState(StateCapturing)
	s.reqC <- req
	return req.reply, nil
}

// completionLoop is the only goroutine that talks to the device after Open.
func (s *Session) completionLoop(ctx context.Context, dev Device, reqC <-chan request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-reqC:
			data, err := dev.Still(ctx)
			s.complete(req, data, err)
		}
	}
}

func (s *Session) complete(req request, data []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.gen != s.gen || s.pending == nil || s.pending.reply != req.reply {
		// Close already resolved this request; the frame is dropped.
		slog.Debug("dropping capture completed after close", "device", s.deviceID)
		return
	}
	s.pending = nil

	switch {
	case err == nil && len(data) == 0:
		s.setState(StateReady)
		req.reply <- Result{Err: &CaptureError{Err: errors.New("empty frame")}}
	case err == nil:
		s.seq++
		s.setState(StateReady)
		req.reply <- Result{Still: Still{Seq: s.seq, Data: data, CapturedAt: s.now()}}
	case errors.Is(err, ErrDeviceLost):
		derr := &DeviceError{Op: "capture", Device: s.deviceID, Err: err}
		s.teardown()
		req.reply <- Result{Err: derr}
		select {
		case s.faults <- derr:
		default:
		}
		slog.Error("camera device lost", "device", s.deviceID, "err", err)
	default:
		s.setState(StateReady)
		req.reply <- Result{Err: &CaptureError{Err: err}}
	}
}

// Close releases the capture session and the device. It is safe to call in any
// state and more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return nil
	}
	s.setState(StateClosing)
	if s.pending != nil {
		s.pending.reply <- Result{Err: ErrSessionClosed}
		s.pending = nil
	}
	err := s.teardown()
	slog.Info("camera session closed", "device", s.deviceID)
	return err
}

// teardown must be called with mu held.
func (s *Session) teardown() error {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var err error
	if s.device != nil {
		err = s.device.Close()
		s.device = nil
	}
	s.targets = nil
	s.setState(StateClosed)
	return err
}
