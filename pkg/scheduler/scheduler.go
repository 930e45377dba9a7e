package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	camera "github.com/ef-robotics/ailet/pkg/camera"
)

const DefaultInterval = 5 * time.Second

var ErrCaptureTimeout = errors.New("capture timed out")

// Capturer is the part of a camera session the scheduler drives.
type Capturer interface {
	CaptureFrame(ctx context.Context) (<-chan camera.Result, error)
}

type Options struct {
	// CaptureTimeout is how long a capture may take before it is reported as
	// late. A late still is still handed off when it arrives. Zero means the
	// interval is used.
	CaptureTimeout time.Duration
	// OnError receives capture failures. It is called from a worker goroutine.
	OnError func(error)
}

type Stats struct {
	Ticks    uint64
	Captures uint64
	Skipped  uint64
	Failed   uint64
	Late     uint64
}

// Scheduler triggers one capture per tick with at most one capture in flight.
// A tick that finds a capture outstanding is skipped, never queued.
type Scheduler struct {
	cam    Capturer
	handle func(camera.Still)
	opt    Options

	newTicker func(time.Duration) (<-chan time.Time, func())

	mu     sync.Mutex
	cancel context.CancelFunc
	loop   chan struct{}

	busy     atomic.Bool
	inflight sync.WaitGroup

	ticks    atomic.Uint64
	captures atomic.Uint64
	skipped  atomic.Uint64
	failed   atomic.Uint64
	late     atomic.Uint64
}

func New(cam Capturer, handle func(camera.Still), opt Options) *Scheduler {
	return &Scheduler{
		cam:    cam,
		handle: handle,
		opt:    opt,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Start begins ticking every interval. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid capture interval %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	tickC, stopTicker := s.newTicker(interval)
	s.cancel = cancel
	s.loop = make(chan struct{})

	timeout := s.opt.CaptureTimeout
	if timeout <= 0 {
		timeout = interval
	}

	go func(done chan struct{}) {
		defer close(done)
		defer stopTicker()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickC:
				s.tick(timeout)
			}
		}
	}(s.loop)

	slog.Info("capture scheduler started", "interval", interval)
	return nil
}

// Stop halts new ticks. Captures already in flight still complete and are
// handed off. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, loop := s.cancel, s.loop
	s.cancel, s.loop = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-loop
	slog.Info("capture scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Wait blocks until every in-flight capture has been handed off or failed.
// A capture stuck on the device is only released by closing the session.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:    s.ticks.Load(),
		Captures: s.captures.Load(),
		Skipped:  s.skipped.Load(),
		Failed:   s.failed.Load(),
		Late:     s.late.Load(),
	}
}

// tick never blocks on the device.
func (s *Scheduler) tick(timeout time.Duration) {
	s.ticks.Add(1)

	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		slog.Debug("capture in flight, skipping tick")
		return
	}

	resC, err := s.cam.CaptureFrame(context.Background())
	if err != nil {
		s.busy.Store(false)
		if errors.Is(err, camera.ErrInvalidState) {
			s.skipped.Add(1)
			slog.Debug("camera not ready, skipping tick", "err", err)
			return
		}
		s.fail(err)
		return
	}

	s.inflight.Add(1)
	go s.await(resC, timeout)
}

// await holds the busy flag until the session resolves the request, so a slow
// device makes ticks skip rather than lose its still.
func (s *Scheduler) await(resC <-chan camera.Result, timeout time.Duration) {
	defer s.inflight.Done()
	defer s.busy.Store(false)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resC:
		s.resolve(res)
		return
	case <-timer.C:
	}

	s.late.Add(1)
	slog.Warn("capture is late, waiting for device", "timeout", timeout)
	if s.opt.OnError != nil {
		s.opt.OnError(ErrCaptureTimeout)
	}
	s.resolve(<-resC)
}

func (s *Scheduler) resolve(res camera.Result) {
	if res.Err != nil {
		s.fail(res.Err)
		return
	}
	s.captures.Add(1)
	slog.Debug("took picture", "seq", res.Still.Seq, "bytes", len(res.Still.Data))
	s.handle(res.Still)
}

func (s *Scheduler) fail(err error) {
	s.failed.Add(1)
	slog.Warn("failed to take picture", "err", err)
	if s.opt.OnError != nil {
		s.opt.OnError(err)
	}
}
