package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	camera "github.com/ef-robotics/ailet/pkg/camera"
	scheduler "github.com/ef-robotics/ailet/pkg/scheduler"
	staging "github.com/ef-robotics/ailet/pkg/staging"
	upload "github.com/ef-robotics/ailet/pkg/upload"
)

type PipelineState int32

const (
	Stopped PipelineState = iota
	Recording
)

func (s PipelineState) String() string {
	if s == Recording {
		return "recording"
	}
	return "stopped"
}

type Options struct {
	Device         string
	Interval       time.Duration
	CaptureTimeout time.Duration
}

type Status struct {
	State         PipelineState
	Since         time.Time
	Camera        camera.Info
	Scheduler     scheduler.Stats
	Upload        upload.Stats
	StorageErrors uint64
	LastError     error
}

// Recorder is the control surface over one camera session: it opens the
// session, drives the capture cadence and hands every still to staging and
// upload. Upload failures never reach it.
type Recorder struct {
	session  *camera.Session
	store    *staging.Store
	pipeline *upload.Pipeline
	sched    *scheduler.Scheduler
	opt      Options

	mu        sync.Mutex
	state     PipelineState
	since     time.Time
	listeners []func(recording bool)
	events    []bool // transitions not yet delivered to listeners

	notifyC  chan struct{}
	quit     chan struct{}
	notified chan struct{}
	quitOnce sync.Once

	// errMu guards lastErr only. Scheduler callbacks take it while Stop,
	// holding mu, waits on them.
	errMu   sync.Mutex
	lastErr error

	storageErrors atomic.Uint64
	done          chan struct{}
	closeOnce     sync.Once
}

func New(session *camera.Session, store *staging.Store, pipeline *upload.Pipeline, opt Options) *Recorder {
	if opt.Interval <= 0 {
		opt.Interval = scheduler.DefaultInterval
	}
	r := &Recorder{
		session:  session,
		store:    store,
		pipeline: pipeline,
		opt:      opt,
		since:    time.Now(),
		done:     make(chan struct{}),
		notifyC:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		notified: make(chan struct{}),
	}
	r.sched = scheduler.New(session, r.handleStill, scheduler.Options{
		CaptureTimeout: opt.CaptureTimeout,
		OnError:        r.setLastError,
	})
	go r.watchFaults()
	go r.notifyLoop()
	return r
}

// StartRecording makes sure the camera session is ready and starts the
// capture cadence. It is a no-op while recording.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Recording {
		return nil
	}
	if r.session.State() == camera.StateClosed {
		if err := r.session.Open(ctx, r.opt.Device); err != nil {
			r.setLastError(err)
			return err
		}
	}
	if err := r.sched.Start(r.opt.Interval); err != nil {
		return err
	}
	r.setState(Recording)
	slog.Info("recording started", "device", r.opt.Device, "interval", r.opt.Interval)
	return nil
}

// StopRecording halts new captures. The camera session stays open.
func (r *Recorder) StopRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Recorder) stopLocked() {
	r.sched.Stop()
	if r.state == Recording {
		r.setState(Stopped)
		slog.Info("recording stopped")
	}
}

// setState must be called with mu held. Listeners are notified from
// notifyLoop, in transition order.
func (r *Recorder) setState(s PipelineState) {
	r.state = s
	r.since = time.Now()
	r.events = append(r.events, s == Recording)
	select {
	case r.notifyC <- struct{}{}:
	default:
	}
}

func (r *Recorder) notifyLoop() {
	defer close(r.notified)
	for {
		select {
		case <-r.notifyC:
			r.deliver()
		case <-r.quit:
			r.deliver()
			return
		}
	}
}

func (r *Recorder) deliver() {
	r.mu.Lock()
	events := r.events
	listeners := append(([]func(bool))(nil), r.listeners...)
	r.events = nil
	r.mu.Unlock()

	for _, recording := range events {
		for _, fn := range listeners {
			fn(recording)
		}
	}
}

// OnStateChange registers fn to be called on every transition. Calls come
// from one goroutine, in order, shortly after the transition.
func (r *Recorder) OnStateChange(fn func(recording bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Recorder) State() PipelineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	st := Status{State: r.state, Since: r.since}
	r.mu.Unlock()

	r.errMu.Lock()
	st.LastError = r.lastErr
	r.errMu.Unlock()

	st.Camera = r.session.Info()
	st.Scheduler = r.sched.Stats()
	st.Upload = r.pipeline.Stats()
	st.StorageErrors = r.storageErrors.Load()
	return st
}

// Shutdown stops recording, lets in-flight captures reach the pipeline, closes
// the camera and drains uploads.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.done) })
	r.StopRecording()

	// a capture stuck on the device is released by closing the session
	drained := make(chan struct{})
	go func() {
		r.sched.Wait()
		close(drained)
	}()
	wait := time.NewTimer(r.captureTimeout())
	defer wait.Stop()
	select {
	case <-drained:
	case <-wait.C:
		slog.Warn("capture still in flight at shutdown, closing camera")
	case <-ctx.Done():
	}

	var errs []error
	if err := r.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close camera: %w", err))
	}
	<-drained
	if err := r.pipeline.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain uploads: %w", err))
	}
	r.quitOnce.Do(func() { close(r.quit) })
	<-r.notified
	return errors.Join(errs...)
}

func (r *Recorder) captureTimeout() time.Duration {
	if r.opt.CaptureTimeout > 0 {
		return r.opt.CaptureTimeout
	}
	return r.opt.Interval
}

func (r *Recorder) handleStill(still camera.Still) {
	frame, err := r.store.Save(still.Data, still.CapturedAt)
	if err != nil {
		r.storageErrors.Add(1)
		slog.Error("failed to stage frame", "seq", still.Seq, "err", err)
		return
	}
	slog.Debug("frame staged", "id", frame.ID, "size", frame.Size)
	r.pipeline.Enqueue(frame)
}

func (r *Recorder) setLastError(err error) {
	r.errMu.Lock()
	r.lastErr = err
	r.errMu.Unlock()
}

func (r *Recorder) watchFaults() {
	for {
		select {
		case <-r.done:
			return
		case err := <-r.session.Faults():
			r.handleFault(err)
		}
	}
}

// handleFault stops recording after the session closed on a device fault. A
// fault from a session that has since been reopened is only recorded.
func (r *Recorder) handleFault(err error) {
	r.setLastError(err)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session.State() != camera.StateClosed {
		slog.Warn("camera fault from a previous session", "err", err)
		return
	}
	slog.Error("camera fault, recording stopped", "err", err)
	r.stopLocked()
}
