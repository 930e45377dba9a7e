package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	staging "github.com/ef-robotics/ailet/pkg/staging"
)

var ErrClosed = errors.New("upload pipeline closed")

type Options struct {
	URL  string
	Form Form
	// Timeout bounds a single attempt, connection to last response byte.
	Timeout time.Duration
	// MaxInFlight caps concurrent transfers. Enqueue never waits on it.
	MaxInFlight int
	// MaxAttempts of 1 disables retries. Only transport failures and 5xx
	// responses are retried.
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
}

// Discarder releases a staged frame once its outcome is known.
type Discarder interface {
	Discard(staging.Frame)
}

type Stats struct {
	Enqueued uint64
	Uploaded uint64
	Rejected uint64
	Failed   uint64
	InFlight int64
}

// Pipeline posts staged frames to the photos endpoint. Each frame is attempted
// independently and resolves to exactly one Outcome.
type Pipeline struct {
	opt       Options
	client    *http.Client
	store     Discarder
	reporters []Reporter

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	enqueued atomic.Uint64
	uploaded atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
	inflight atomic.Int64
}

func New(opt Options, client *http.Client, store Discarder, reporters ...Reporter) *Pipeline {
	opt.setDefaults()
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		opt:       opt,
		client:    client,
		store:     store,
		reporters: reporters,
		sem:       make(chan struct{}, opt.MaxInFlight),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue schedules f for transfer and returns immediately.
func (p *Pipeline) Enqueue(f staging.Frame) {
	p.enqueued.Add(1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.resolve(f, Outcome{Status: StatusTransportFailure, Err: ErrClosed}, time.Now())
		return
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	go p.transfer(f)
}

func (p *Pipeline) transfer(f staging.Frame) {
	defer p.wg.Done()
	start := time.Now()

	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		p.resolve(f, Outcome{Status: StatusTransportFailure, Err: p.ctx.Err()}, start)
		return
	}
	defer func() { <-p.sem }()

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	// a frame that cannot be read is never sent, so there is nothing to retry
	body, contentType, err := encode(p.opt.Form, f)
	if err != nil {
		p.resolve(f, Outcome{Status: StatusTransportFailure, Err: fmt.Errorf("build form: %w", err)}, start)
		return
	}

	var o Outcome
	for attempt := 1; ; attempt++ {
		code, err := p.post(body.Bytes(), contentType)
		o = Outcome{Attempts: attempt, Code: code}
		switch {
		case err != nil:
			o.Status, o.Err = StatusTransportFailure, err
		case code >= 200 && code < 300:
			o.Status = StatusUploaded
		default:
			o.Status = StatusRemoteRejected
		}

		retryable := o.Status == StatusTransportFailure || (o.Status == StatusRemoteRejected && code >= 500)
		if !retryable || attempt >= p.opt.MaxAttempts {
			break
		}
		slog.Debug("retrying upload", "id", f.ID, "attempt", attempt, "outcome", o)
		select {
		case <-time.After(p.opt.RetryBackoff):
		case <-p.ctx.Done():
			p.resolve(f, o, start)
			return
		}
	}
	p.resolve(f, o, start)
}

func (p *Pipeline) post(body []byte, contentType string) (int, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opt.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opt.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// resolve discards the frame and then reports the outcome.
func (p *Pipeline) resolve(f staging.Frame, o Outcome, start time.Time) {
	o.FrameID = f.ID
	o.Name = f.Name
	o.Size = f.Size
	o.At = time.Now()
	o.Elapsed = o.At.Sub(start)

	switch o.Status {
	case StatusUploaded:
		p.uploaded.Add(1)
	case StatusRemoteRejected:
		p.rejected.Add(1)
	default:
		p.failed.Add(1)
	}

	if p.store != nil {
		p.store.Discard(f)
	}
	for _, r := range p.reporters {
		r.Report(o)
	}
}

// Close stops accepting frames and waits for in-flight transfers. When ctx
// ends first the remaining transfers are aborted and still resolved.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued: p.enqueued.Load(),
		Uploaded: p.uploaded.Load(),
		Rejected: p.rejected.Load(),
		Failed:   p.failed.Load(),
		InFlight: p.inflight.Load(),
	}
}
