package recorder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	camera "github.com/ef-robotics/ailet/pkg/camera"
	staging "github.com/ef-robotics/ailet/pkg/staging"
	upload "github.com/ef-robotics/ailet/pkg/upload"
)

// stillDevice serves limit stills (0 = unlimited), each taking delay. Further
// requests block until the session is closed. lost makes the next request
// report ErrDeviceLost.
type stillDevice struct {
	mu     sync.Mutex
	stills int
	limit  int
	delay  time.Duration
	lost   bool
}

func (d *stillDevice) Configure(want camera.Resolution) (camera.Resolution, error) {
	return camera.Resolution{Width: 640, Height: 480}, nil
}

func (d *stillDevice) Still(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return nil, fmt.Errorf("usb: %w", camera.ErrDeviceLost)
	}
	if d.limit > 0 && d.stills >= d.limit {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d.stills++
	n := d.stills
	d.mu.Unlock()
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte(fmt.Sprintf("\xff\xd8frame-%d", n)), nil
}

func (d *stillDevice) Close() error { return nil }

func (d *stillDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stills
}

func (d *stillDevice) setLost() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}

type outcomeLog struct {
	c chan upload.Outcome
}

// Report drops outcomes once the log is full so uploads never block on it.
func (o *outcomeLog) Report(out upload.Outcome) {
	select {
	case o.c <- out:
	default:
	}
}

func (o *outcomeLog) take(t *testing.T, n int) []upload.Outcome {
	t.Helper()
	var got []upload.Outcome
	for len(got) < n {
		select {
		case out := <-o.c:
			got = append(got, out)
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d outcomes, want %d", len(got), n)
		}
	}
	return got
}

type fixture struct {
	rec      *Recorder
	dev      *stillDevice
	store    *staging.Store
	outcomes *outcomeLog
}

func newFixture(t *testing.T, dev *stillDevice, perm camera.Permission, status int) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	store, err := staging.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	outcomes := &outcomeLog{c: make(chan upload.Outcome, 64)}
	pipeline := upload.New(upload.Options{URL: upload.Endpoint(srv.URL)}, srv.Client(), store, outcomes)

	driver := camera.DriverFunc(func(ctx context.Context, selector string) (camera.Device, error) {
		return dev, nil
	})
	session := camera.NewSession(driver, perm, camera.Options{})
	rec := New(session, store, pipeline, Options{
		Device:   "0",
		Interval: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec.Shutdown(ctx)
	})
	return &fixture{rec: rec, dev: dev, store: store, outcomes: outcomes}
}

func stagedFiles(t *testing.T, store *staging.Store) int {
	t.Helper()
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestThreeTicksThreeUploads(t *testing.T) {
	f := newFixture(t, &stillDevice{limit: 3}, camera.AllowAll, http.StatusCreated)

	if err := f.rec.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	got := f.outcomes.take(t, 3)
	f.rec.StopRecording()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.rec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, o := range got {
		if o.Status != upload.StatusUploaded || o.Code != http.StatusCreated {
			t.Errorf("outcome = %+v", o)
		}
	}
	select {
	case extra := <-f.outcomes.c:
		t.Errorf("unexpected fourth outcome %+v", extra)
	default:
	}
	if n := f.dev.count(); n != 3 {
		t.Errorf("device produced %d stills, want 3", n)
	}
	if n := stagedFiles(t, f.store); n != 0 {
		t.Errorf("%d staged files left, want 0", n)
	}
	if st := f.rec.Status(); st.Upload.Uploaded != 3 || st.Camera.State != camera.StateClosed {
		t.Errorf("status = %+v", st)
	}
}

func TestRejectedUploadsDoNotStopCapture(t *testing.T) {
	f := newFixture(t, &stillDevice{}, camera.AllowAll, http.StatusInternalServerError)

	if err := f.rec.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	for _, o := range f.outcomes.take(t, 3) {
		if o.Status != upload.StatusRemoteRejected || o.Code != 500 {
			t.Errorf("outcome = %+v", o)
		}
	}
	waitFor(t, "fourth capture", func() bool { return f.dev.count() >= 4 })

	if f.rec.State() != Recording {
		t.Errorf("state = %s, want recording", f.rec.State())
	}
	if st := f.rec.Status(); st.LastError != nil {
		t.Errorf("upload failures leaked into last error: %v", st.LastError)
	}
}

func TestStartRecordingPermissionDenied(t *testing.T) {
	deny := camera.PermissionFunc(func(context.Context, string) error { return camera.ErrPermissionDenied })
	f := newFixture(t, &stillDevice{}, deny, http.StatusCreated)

	err := f.rec.StartRecording(context.Background())
	var derr *camera.DeviceError
	if !errors.As(err, &derr) || !errors.Is(err, camera.ErrPermissionDenied) {
		t.Fatalf("StartRecording: %v", err)
	}
	if f.rec.State() != Stopped {
		t.Errorf("state = %s", f.rec.State())
	}
	if st := f.rec.Status(); !errors.Is(st.LastError, camera.ErrPermissionDenied) {
		t.Errorf("last error = %v", st.LastError)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, &stillDevice{}, camera.AllowAll, http.StatusCreated)

	var mu sync.Mutex
	var transitions []bool
	f.rec.OnStateChange(func(recording bool) {
		// listeners may query the recorder
		_ = f.rec.State()
		mu.Lock()
		transitions = append(transitions, recording)
		mu.Unlock()
	})
	seen := func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), transitions...)
	}

	ctx := context.Background()
	if err := f.rec.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.rec.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	f.rec.StopRecording()
	f.rec.StopRecording()

	if f.rec.State() != Stopped {
		t.Errorf("state = %s", f.rec.State())
	}
	if st := f.rec.Status(); st.Camera.State != camera.StateReady {
		t.Errorf("camera state = %s, session should stay open", st.Camera.State)
	}
	waitFor(t, "two transitions", func() bool { return len(seen()) >= 2 })

	// restart reuses the open session
	if err := f.rec.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "restart transition", func() bool { return len(seen()) == 3 })
	if got := seen(); !got[0] || got[1] || !got[2] {
		t.Errorf("transitions = %v", got)
	}
}

func TestSlowDeviceStillsAreNotLost(t *testing.T) {
	f := newFixture(t, &stillDevice{delay: 30 * time.Millisecond}, camera.AllowAll, http.StatusCreated)

	if err := f.rec.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, o := range f.outcomes.take(t, 3) {
		if o.Status != upload.StatusUploaded {
			t.Errorf("outcome = %+v", o)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.rec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	st := f.rec.Status()
	if st.Scheduler.Late == 0 || st.Scheduler.Skipped == 0 {
		t.Errorf("scheduler = %+v, want late captures and skipped ticks", st.Scheduler)
	}
	if st.Scheduler.Captures < 3 || st.Upload.Enqueued != st.Scheduler.Captures {
		t.Errorf("captures = %d, enqueued = %d", st.Scheduler.Captures, st.Upload.Enqueued)
	}
	if st.StorageErrors != 0 {
		t.Errorf("storage errors = %d", st.StorageErrors)
	}
}

func TestFaultFromPreviousSessionIgnored(t *testing.T) {
	f := newFixture(t, &stillDevice{}, camera.AllowAll, http.StatusCreated)
	if err := f.rec.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.rec.handleFault(camera.ErrDeviceLost)
	if f.rec.State() != Recording {
		t.Fatalf("state = %s, fault for a closed session stopped recording", f.rec.State())
	}
	if st := f.rec.Status(); !errors.Is(st.LastError, camera.ErrDeviceLost) {
		t.Errorf("last error = %v", st.LastError)
	}

	// once the session is closed the fault is current
	f.rec.session.Close()
	f.rec.handleFault(camera.ErrDeviceLost)
	if f.rec.State() != Stopped {
		t.Errorf("state = %s", f.rec.State())
	}
}

func TestDeviceLostStopsRecording(t *testing.T) {
	f := newFixture(t, &stillDevice{}, camera.AllowAll, http.StatusCreated)
	if err := f.rec.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.outcomes.take(t, 1)
	f.dev.setLost()

	waitFor(t, "recording to stop", func() bool { return f.rec.State() == Stopped })
	st := f.rec.Status()
	if !errors.Is(st.LastError, camera.ErrDeviceLost) {
		t.Errorf("last error = %v", st.LastError)
	}
	if st.Camera.State != camera.StateClosed {
		t.Errorf("camera state = %s", st.Camera.State)
	}
}

func TestStorageFailureKeepsCadence(t *testing.T) {
	f := newFixture(t, &stillDevice{}, camera.AllowAll, http.StatusCreated)
	if err := os.RemoveAll(f.store.Dir()); err != nil {
		t.Fatal(err)
	}
	if err := f.rec.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "storage errors", func() bool { return f.rec.Status().StorageErrors >= 2 })
	if f.rec.State() != Recording {
		t.Errorf("state = %s", f.rec.State())
	}
	if st := f.rec.Status(); st.Upload.Enqueued != 0 {
		t.Errorf("enqueued = %d, want 0", st.Upload.Enqueued)
	}
}

func TestStatusFields(t *testing.T) {
	f := newFixture(t, &stillDevice{}, camera.AllowAll, http.StatusCreated)
	fields := f.rec.Report()
	if fields["state"] != "stopped" {
		t.Errorf("state = %v", fields["state"])
	}
	cam, ok := fields["camera"].(map[string]interface{})
	if !ok || cam["state"] != "closed" {
		t.Errorf("camera = %v", fields["camera"])
	}
}
