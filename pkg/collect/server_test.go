package collect

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	staging "github.com/ef-robotics/ailet/pkg/staging"
	upload "github.com/ef-robotics/ailet/pkg/upload"
)

func photoBody(t *testing.T, fields map[string]string, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="photo_data"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return body, w.FormDataContentType()
}

func post(t *testing.T, srv *httptest.Server, body io.Reader, contentType string) *http.Response {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+upload.PhotosPath, contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func newTestServer(t *testing.T, opt Options) (*Server, *httptest.Server) {
	t.Helper()
	if opt.ImgDir == "" {
		opt.ImgDir = t.TempDir()
	}
	if opt.ProxyAddr == "" {
		opt.ProxyAddr = "http://localhost:8000/image"
	}
	s := NewServer(opt)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestReceivePhoto(t *testing.T) {
	dir := t.TempDir()
	s, srv := newTestServer(t, Options{ImgDir: dir})

	fields := map[string]string{"photo_id": "4343", "visit_id": "434", "task_id": ""}
	body, ct := photoBody(t, fields, "JPEG_20240309_140507_1a2b3c4d.jpg", "image/jpeg", []byte("\xff\xd8jpeg"))
	resp := post(t, srv, body, ct)

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.ID == "" || receipt.PhotoID != "4343" || receipt.VisitID != "434" || receipt.Size != 6 {
		t.Errorf("receipt = %+v", receipt)
	}
	if receipt.URL != "http://localhost:8000/image/JPEG_20240309_140507_1a2b3c4d.jpg" {
		t.Errorf("url = %s", receipt.URL)
	}
	data, err := os.ReadFile(filepath.Join(dir, receipt.File))
	if err != nil || string(data) != "\xff\xd8jpeg" {
		t.Errorf("stored = %q, %v", data, err)
	}

	img, err := srv.Client().Get(srv.URL + "/image/" + receipt.File)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Body.Close()
	if img.StatusCode != http.StatusOK {
		t.Errorf("image status = %d", img.StatusCode)
	}

	if received, rejected := s.Counts(); received != 1 || rejected != 0 {
		t.Errorf("counts = %d, %d", received, rejected)
	}
}

func TestRejectsBadUploads(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	ok := map[string]string{"photo_id": "1", "visit_id": "434"}

	tests := []struct {
		name        string
		fields      map[string]string
		filename    string
		contentType string
		want        int
	}{
		{"missing visit", map[string]string{"photo_id": "1"}, "a.jpg", "image/jpeg", http.StatusBadRequest},
		{"missing photo", ok, "", "", http.StatusBadRequest},
		{"not an image", ok, "a.txt", "text/plain", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := photoBody(t, tt.fields, tt.filename, tt.contentType, []byte("x"))
			if resp := post(t, srv, body, ct); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestDuplicateFileConflicts(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	fields := map[string]string{"photo_id": "1", "visit_id": "434"}

	body, ct := photoBody(t, fields, "a.jpg", "image/jpeg", []byte("x"))
	if resp := post(t, srv, body, ct); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	body, ct = photoBody(t, fields, "a.jpg", "image/jpeg", []byte("y"))
	if resp := post(t, srv, body, ct); resp.StatusCode != http.StatusConflict {
		t.Errorf("second status = %d", resp.StatusCode)
	}
}

func TestForcedStatus(t *testing.T) {
	s, srv := newTestServer(t, Options{ForceStatus: http.StatusServiceUnavailable})
	body, ct := photoBody(t, map[string]string{"photo_id": "1", "visit_id": "434"}, "a.jpg", "image/jpeg", []byte("x"))
	if resp := post(t, srv, body, ct); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if _, rejected := s.Counts(); rejected != 1 {
		t.Errorf("rejected = %d", rejected)
	}
}

// The upload pipeline and the collect server agree on the wire format.
func TestPipelineRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, srv := newTestServer(t, Options{ImgDir: dir})

	store, err := staging.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	outC := make(chan upload.Outcome, 1)
	p := upload.New(upload.Options{
		URL:  upload.Endpoint(srv.URL),
		Form: upload.Form{VisitID: "434"},
	}, srv.Client(), store, upload.ReporterFunc(func(o upload.Outcome) { outC <- o }))

	frame, err := store.Save([]byte("\xff\xd8frame"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	p.Enqueue(frame)

	select {
	case o := <-outC:
		if o.Status != upload.StatusUploaded || o.Code != http.StatusCreated {
			t.Errorf("outcome = %+v", o)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, frame.Name)); err != nil {
		t.Errorf("collected file missing: %v", err)
	}
	if received, _ := s.Counts(); received != 1 {
		t.Errorf("received = %d", received)
	}
}
