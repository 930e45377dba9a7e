package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	upload "github.com/ef-robotics/ailet/pkg/upload"
	uuid "github.com/google/uuid"
)

const maxPhotoBytes = 32 << 20

// Receipt is the JSON body returned for an accepted photo.
type Receipt struct {
	ID      string    `json:"id"`
	PhotoID string    `json:"photo_id"`
	VisitID string    `json:"visit_id"`
	TaskID  string    `json:"task_id"`
	File    string    `json:"file"`
	Size    int64     `json:"size"`
	URL     string    `json:"url"`
	Created time.Time `json:"created"`
}

// Server accepts photo uploads the way the remote endpoint does and serves
// the stored images back under /image/.
type Server struct {
	opt        Options
	httpServer *http.Server

	received atomic.Uint64
	rejected atomic.Uint64
}

func NewServer(opt Options) *Server {
	mux := http.NewServeMux()

	s := &Server{
		opt: opt,
		httpServer: &http.Server{
			Addr:        opt.Addr,
			ReadTimeout: 30 * time.Second,
			Handler:     mux,
		},
	}

	mux.HandleFunc("POST "+upload.PhotosPath, s.handlePhoto)
	mux.Handle("GET /image/", http.StripPrefix("/image", http.FileServer(http.Dir(opt.ImgDir))))

	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	slog.Info("starting collect server", "addr", s.httpServer.Addr, "dir", s.opt.ImgDir)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

// Counts returns the number of accepted and refused uploads.
func (s *Server) Counts() (received, rejected uint64) {
	return s.received.Load(), s.rejected.Load()
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	if s.opt.ForceStatus != 0 {
		s.reject(w, s.opt.ForceStatus, "forced failure")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoBytes)
	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		s.reject(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	photoID := r.FormValue("photo_id")
	visitID := r.FormValue("visit_id")
	if photoID == "" || visitID == "" {
		s.reject(w, http.StatusBadRequest, "photo_id and visit_id are required")
		return
	}

	photo, hdr, err := r.FormFile("photo_data")
	if err != nil {
		s.reject(w, http.StatusBadRequest, "missing photo_data")
		return
	}
	defer photo.Close()

	if ct := hdr.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		s.reject(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported media type %q", ct))
		return
	}

	id := uuid.NewString()
	name := filepath.Base(hdr.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = id + ".jpg"
	}

	size, err := s.store(name, photo)
	if errors.Is(err, os.ErrExist) {
		s.reject(w, http.StatusConflict, fmt.Sprintf("%s already stored", name))
		return
	} else if err != nil {
		slog.Error("could not store photo", "file", name, "err", err)
		s.reject(w, http.StatusInternalServerError, "could not store photo")
		return
	}

	receipt := Receipt{
		ID:      id,
		PhotoID: photoID,
		VisitID: visitID,
		TaskID:  r.FormValue("task_id"),
		File:    name,
		Size:    size,
		URL:     fmt.Sprintf("%s/%s", strings.TrimRight(s.opt.ProxyAddr, "/"), name),
		Created: time.Now().UTC(),
	}
	s.received.Add(1)
	slog.Info("photo received", "id", id, "file", name, "size", size, "visit_id", visitID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(receipt)
}

func (s *Server) store(name string, r io.Reader) (int64, error) {
	path := filepath.Join(s.opt.ImgDir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}

func (s *Server) reject(w http.ResponseWriter, code int, msg string) {
	s.rejected.Add(1)
	slog.Warn("photo rejected", "code", code, "reason", msg)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}
