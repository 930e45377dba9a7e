package staging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	uuid "github.com/google/uuid"
)

const (
	TimeFormat = "20060102_150405"
	Prefix     = "JPEG_"
	Ext        = ".jpg"

	tempPattern = ".staging-*"
)

var ErrStorage = errors.New("staging failed")

// StorageError is returned when a frame could not be written. It is terminal
// for that frame.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// Frame is a captured still persisted to the staging directory.
type Frame struct {
	ID         string
	Name       string
	Path       string
	Size       int64
	CapturedAt time.Time
}

type Store struct {
	dir string
	now func() time.Time
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("staging directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save writes data under a new unique name. The file only appears under its
// final name once fully written and synced.
func (s *Store) Save(data []byte, capturedAt time.Time) (Frame, error) {
	if capturedAt.IsZero() {
		capturedAt = s.now()
	}
	name := newName(capturedAt)
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return Frame{}, &StorageError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) (Frame, error) {
		tmp.Close()
		os.Remove(tmpName)
		return Frame{}, &StorageError{Path: path, Err: err}
	}

	n, err := tmp.Write(data)
	if err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Frame{}, &StorageError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Frame{}, &StorageError{Path: path, Err: err}
	}

	return Frame{
		ID:         strings.TrimSuffix(name, Ext),
		Name:       name,
		Path:       path,
		Size:       int64(n),
		CapturedAt: capturedAt,
	}, nil
}

// Discard removes a staged frame. Failures are logged, never returned.
func (s *Store) Discard(f Frame) {
	if f.Path == "" {
		return
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to discard staged frame", "file", f.Path, "err", err)
		return
	}
	slog.Debug("staged frame discarded", "id", f.ID)
}

func newName(t time.Time) string {
	disambiguator := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return Prefix + t.Format(TimeFormat) + "_" + disambiguator + Ext
}

// ParseName returns the capture time encoded in a staged file name.
func ParseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, Prefix) || !strings.HasSuffix(name, Ext) {
		return time.Time{}, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, Prefix), Ext)
	if len(stem) < len(TimeFormat) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(TimeFormat, stem[:len(TimeFormat)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// IsTemp reports whether name is a partially written staging file.
func IsTemp(name string) bool {
	ok, _ := filepath.Match(tempPattern, name)
	return ok
}
