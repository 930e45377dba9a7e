package upload

import (
	"fmt"
	"log/slog"
	"time"
)

type Status int

const (
	StatusPending Status = iota
	StatusUploaded
	StatusRemoteRejected
	StatusTransportFailure
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploaded:
		return "uploaded"
	case StatusRemoteRejected:
		return "remote_rejected"
	case StatusTransportFailure:
		return "transport_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the terminal result of one frame's upload.
type Outcome struct {
	FrameID  string
	Name     string
	Size     int64
	Status   Status
	Code     int
	Err      error
	Attempts int
	Elapsed  time.Duration
	At       time.Time
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusRemoteRejected:
		return fmt.Sprintf("%s %s(%d)", o.FrameID, o.Status, o.Code)
	case StatusTransportFailure:
		return fmt.Sprintf("%s %s: %v", o.FrameID, o.Status, o.Err)
	default:
		return fmt.Sprintf("%s %s", o.FrameID, o.Status)
	}
}

// Reporter observes outcomes. Report must not block for long; it runs on the
// upload goroutine of the frame.
type Reporter interface {
	Report(Outcome)
}

type ReporterFunc func(Outcome)

func (f ReporterFunc) Report(o Outcome) { f(o) }

// LogReporter writes every outcome to slog.
var LogReporter Reporter = ReporterFunc(func(o Outcome) {
	switch o.Status {
	case StatusUploaded:
		slog.Info("upload successful", "id", o.FrameID, "code", o.Code, "elapsed", o.Elapsed)
	case StatusRemoteRejected:
		slog.Warn("upload failed", "id", o.FrameID, "code", o.Code, "attempts", o.Attempts)
	default:
		slog.Warn("upload failed", "id", o.FrameID, "err", o.Err, "attempts", o.Attempts)
	}
})
