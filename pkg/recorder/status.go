package recorder

import (
	"time"
)

// Fields flattens the status into plain values for the control API.
func (s Status) Fields() map[string]interface{} {
	targets := make([]interface{}, 0, len(s.Camera.Targets))
	for _, t := range s.Camera.Targets {
		targets = append(targets, t.String())
	}
	lastErr := ""
	if s.LastError != nil {
		lastErr = s.LastError.Error()
	}
	return map[string]interface{}{
		"state": s.State.String(),
		"since": s.Since.Format(time.RFC3339),
		"camera": map[string]interface{}{
			"device":     s.Camera.Device,
			"state":      s.Camera.State.String(),
			"resolution": s.Camera.Resolution.String(),
			"targets":    targets,
			"captures":   s.Camera.Captures,
		},
		"scheduler": map[string]interface{}{
			"ticks":    s.Scheduler.Ticks,
			"captures": s.Scheduler.Captures,
			"skipped":  s.Scheduler.Skipped,
			"failed":   s.Scheduler.Failed,
			"late":     s.Scheduler.Late,
		},
		"upload": map[string]interface{}{
			"enqueued":  s.Upload.Enqueued,
			"uploaded":  s.Upload.Uploaded,
			"rejected":  s.Upload.Rejected,
			"failed":    s.Upload.Failed,
			"in_flight": s.Upload.InFlight,
		},
		"storage_errors": s.StorageErrors,
		"last_error":     lastErr,
	}
}

// Report is Status().Fields().
func (r *Recorder) Report() map[string]interface{} {
	return r.Status().Fields()
}
