package testutil

import (
	"sync"
	"time"

	"savesync/internal/engine"
)

// RecordedEvent is one per-file event captured by a CaptureRecorder.
type RecordedEvent struct {
	PassID  string
	RelPath string
	Action  string
	Hash    string
	Detail  string
}

// CaptureRecorder collects pass lifecycle calls in memory for assertions.
type CaptureRecorder struct {
	mu     sync.Mutex
	Begun  []string
	Events []RecordedEvent
	Ended  map[string]string // passID -> status
}

func NewCaptureRecorder() *CaptureRecorder {
	return &CaptureRecorder{Ended: make(map[string]string)}
}

var _ engine.PassRecorder = (*CaptureRecorder)(nil)

func (r *CaptureRecorder) BeginPass(passID, deviceID, mode string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Begun = append(r.Begun, passID)
	return nil
}

func (r *CaptureRecorder) RecordEvent(passID, relPath, action, hash, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedEvent{passID, relPath, action, hash, detail})
	return nil
}

func (r *CaptureRecorder) FinishPass(passID string, finishedAt time.Time, stats engine.PassStats, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ended[passID] = status
	return nil
}

// EventsFor returns the captured events for one relative path.
func (r *CaptureRecorder) EventsFor(relPath string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, e := range r.Events {
		if e.RelPath == relPath {
			out = append(out, e)
		}
	}
	return out
}
