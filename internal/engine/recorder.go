package engine

import "time"

// PassStats counts what one reconciliation pass did.
type PassStats struct {
	Pushed    int
	Pulled    int
	Deleted   int
	Conflicts int
	Errors    int
}

// PassRecorder receives diagnostic records about passes and per-file events.
// It is bookkeeping, never state: recorder failures are logged and the pass
// continues, because the metadata document alone decides the next pass's
// behavior.
type PassRecorder interface {
	// BeginPass records that a pass started.
	BeginPass(passID, deviceID, mode string, startedAt time.Time) error

	// RecordEvent records one per-file action within a pass. detail is a
	// free-form reason string.
	RecordEvent(passID, relPath, action, hash, detail string) error

	// FinishPass records the pass outcome. status is "success" or "error".
	FinishPass(passID string, finishedAt time.Time, stats PassStats, status string) error
}

// NopRecorder discards all records. Used when the journal is disabled and in
// tests.
type NopRecorder struct{}

func (NopRecorder) BeginPass(string, string, string, time.Time) error      { return nil }
func (NopRecorder) RecordEvent(string, string, string, string, string) error { return nil }
func (NopRecorder) FinishPass(string, time.Time, PassStats, string) error  { return nil }
