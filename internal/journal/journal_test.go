package journal_test

import (
	"path/filepath"
	"testing"
	"time"

	"savesync/internal/engine"
	"savesync/internal/journal"
	"savesync/internal/testutil"
)

func openJournal(t *testing.T, clock engine.Clock) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), clock)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_PassLifecycle(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	j := openJournal(t, clock)
	started := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := j.BeginPass("pass-1", "device-a", "bidirectional", started); err != nil {
		t.Fatalf("BeginPass() error = %v", err)
	}
	if err := j.RecordEvent("pass-1", "alpha/x.sbp", "create", "abc123", "missing from remote"); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
	clock.Advance(time.Second)
	if err := j.RecordEvent("pass-1", "beta/y.sbp", "delete", "def456", "deletion"); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}

	stats := engine.PassStats{Pushed: 1, Deleted: 1}
	if err := j.FinishPass("pass-1", started.Add(2*time.Second), stats, "success"); err != nil {
		t.Fatalf("FinishPass() error = %v", err)
	}

	passes, err := j.RecentPasses(10)
	if err != nil {
		t.Fatalf("RecentPasses() error = %v", err)
	}
	if len(passes) != 1 {
		t.Fatalf("got %d passes, want 1", len(passes))
	}
	p := passes[0]
	if p.ID != "pass-1" || p.DeviceID != "device-a" || p.Mode != "bidirectional" {
		t.Errorf("pass = %+v", p)
	}
	if p.Pushed != 1 || p.Deleted != 1 || p.Status != "success" {
		t.Errorf("pass outcome = %+v", p)
	}
	if p.FinishedAt == nil || !p.FinishedAt.Equal(started.Add(2*time.Second)) {
		t.Errorf("FinishedAt = %v", p.FinishedAt)
	}

	events, err := j.EventsForPass("pass-1")
	if err != nil {
		t.Fatalf("EventsForPass() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].RelPath != "alpha/x.sbp" || events[0].Action != "create" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Detail != "deletion" {
		t.Errorf("second event = %+v", events[1])
	}

	// Event timestamps come from the injected clock.
	if !events[0].CreatedAt.Equal(started) {
		t.Errorf("first event CreatedAt = %v, want %v", events[0].CreatedAt, started)
	}
	if !events[1].CreatedAt.Equal(started.Add(time.Second)) {
		t.Errorf("second event CreatedAt = %v, want %v", events[1].CreatedAt, started.Add(time.Second))
	}
}

func TestJournal_RecentPassesOrderAndLimit(t *testing.T) {
	t.Parallel()
	j := openJournal(t, engine.RealClock{})
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"pass-1", "pass-2", "pass-3"} {
		at := base.Add(time.Duration(i) * time.Minute)
		if err := j.BeginPass(id, "device-a", "bidirectional", at); err != nil {
			t.Fatal(err)
		}
		if err := j.FinishPass(id, at.Add(time.Second), engine.PassStats{}, "success"); err != nil {
			t.Fatal(err)
		}
	}

	passes, err := j.RecentPasses(2)
	if err != nil {
		t.Fatalf("RecentPasses() error = %v", err)
	}
	if len(passes) != 2 {
		t.Fatalf("got %d passes, want 2", len(passes))
	}
	if passes[0].ID != "pass-3" || passes[1].ID != "pass-2" {
		t.Errorf("order = %s, %s; want newest first", passes[0].ID, passes[1].ID)
	}
}

func TestJournal_UnfinishedPass(t *testing.T) {
	t.Parallel()
	j := openJournal(t, engine.RealClock{})

	if err := j.BeginPass("pass-1", "device-a", "push", time.Now()); err != nil {
		t.Fatal(err)
	}

	passes, err := j.RecentPasses(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(passes) != 1 || passes[0].FinishedAt != nil {
		t.Errorf("unfinished pass = %+v", passes[0])
	}
}

func TestJournal_ReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := journal.Open(path, engine.RealClock{})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.BeginPass("pass-1", "device-a", "pull", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := journal.Open(path, engine.RealClock{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j2.Close()

	passes, err := j2.RecentPasses(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(passes) != 1 {
		t.Errorf("got %d passes after reopen, want 1", len(passes))
	}
}
