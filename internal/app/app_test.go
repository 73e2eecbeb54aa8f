package app

import (
	"testing"
	"time"

	"savesync/internal/backup"
	"savesync/internal/config"
	"savesync/internal/engine"
	"savesync/internal/metadata"
	"savesync/internal/scan"
	"savesync/internal/testutil"
)

// statusApp builds a SyncApp with just the pieces Status needs.
func statusApp(t *testing.T) (*SyncApp, string, string) {
	t.Helper()
	localRoot := t.TempDir()
	remoteRoot := t.TempDir()
	logger := engine.NewNopLogger()
	clock := testutil.FixedClock()

	cfg := config.NewConfig("device-a", localRoot, remoteRoot, t.TempDir())
	a := &SyncApp{
		cfg:     cfg,
		store:   metadata.NewStore(remoteRoot, clock, logger),
		scanner: scan.NewScanner(".sbp", ".sbc", logger),
		logger:  logger,
		clock:   clock,
	}
	return a, localRoot, remoteRoot
}

func TestSyncApp_Status(t *testing.T) {
	t.Parallel()
	a, local, remote := statusApp(t)
	mtime := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

	testutil.WriteFile(t, local, "alpha/local-only.sbp", "x", mtime)
	testutil.WriteFile(t, remote, "alpha/remote-only.sbp", "y", mtime)
	testutil.WriteFile(t, local, "alpha/synced.sbp", "same", mtime)
	testutil.WriteFile(t, remote, "alpha/synced.sbp", "same", mtime)
	testutil.WriteFile(t, local, "alpha/stale.sbp", "old", mtime)
	testutil.WriteFile(t, remote, "alpha/stale.sbp", "new", mtime.Add(time.Minute))
	testutil.WriteFile(t, local, "alpha/clash.sbp", "mine", mtime)
	testutil.WriteFile(t, remote, "alpha/clash.sbp", "theirs", mtime)

	// A tombstoned path still materialized locally.
	testutil.WriteFile(t, local, "alpha/zombie.sbp", "doomed", mtime)
	doc := metadata.NewDocument()
	entry := doc.EnsureEntry("alpha/zombie.sbp", "id-1")
	entry.LastKnownHash = testutil.SHA256Hex([]byte("doomed"))
	entry.Tombstone("device-b", mtime)
	if err := a.store.Save(doc); err != nil {
		t.Fatal(err)
	}

	report, err := a.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	got := make(map[string]FileState, len(report))
	for _, s := range report {
		got[s.RelPath] = s.State
	}

	want := map[string]FileState{
		"alpha/local-only.sbp":  StateLocalOnly,
		"alpha/remote-only.sbp": StateRemoteOnly,
		"alpha/synced.sbp":      StateInSync,
		"alpha/stale.sbp":       StateRemoteNewer,
		"alpha/clash.sbp":       StateConflict,
		"alpha/zombie.sbp":      StatePendingRemoval,
	}
	for rel, state := range want {
		if got[rel] != state {
			t.Errorf("%s = %s, want %s", rel, got[rel], state)
		}
	}
	if len(report) != len(want) {
		t.Errorf("report has %d rows, want %d: %+v", len(report), len(want), report)
	}

	// Report rows come back sorted by path.
	for i := 1; i < len(report); i++ {
		if report[i-1].RelPath > report[i].RelPath {
			t.Errorf("report not sorted: %s before %s", report[i-1].RelPath, report[i].RelPath)
		}
	}
}

func TestSyncApp_RestoreBackupDefaultsToLocalRoot(t *testing.T) {
	t.Parallel()
	a, local, _ := statusApp(t)
	logger := engine.NewNopLogger()

	src := t.TempDir()
	passTime := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	p := testutil.WriteFile(t, src, "alpha/x.sbp", "archived", passTime)
	arch := backup.NewArchiver(a.cfg.Backup.Root, passTime, logger)
	ref, err := arch.Archive(p, "alpha/x.sbp", "deletion")
	if err != nil {
		t.Fatal(err)
	}

	paths, err := a.RestoreBackup(ref, "", nil)
	if err != nil {
		t.Fatalf("RestoreBackup() error = %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("restored paths = %v, want 1", paths)
	}
	if got := testutil.ReadFile(t, local, "alpha/x.sbp"); got != "archived" {
		t.Errorf("local replica content = %q, want the archived bytes", got)
	}
}
