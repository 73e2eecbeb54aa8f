package engine_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"savesync/internal/backup"
	"savesync/internal/engine"
	"savesync/internal/metadata"
	"savesync/internal/scan"
	"savesync/internal/testutil"
)

// device bundles everything one simulated device needs to run passes against
// a shared remote root.
type device struct {
	id       string
	local    string
	remote   string
	store    *metadata.Store
	recorder *testutil.CaptureRecorder
	clock    *testutil.StubClock
	idgen    *testutil.StubIDGenerator
	mode     engine.Mode
}

func newDevice(t *testing.T, id, remote string, clock *testutil.StubClock) *device {
	t.Helper()
	return &device{
		id:       id,
		local:    t.TempDir(),
		remote:   remote,
		store:    metadata.NewStore(remote, clock, engine.NewNopLogger()),
		recorder: testutil.NewCaptureRecorder(),
		clock:    clock,
		idgen:    testutil.NewPrefixedIDGenerator(id),
		mode:     engine.Bidirectional,
	}
}

func (d *device) runPass(t *testing.T) engine.PassStats {
	t.Helper()
	stats, err := d.tryPass(t)
	if err != nil {
		t.Fatalf("pass on %s: %v", d.id, err)
	}
	return stats
}

func (d *device) tryPass(t *testing.T) (engine.PassStats, error) {
	t.Helper()
	logger := engine.NewNopLogger()
	scanner := scan.NewScanner(".sbp", ".sbc", logger)
	factory := func(passTime time.Time) engine.Archiver {
		return backup.NewArchiver(d.local+".backups", passTime, logger)
	}
	eng := engine.New(
		engine.Options{
			DeviceID:    d.id,
			LocalRoot:   d.local,
			RemoteRoot:  d.remote,
			Mode:        d.mode,
			MaxVersions: metadata.DefaultMaxVersions,
		},
		d.store, scanner, factory, d.recorder, engine.NopPinner{}, logger,
		d.clock, d.idgen,
	)
	return eng.Run()
}

// removeAll deletes one file under root, leaving its directory in place.
func removeAll(root, rel string) error {
	return os.Remove(filepath.Join(root, filepath.FromSlash(rel)))
}

// removeTree deletes the root itself, simulating an unmounted replica.
func removeTree(root string) error {
	return os.RemoveAll(root)
}

func (d *device) doc(t *testing.T) *metadata.Document {
	t.Helper()
	doc, err := d.store.Load()
	if err != nil {
		t.Fatalf("loading metadata: %v", err)
	}
	return doc
}

func TestEngine_NewLocalFileIsPushed(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	mtime := clock.Now().Add(-time.Hour)
	testutil.WriteFile(t, a.local, "alpha/x.sbp", "save data v1", mtime)

	stats := a.runPass(t)
	if stats.Pushed != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want 1 push", stats)
	}
	if got := testutil.ReadFile(t, remote, "alpha/x.sbp"); got != "save data v1" {
		t.Errorf("remote content = %q", got)
	}

	entry := a.doc(t).Entry("alpha/x.sbp")
	if entry == nil {
		t.Fatal("no metadata entry after push")
	}
	if entry.GlobalStatus != metadata.StatusActive {
		t.Errorf("globalStatus = %s, want active", entry.GlobalStatus)
	}
	if entry.LastKnownHash != testutil.SHA256Hex([]byte("save data v1")) {
		t.Errorf("lastKnownHash = %s", entry.LastKnownHash)
	}
	if len(entry.Versions) != 1 || entry.Versions[0].Action != metadata.ActionCreate {
		t.Fatalf("versions = %+v, want one create", entry.Versions)
	}
	if st := entry.Devices["device-a"]; st == nil || st.Status != metadata.StatusActive {
		t.Errorf("device state = %+v", entry.Devices["device-a"])
	}
}

func TestEngine_RemoteFileIsPulled(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	testutil.WriteFile(t, remote, "beta/y.sbp", "from elsewhere", clock.Now().Add(-time.Hour))

	stats := a.runPass(t)
	if stats.Pulled != 1 {
		t.Fatalf("stats = %+v, want 1 pull", stats)
	}
	if got := testutil.ReadFile(t, a.local, "beta/y.sbp"); got != "from elsewhere" {
		t.Errorf("local content = %q", got)
	}
}

func TestEngine_SecondPassIsNoOp(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	testutil.WriteFile(t, a.local, "alpha/x.sbp", "content", clock.Now().Add(-time.Hour))
	a.runPass(t)

	clock.Advance(time.Minute)
	stats := a.runPass(t)
	if stats.Pushed+stats.Pulled+stats.Deleted+stats.Conflicts+stats.Errors != 0 {
		t.Fatalf("second pass stats = %+v, want all zero", stats)
	}

	entry := a.doc(t).Entry("alpha/x.sbp")
	if len(entry.Versions) != 1 {
		t.Errorf("second pass appended a version: %+v", entry.Versions)
	}
}

func TestEngine_TwoDevicesConverge(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)
	b := newDevice(t, "device-b", remote, clock)

	testutil.WriteFile(t, a.local, "alpha/x.sbp", "a's save", clock.Now().Add(-time.Hour))

	a.runPass(t)
	clock.Advance(time.Minute)
	b.runPass(t)

	if got := testutil.ReadFile(t, b.local, "alpha/x.sbp"); got != "a's save" {
		t.Fatalf("b did not converge, content = %q", got)
	}

	// Repeated alternating passes change nothing further.
	clock.Advance(time.Minute)
	for _, d := range []*device{a, b, a, b} {
		if stats := d.runPass(t); stats != (engine.PassStats{}) {
			t.Fatalf("extra pass on %s did work: %+v", d.id, stats)
		}
	}
}

func TestEngine_NewerLocalOverwritesRemoteWithBackup(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	old := clock.Now().Add(-2 * time.Hour)
	testutil.WriteFile(t, remote, "alpha/x.sbp", "stale", old)
	testutil.WriteFile(t, a.local, "alpha/x.sbp", "fresh", old.Add(time.Hour))

	a.runPass(t)

	if got := testutil.ReadFile(t, remote, "alpha/x.sbp"); got != "fresh" {
		t.Fatalf("remote = %q, want %q", got, "fresh")
	}

	entry := a.doc(t).Entry("alpha/x.sbp")
	last := entry.Versions[len(entry.Versions)-1]
	if last.Action != metadata.ActionConflictWin {
		t.Errorf("last action = %s, want conflict_win", last.Action)
	}
	if last.Backup == "" {
		t.Error("overwritten remote copy was not archived")
	}
	if got := testutil.ReadFile(t, a.local+".backups", last.Backup); got != "stale" {
		t.Errorf("backup content = %q, want the overwritten bytes", got)
	}
}

func TestEngine_NewerRemoteOverwritesLocalWithBackup(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	old := clock.Now().Add(-2 * time.Hour)
	testutil.WriteFile(t, a.local, "beta/y.sbp", "stale", old)
	testutil.WriteFile(t, remote, "beta/y.sbp", "fresh", old.Add(time.Hour))

	stats := a.runPass(t)
	if stats.Pulled != 1 || stats.Conflicts != 1 {
		t.Fatalf("stats = %+v, want 1 pull and 1 conflict", stats)
	}
	if got := testutil.ReadFile(t, a.local, "beta/y.sbp"); got != "fresh" {
		t.Fatalf("local = %q, want %q", got, "fresh")
	}

	entry := a.doc(t).Entry("beta/y.sbp")
	if entry.LastKnownHash != testutil.SHA256Hex([]byte("fresh")) {
		t.Errorf("lastKnownHash = %s", entry.LastKnownHash)
	}
	last := entry.Versions[len(entry.Versions)-1]
	if last.Action != metadata.ActionConflictWin {
		t.Errorf("last action = %s, want conflict_win", last.Action)
	}
	if last.Backup == "" {
		t.Fatal("overwritten local copy was not archived")
	}
	if got := testutil.ReadFile(t, a.local+".backups", last.Backup); got != "stale" {
		t.Errorf("backup content = %q, want the overwritten bytes", got)
	}
}

func TestEngine_EqualTimestampConflictRemoteWins(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	mtime := clock.Now().Add(-time.Hour)
	testutil.WriteFile(t, a.local, "alpha/x.sbp", "local version", mtime)
	testutil.WriteFile(t, remote, "alpha/x.sbp", "remote version", mtime)

	stats := a.runPass(t)
	if stats.Pulled != 1 || stats.Conflicts != 1 {
		t.Fatalf("stats = %+v, want 1 pull and 1 conflict", stats)
	}
	if got := testutil.ReadFile(t, a.local, "alpha/x.sbp"); got != "remote version" {
		t.Errorf("local = %q, remote should have won", got)
	}
}

func TestEngine_DeletionPropagates(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)
	b := newDevice(t, "device-b", remote, clock)

	testutil.WriteFile(t, a.local, "alpha/x.sbp", "doomed", clock.Now().Add(-time.Hour))
	a.runPass(t)
	clock.Advance(time.Minute)
	b.runPass(t)

	// Device A deletes the file locally.
	if err := removeAll(a.local, "alpha/x.sbp"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	stats := a.runPass(t)
	if stats.Deleted != 1 {
		t.Fatalf("a's stats = %+v, want 1 deletion", stats)
	}
	if testutil.Exists(t, remote, "alpha/x.sbp") {
		t.Fatal("remote copy survived the deletion")
	}

	entry := a.doc(t).Entry("alpha/x.sbp")
	if entry.GlobalStatus != metadata.StatusDeleted || entry.DeletedBy != "device-a" {
		t.Fatalf("entry = %+v, want tombstone by device-a", entry)
	}

	// Device B removes its copy and must not resurrect the file.
	clock.Advance(time.Minute)
	stats = b.runPass(t)
	if stats.Deleted != 1 || stats.Pushed != 0 {
		t.Fatalf("b's stats = %+v, want 1 deletion and no push", stats)
	}
	if testutil.Exists(t, b.local, "alpha/x.sbp") {
		t.Fatal("b's copy survived propagation")
	}
	if testutil.Exists(t, remote, "alpha/x.sbp") {
		t.Fatal("file was resurrected on the remote")
	}

	// Empty group directories are pruned on both sides.
	if testutil.Exists(t, remote, "alpha") {
		t.Error("empty remote group directory was not pruned")
	}
}

func TestEngine_CompanionDeletedWithPrimary(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	mtime := clock.Now().Add(-time.Hour)
	testutil.WriteFile(t, a.local, "alpha/x.sbp", "primary", mtime)
	testutil.WriteFile(t, a.local, "alpha/x.sbc", "companion", mtime)
	a.runPass(t)

	if err := removeAll(a.local, "alpha/x.sbp"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	stats := a.runPass(t)
	if stats.Deleted != 2 {
		t.Fatalf("stats = %+v, want primary and companion deleted", stats)
	}
	for _, rel := range []string{"alpha/x.sbp", "alpha/x.sbc"} {
		if testutil.Exists(t, remote, rel) {
			t.Errorf("%s survived on the remote", rel)
		}
		if testutil.Exists(t, a.local, rel) {
			t.Errorf("%s survived locally", rel)
		}
	}

	doc := a.doc(t)
	for _, rel := range []string{"alpha/x.sbp", "alpha/x.sbc"} {
		if entry := doc.Entry(rel); entry == nil || entry.GlobalStatus != metadata.StatusDeleted {
			t.Errorf("%s not tombstoned: %+v", rel, entry)
		}
	}
}

func TestEngine_PathReuseStartsNewLifecycle(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)
	b := newDevice(t, "device-b", remote, clock)

	testutil.WriteFile(t, a.local, "alpha/x.sbp", "first life", clock.Now().Add(-time.Hour))
	a.runPass(t)
	oldID := a.doc(t).Entry("alpha/x.sbp").FileID

	if err := removeAll(a.local, "alpha/x.sbp"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	a.runPass(t)

	// Device B creates brand-new content at the dead path.
	testutil.WriteFile(t, b.local, "alpha/x.sbp", "second life", clock.Now())
	clock.Advance(time.Minute)
	stats := b.runPass(t)
	if stats.Pushed != 1 {
		t.Fatalf("b's stats = %+v, want 1 push", stats)
	}

	entry := b.doc(t).Entry("alpha/x.sbp")
	if entry.GlobalStatus != metadata.StatusActive {
		t.Fatalf("entry still tombstoned: %+v", entry)
	}
	if entry.FileID == oldID {
		t.Error("fileId was not reassigned for the new lifecycle")
	}
	if got := testutil.ReadFile(t, remote, "alpha/x.sbp"); got != "second life" {
		t.Errorf("remote = %q", got)
	}

	// The deletion's history is retained under the same path.
	var sawDelete bool
	for _, v := range entry.Versions {
		if v.Action == metadata.ActionDelete {
			sawDelete = true
		}
	}
	if !sawDelete {
		t.Error("deletion version was dropped from history")
	}
}

func TestEngine_PullModeNeverWritesRemote(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)
	a.mode = engine.Pull

	testutil.WriteFile(t, a.local, "alpha/only-local.sbp", "x", clock.Now().Add(-time.Hour))
	testutil.WriteFile(t, remote, "alpha/only-remote.sbp", "y", clock.Now().Add(-time.Hour))

	stats := a.runPass(t)
	if stats.Pushed != 0 {
		t.Fatalf("pull mode pushed: %+v", stats)
	}
	if stats.Pulled != 1 {
		t.Fatalf("stats = %+v, want 1 pull", stats)
	}
	if testutil.Exists(t, remote, "alpha/only-local.sbp") {
		t.Error("pull mode wrote to the remote replica")
	}
}

func TestEngine_SkippedDirectionLeavesNoEntry(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)
	a.mode = engine.Pull

	testutil.WriteFile(t, a.local, "alpha/x.sbp", "local only", clock.Now().Add(-time.Hour))
	a.runPass(t)

	if entry := a.doc(t).Entry("alpha/x.sbp"); entry != nil {
		t.Fatalf("pull mode recorded a skipped push: %+v", entry)
	}

	// Once the push is allowed, its create version is recorded normally.
	a.mode = engine.Bidirectional
	clock.Advance(time.Minute)
	if stats := a.runPass(t); stats.Pushed != 1 {
		t.Fatalf("stats = %+v, want 1 push", stats)
	}
	entry := a.doc(t).Entry("alpha/x.sbp")
	if entry == nil {
		t.Fatal("no metadata entry after push")
	}
	if len(entry.Versions) != 1 || entry.Versions[0].Action != metadata.ActionCreate {
		t.Fatalf("versions = %+v, want one create", entry.Versions)
	}
}

func TestEngine_LocalDeletionRacingRemoteEditKeepsLifecycle(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	testutil.WriteFile(t, a.local, "alpha/x.sbp", "v1", clock.Now().Add(-time.Hour))
	a.runPass(t)
	oldID := a.doc(t).Entry("alpha/x.sbp").FileID

	// Another device replaced the remote copy; this device deleted its own
	// copy before seeing the edit.
	clock.Advance(time.Minute)
	testutil.WriteFile(t, remote, "alpha/x.sbp", "v2", clock.Now())
	if err := removeAll(a.local, "alpha/x.sbp"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	stats := a.runPass(t)
	if stats.Deleted != 0 || stats.Pulled != 1 {
		t.Fatalf("stats = %+v, want the edit pulled and nothing deleted", stats)
	}
	if got := testutil.ReadFile(t, a.local, "alpha/x.sbp"); got != "v2" {
		t.Errorf("local = %q, want the remote edit", got)
	}

	entry := a.doc(t).Entry("alpha/x.sbp")
	if entry.GlobalStatus != metadata.StatusActive {
		t.Fatalf("entry = %+v, want active", entry)
	}
	if entry.FileID != oldID {
		t.Error("fileId changed without a deleted-to-active transition")
	}
}

func TestEngine_PushModeNeverWritesLocal(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)
	a.mode = engine.Push

	testutil.WriteFile(t, a.local, "alpha/only-local.sbp", "x", clock.Now().Add(-time.Hour))
	testutil.WriteFile(t, remote, "alpha/only-remote.sbp", "y", clock.Now().Add(-time.Hour))

	stats := a.runPass(t)
	if stats.Pulled != 0 {
		t.Fatalf("push mode pulled: %+v", stats)
	}
	if stats.Pushed != 1 {
		t.Fatalf("stats = %+v, want 1 push", stats)
	}
	if testutil.Exists(t, a.local, "alpha/only-remote.sbp") {
		t.Error("push mode wrote to the local replica")
	}
}

func TestEngine_AbsentLocalRootIsNotMassDeletion(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	testutil.WriteFile(t, a.local, "alpha/x.sbp", "content", clock.Now().Add(-time.Hour))
	a.runPass(t)

	// Simulate the local root being unmounted.
	if err := removeTree(a.local); err != nil {
		t.Fatal(err)
	}
	a.mode = engine.Push
	clock.Advance(time.Minute)
	stats := a.runPass(t)
	if stats.Deleted != 0 {
		t.Fatalf("unmounted root read as deletion: %+v", stats)
	}
	if !testutil.Exists(t, remote, "alpha/x.sbp") {
		t.Fatal("remote copy was removed")
	}
}

func TestEngine_RecorderSeesPassLifecycle(t *testing.T) {
	t.Parallel()
	clock := testutil.FixedClock()
	remote := t.TempDir()
	a := newDevice(t, "device-a", remote, clock)

	testutil.WriteFile(t, a.local, "alpha/x.sbp", "content", clock.Now().Add(-time.Hour))
	a.runPass(t)

	if len(a.recorder.Begun) != 1 {
		t.Fatalf("begun passes = %d, want 1", len(a.recorder.Begun))
	}
	passID := a.recorder.Begun[0]
	if status := a.recorder.Ended[passID]; status != "success" {
		t.Errorf("pass status = %q, want success", status)
	}
	events := a.recorder.EventsFor("alpha/x.sbp")
	if len(events) != 1 || events[0].Action != string(metadata.ActionCreate) {
		t.Errorf("events = %+v, want one create", events)
	}
}
