// Package engine implements the reconciliation core: change detection,
// per-file direction decisions, deletion propagation, and the metadata
// updates that carry sync state between devices. One Engine value runs one
// pass; the CLI constructs a fresh Engine per invocation.
package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"savesync/internal/metadata"
)

// Mode selects which replica the engine may write to.
type Mode string

const (
	Bidirectional Mode = "bidirectional"
	Push          Mode = "push"
	Pull          Mode = "pull"
)

// Scanner enumerates a replica and pairs companion artifacts.
type Scanner interface {
	Scan(root string) (FileMap, error)
	CompanionPath(relPath string) (string, bool)
}

// Archiver preserves a file before a destructive or overwriting operation,
// returning a reference usable in version history. A missing source returns
// ("", nil).
type Archiver interface {
	Archive(sourcePath, relPath, reason string) (string, error)
}

// MetadataStore loads and atomically persists the shared document.
type MetadataStore interface {
	Load() (*metadata.Document, error)
	Save(doc *metadata.Document) error
}

// Options is the immutable per-pass configuration.
type Options struct {
	DeviceID    string
	LocalRoot   string
	RemoteRoot  string
	Mode        Mode
	MaxVersions int

	// TolerateBackupFailure lets destructive operations proceed when the
	// preceding backup failed. Default false: skip the destructive step,
	// a skipped deletion is recoverable and an unbacked-up overwrite is not.
	TolerateBackupFailure bool
}

// ArchiverFactory builds the pass's archiver once the pass timestamp is
// known, so every backup of the pass shares one timestamped directory.
type ArchiverFactory func(passTime time.Time) Archiver

// Engine orchestrates one reconciliation pass.
type Engine struct {
	opts        Options
	store       MetadataStore
	scanner     Scanner
	newArchiver ArchiverFactory
	recorder    PassRecorder
	pinner      Pinner
	logger      Logger
	clock       Clock
	idgen       IDGenerator
}

// New creates an Engine with the provided dependencies.
func New(opts Options, store MetadataStore, scanner Scanner, newArchiver ArchiverFactory,
	recorder PassRecorder, pinner Pinner, logger Logger, clock Clock, idgen IDGenerator) *Engine {
	return &Engine{
		opts:        opts,
		store:       store,
		scanner:     scanner,
		newArchiver: newArchiver,
		recorder:    recorder,
		pinner:      pinner,
		logger:      logger,
		clock:       clock,
		idgen:       idgen,
	}
}

// pass carries the state of one running pass between steps.
type pass struct {
	id       string
	time     time.Time
	doc      *metadata.Document
	local    FileMap
	remote   FileMap
	archiver Archiver

	// processed marks relative paths already handled by deletion detection;
	// later steps skip them.
	processed map[string]bool

	// finalLocal tracks the local tree as the pass mutates it, so the
	// device's lastKnownFiles snapshot reflects the end-of-pass state.
	finalLocal map[string]string

	stats PassStats
}

// Run executes one full reconciliation pass. The returned error is non-nil
// only for failures that abort the pass; per-file failures are logged,
// counted in PassStats.Errors, and skipped. A metadata persist failure is
// returned wrapped in metadata.ErrPersist and means the saved state may no
// longer match reality.
func (e *Engine) Run() (PassStats, error) {
	p := &pass{
		id:        e.idgen.New(),
		time:      e.clock.Now().UTC(),
		processed: make(map[string]bool),
	}
	p.archiver = e.newArchiver(p.time)

	if err := e.recorder.BeginPass(p.id, e.opts.DeviceID, string(e.opts.Mode), p.time); err != nil {
		e.logger.Warn("journal unavailable for this pass", "error", err)
	}
	e.logger.Info("pass started", "pass", p.id, "mode", string(e.opts.Mode))

	stats, err := e.run(p)

	status := "success"
	if err != nil {
		status = "error"
	}
	if jerr := e.recorder.FinishPass(p.id, e.clock.Now().UTC(), stats, status); jerr != nil {
		e.logger.Warn("could not record pass finish", "error", jerr)
	}
	return stats, err
}

func (e *Engine) run(p *pass) (PassStats, error) {
	doc, err := e.store.Load()
	if err != nil {
		return p.stats, fmt.Errorf("loading metadata: %w", err)
	}
	p.doc = doc

	if err := e.pinner.Pin(e.opts.RemoteRoot); err != nil {
		e.logger.Warn("could not pin remote root", "dir", e.opts.RemoteRoot, "error", err)
	}

	// Step 1: scan both replicas.
	localRootExists := true
	if _, err := os.Stat(e.opts.LocalRoot); os.IsNotExist(err) {
		localRootExists = false
	}
	if e.opts.Mode == Push && !localRootExists {
		e.logger.Info("local root absent, nothing to push", "root", e.opts.LocalRoot)
		return p.stats, nil
	}

	p.local, err = e.scanner.Scan(e.opts.LocalRoot)
	if err != nil {
		return p.stats, fmt.Errorf("scanning local replica: %w", err)
	}
	p.remote, err = e.scanner.Scan(e.opts.RemoteRoot)
	if err != nil {
		return p.stats, fmt.Errorf("scanning remote replica: %w", err)
	}

	p.finalLocal = make(map[string]string, len(p.local))
	for rel, fd := range p.local {
		p.finalLocal[rel] = fd.Hash
	}

	// Step 2: local-deletion detection. Skipped in pull mode (propagating a
	// local deletion writes to the remote) and when the local root itself is
	// gone: an unmounted or renamed root must not read as a mass deletion.
	if e.opts.Mode != Pull && localRootExists {
		e.detectLocalDeletions(p)
	}

	// Steps 3–4: reconcile the union of observed paths.
	e.reconcileUnion(p)

	// Step 5: propagate tombstones recorded by other devices.
	e.propagateTombstones(p)

	// Step 6: refresh this device's private snapshot.
	record := p.doc.EnsureDevice(e.opts.DeviceID)
	record.LastSync = p.time
	record.LastKnownFiles = p.finalLocal

	// Step 7: single atomic persist. Failure is fatal for the pass.
	if err := e.store.Save(p.doc); err != nil {
		return p.stats, err
	}

	// Step 8: remove group directories emptied by deletions.
	e.pruneEmptyGroups(e.opts.LocalRoot)
	e.pruneEmptyGroups(e.opts.RemoteRoot)

	e.logger.Info("pass finished", "pass", p.id,
		"pushed", p.stats.Pushed, "pulled", p.stats.Pulled,
		"deleted", p.stats.Deleted, "conflicts", p.stats.Conflicts,
		"errors", p.stats.Errors)
	return p.stats, nil
}

// reconcileUnion runs the conflict resolver over every path observed in
// either replica that deletion handling has not already consumed.
func (e *Engine) reconcileUnion(p *pass) {
	union := make(map[string]struct{}, len(p.local)+len(p.remote))
	for rel := range p.local {
		union[rel] = struct{}{}
	}
	for rel := range p.remote {
		union[rel] = struct{}{}
	}

	for rel := range union {
		if p.processed[rel] {
			continue
		}

		local := p.local[rel]
		remote := p.remote[rel]

		if entry := p.doc.Entry(rel); entry != nil && entry.GlobalStatus == metadata.StatusDeleted {
			if !e.reviveIfNewLifecycle(p, rel, entry, local, remote) {
				// Still tombstoned: stray copies are removed by the
				// propagation sweep.
				continue
			}
		}

		e.applyResolution(p, rel, local, remote)
	}
}

// applyResolution resolves one path and performs the chosen copy.
func (e *Engine) applyResolution(p *pass, rel string, local, remote *FileDescriptor) {
	res := Resolve(local, remote)

	// Mode gates run before the document is touched; a skipped copy must
	// not leave a half-initialized entry behind.
	if res.Direction == LocalToRemote && e.opts.Mode == Pull {
		e.logger.Debug("skipping push in pull mode", "path", rel)
		return
	}
	if res.Direction == RemoteToLocal && e.opts.Mode == Push {
		e.logger.Debug("skipping pull in push mode", "path", rel)
		return
	}

	_, existed := p.doc.Files[rel]
	entry := p.doc.EnsureEntry(rel, e.idgen.New())
	priorHash := entry.LastKnownHash

	switch res.Direction {
	case None:
		if local == nil && remote == nil {
			return
		}
		observed := remote
		if observed == nil {
			observed = local
		}
		entry.LastKnownHash = observed.Hash
		if !existed {
			entry.AppendVersion(metadata.Version{
				Hash:      observed.Hash,
				Timestamp: p.time,
				Device:    e.opts.DeviceID,
				Action:    metadata.ActionCreate,
			}, e.opts.MaxVersions)
		}
		if local != nil {
			e.updateDeviceState(p, entry, local)
		}

	case LocalToRemote:
		var backupRef string
		if remote != nil {
			reason := ReasonConflictResolution
			if !existed {
				reason = ReasonNewFileOverwrite
			}
			ref, err := p.archiver.Archive(remote.AbsPath, rel, reason)
			if err != nil {
				e.logger.Warn("backup failed before overwrite", "path", rel, "error", err)
				if !e.opts.TolerateBackupFailure {
					p.stats.Errors++
					return
				}
			}
			backupRef = ref
		}

		dest := filepath.Join(e.opts.RemoteRoot, filepath.FromSlash(rel))
		if err := copyPreservingTimes(local.AbsPath, dest, local.ModTime); err != nil {
			e.logger.Error("push failed", "path", rel, "error", err)
			p.stats.Errors++
			return
		}

		action := metadata.ActionCreate
		if remote != nil {
			action = metadata.ActionConflictWin
			p.stats.Conflicts++
		}
		e.recordTransfer(p, entry, rel, local.Hash, priorHash, backupRef, action, res.Reason)
		e.updateDeviceState(p, entry, local)
		p.stats.Pushed++
		e.logger.Info("pushed", "path", rel, "reason", res.Reason)

	case RemoteToLocal:
		var backupRef string
		if local != nil {
			reason := ReasonConflictResolution
			if !existed {
				reason = ReasonNewFileOverwrite
			}
			ref, err := p.archiver.Archive(local.AbsPath, rel, reason)
			if err != nil {
				e.logger.Warn("backup failed before overwrite", "path", rel, "error", err)
				if !e.opts.TolerateBackupFailure {
					p.stats.Errors++
					return
				}
			}
			backupRef = ref
		}

		dest := filepath.Join(e.opts.LocalRoot, filepath.FromSlash(rel))
		if err := copyPreservingTimes(remote.AbsPath, dest, remote.ModTime); err != nil {
			e.logger.Error("pull failed", "path", rel, "error", err)
			p.stats.Errors++
			return
		}
		p.finalLocal[rel] = remote.Hash

		action := metadata.ActionCreate
		if local != nil {
			action = metadata.ActionConflictWin
			p.stats.Conflicts++
		}
		e.recordTransfer(p, entry, rel, remote.Hash, priorHash, backupRef, action, res.Reason)
		e.updateDeviceState(p, entry, &FileDescriptor{
			RelPath: rel,
			Hash:    remote.Hash,
			ModTime: remote.ModTime,
		})
		p.stats.Pulled++
		e.logger.Info("pulled", "path", rel, "reason", res.Reason)
	}
}

// recordTransfer updates the entry's shared state after a successful copy.
// A version entry is appended only when the document learns content it did
// not already hold: re-materializing known content on another device is not
// a new version.
func (e *Engine) recordTransfer(p *pass, entry *metadata.FileEntry, rel, newHash, priorHash, backupRef string, action metadata.Action, reason string) {
	entry.LastKnownHash = newHash
	if newHash != priorHash {
		entry.AppendVersion(metadata.Version{
			Hash:      newHash,
			Timestamp: p.time,
			Device:    e.opts.DeviceID,
			Action:    action,
			Backup:    backupRef,
		}, e.opts.MaxVersions)
	}
	if err := e.recorder.RecordEvent(p.id, rel, string(action), newHash, reason); err != nil {
		e.logger.Warn("could not record event", "path", rel, "error", err)
	}
}

// updateDeviceState records this device's observation of the file, touching
// the document only when something actually changed so a no-op pass leaves
// the document byte-identical apart from timestamps.
func (e *Engine) updateDeviceState(p *pass, entry *metadata.FileEntry, fd *FileDescriptor) {
	prev := entry.Devices[e.opts.DeviceID]
	if prev != nil && prev.Status == metadata.StatusActive && prev.Hash == fd.Hash {
		return
	}
	entry.SetDeviceState(e.opts.DeviceID, metadata.DeviceState{
		Status:       metadata.StatusActive,
		Hash:         fd.Hash,
		LastModified: fd.ModTime.UTC(),
		LastSeen:     p.time,
	})
}

// pruneEmptyGroups removes group directories left empty by deletions. The
// root itself is never removed.
func (e *Engine) pruneEmptyGroups(root string) {
	groups, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		dir := filepath.Join(root, g.Name())
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			e.logger.Warn("could not prune empty group", "dir", dir, "error", err)
		} else {
			e.logger.Debug("pruned empty group", "dir", dir)
		}
	}
}

// copyPreservingTimes copies src to dst and carries the modification time
// over, so timestamp comparison on other devices sees the original edit
// time, not the copy time.
func copyPreservingTimes(src, dst string, modTime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying content: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("syncing destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing destination: %w", err)
	}

	if err := os.Chtimes(dst, modTime, modTime); err != nil {
		return fmt.Errorf("preserving timestamps: %w", err)
	}
	return nil
}
