package engine

import (
	"os"

	"savesync/internal/metadata"
)

// Backup reason tags attached to archived files for diagnostics.
const (
	ReasonConflictResolution  = "conflict_resolution"
	ReasonDeletion            = "deletion"
	ReasonDeletionCompanion   = "deletion-companion"
	ReasonCrossDeviceDeletion = "cross_device_deletion"
	ReasonNewFileOverwrite    = "new_file_overwrite"
	ReasonGlobalDeletion      = "global_deletion"
)

// detectLocalDeletions compares the device's previous snapshot against the
// current local scan. Every path the device held last pass but no longer
// holds was deleted here, and the deletion is mirrored to the remote replica
// and recorded as a tombstone so other devices remove their copies too. The
// companion artifact is always removed with its primary.
func (e *Engine) detectLocalDeletions(p *pass) {
	record := p.doc.Devices[e.opts.DeviceID]
	if record == nil {
		return
	}

	for rel, lastHash := range record.LastKnownFiles {
		if p.processed[rel] {
			continue
		}
		if _, stillPresent := p.local[rel]; stillPresent {
			continue
		}

		if !e.applyDeletion(p, rel, lastHash, ReasonDeletion) {
			continue
		}

		if comp, ok := e.scanner.CompanionPath(rel); ok && !p.processed[comp] {
			e.deleteCompanion(p, comp)
		}
	}
}

// applyDeletion mirrors one locally observed deletion to the remote replica
// and tombstones the entry. Returns false when the deletion was not applied
// (new lifecycle detected, or backup failure without tolerance).
func (e *Engine) applyDeletion(p *pass, rel, lastHash, reason string) bool {
	entry := p.doc.Entry(rel)
	knownHash := lastHash
	if entry != nil && entry.LastKnownHash != "" {
		knownHash = entry.LastKnownHash
	}

	// Path-reuse rule: a remote copy with content the document has never
	// seen is a new file lifecycle, not a stale copy of the deleted one.
	if remote := p.remote[rel]; remote != nil && remote.Hash != knownHash {
		e.beginNewLifecycle(p, rel, entry)
		return false
	}

	if remote := p.remote[rel]; remote != nil {
		ref, err := p.archiver.Archive(remote.AbsPath, rel, reason)
		if err != nil {
			e.logger.Warn("backup failed before deletion", "path", rel, "error", err)
			if !e.opts.TolerateBackupFailure {
				p.stats.Errors++
				return false
			}
		}
		if err := os.Remove(remote.AbsPath); err != nil {
			e.logger.Error("could not remove remote copy", "path", rel, "error", err)
			p.stats.Errors++
			// The tombstone below still lands; the next pass sweeps the
			// leftover copy during propagation.
		}
		e.tombstone(p, rel, entry, knownHash, ref, reason)
		return true
	}

	e.tombstone(p, rel, entry, knownHash, "", reason)
	return true
}

// deleteCompanion removes the paired artifact in both replicas and
// tombstones it, recorded as a deletion-companion event.
func (e *Engine) deleteCompanion(p *pass, rel string) {
	entry := p.doc.Entry(rel)
	local := p.local[rel]
	remote := p.remote[rel]
	if local == nil && remote == nil && entry == nil {
		return
	}

	knownHash := ""
	if entry != nil {
		knownHash = entry.LastKnownHash
	}
	if knownHash == "" {
		if local != nil {
			knownHash = local.Hash
		} else if remote != nil {
			knownHash = remote.Hash
		}
	}

	// The same path-reuse rule protects a freshly recreated companion.
	if remote != nil && remote.Hash != knownHash {
		e.beginNewLifecycle(p, rel, entry)
		return
	}

	var backupRef string
	for _, fd := range []*FileDescriptor{local, remote} {
		if fd == nil {
			continue
		}
		ref, err := p.archiver.Archive(fd.AbsPath, rel, ReasonDeletionCompanion)
		if err != nil {
			e.logger.Warn("backup failed before companion deletion", "path", rel, "error", err)
			if !e.opts.TolerateBackupFailure {
				p.stats.Errors++
				return
			}
		}
		if ref != "" {
			backupRef = ref
		}
		if err := os.Remove(fd.AbsPath); err != nil {
			e.logger.Error("could not remove companion copy", "path", fd.AbsPath, "error", err)
			p.stats.Errors++
		}
	}
	delete(p.finalLocal, rel)

	e.tombstone(p, rel, entry, knownHash, backupRef, ReasonDeletionCompanion)
}

// tombstone marks the entry deleted, appends the delete version, and takes
// the path out of the rest of the pass.
func (e *Engine) tombstone(p *pass, rel string, entry *metadata.FileEntry, knownHash, backupRef, reason string) {
	if entry == nil {
		entry = p.doc.EnsureEntry(rel, e.idgen.New())
		entry.LastKnownHash = knownHash
	}
	entry.Tombstone(e.opts.DeviceID, p.time)
	entry.AppendVersion(metadata.Version{
		Hash:      knownHash,
		Timestamp: p.time,
		Device:    e.opts.DeviceID,
		Action:    metadata.ActionDelete,
		Backup:    backupRef,
	}, e.opts.MaxVersions)
	entry.SetDeviceState(e.opts.DeviceID, metadata.DeviceState{
		Status:   metadata.StatusDeleted,
		Hash:     knownHash,
		LastSeen: p.time,
	})

	delete(p.finalLocal, rel)
	p.processed[rel] = true
	p.stats.Deleted++

	if err := e.recorder.RecordEvent(p.id, rel, string(metadata.ActionDelete), knownHash, reason); err != nil {
		e.logger.Warn("could not record event", "path", rel, "error", err)
	}
	e.logger.Info("deleted", "path", rel, "reason", reason)
}

// propagateTombstones removes any still-materialized copy of a path whose
// entry is tombstoned and that this pass has not otherwise handled. This is
// how a deletion performed on device A reaches device B's disk: B loads the
// replicated document, finds the tombstone, and removes its copy. Entries
// with nothing materialized are left untouched — there is nothing to archive
// and no event to record.
func (e *Engine) propagateTombstones(p *pass) {
	for rel, entry := range p.doc.Files {
		if entry.GlobalStatus != metadata.StatusDeleted || p.processed[rel] {
			continue
		}

		local := p.local[rel]
		remote := p.remote[rel]
		if local == nil && remote == nil {
			continue
		}

		removedAny := false
		if local != nil && e.opts.Mode != Push {
			if e.removeStray(p, rel, local, ReasonCrossDeviceDeletion) {
				delete(p.finalLocal, rel)
				removedAny = true
			}
		}
		if remote != nil && e.opts.Mode != Pull {
			if e.removeStray(p, rel, remote, ReasonGlobalDeletion) {
				removedAny = true
			}
		}

		if removedAny {
			entry.SetDeviceState(e.opts.DeviceID, metadata.DeviceState{
				Status:   metadata.StatusDeleted,
				Hash:     entry.LastKnownHash,
				LastSeen: p.time,
			})
			p.processed[rel] = true
			p.stats.Deleted++
			if err := e.recorder.RecordEvent(p.id, rel, string(metadata.ActionDelete), entry.LastKnownHash, "tombstone propagation"); err != nil {
				e.logger.Warn("could not record event", "path", rel, "error", err)
			}
			e.logger.Info("propagated deletion", "path", rel, "deletedBy", entry.DeletedBy)
		}
	}
}

// removeStray archives and removes one materialized copy of a tombstoned
// path. Returns true when the copy is gone.
func (e *Engine) removeStray(p *pass, rel string, fd *FileDescriptor, reason string) bool {
	if _, err := p.archiver.Archive(fd.AbsPath, rel, reason); err != nil {
		e.logger.Warn("backup failed before propagated deletion", "path", rel, "error", err)
		if !e.opts.TolerateBackupFailure {
			p.stats.Errors++
			return false
		}
	}
	if err := os.Remove(fd.AbsPath); err != nil {
		e.logger.Error("could not remove stray copy", "path", fd.AbsPath, "error", err)
		p.stats.Errors++
		return false
	}
	return true
}

// beginNewLifecycle revives a tombstoned entry for a path that has been
// recreated with different content. The old version history is retained; the
// fresh fileId marks the new lifecycle. The resolver handles the new content
// later in the pass. An entry that was never tombstoned keeps its fileId.
func (e *Engine) beginNewLifecycle(p *pass, rel string, entry *metadata.FileEntry) {
	if entry == nil {
		return
	}
	// A fileId changes only across a deleted-to-active transition. An
	// active entry whose remote copy holds unseen content is an unrecorded
	// edit; the lifecycle continues and the resolver pulls it.
	if entry.GlobalStatus != metadata.StatusDeleted {
		e.logger.Debug("remote edit raced a local deletion, keeping the copy", "path", rel)
		return
	}
	entry.Revive(e.idgen.New())
	e.logger.Info("path reused by new content, starting new lifecycle", "path", rel, "fileId", entry.FileID)
}

// reviveIfNewLifecycle checks a tombstoned entry against freshly observed
// descriptors. When any observed digest differs from the last known one the
// entry is revived under a new fileId and the caller reconciles it normally;
// otherwise the copies are stale and the tombstone stands.
func (e *Engine) reviveIfNewLifecycle(p *pass, rel string, entry *metadata.FileEntry, local, remote *FileDescriptor) bool {
	fresh := false
	if local != nil && local.Hash != entry.LastKnownHash {
		fresh = true
	}
	if remote != nil && remote.Hash != entry.LastKnownHash {
		fresh = true
	}
	if !fresh {
		return false
	}
	e.beginNewLifecycle(p, rel, entry)
	return true
}
