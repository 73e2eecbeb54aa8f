// Package metadata models the shared reconciliation state document and its
// durable storage. The document is the only cross-device shared state; it
// lives inside the shared replica and is carried between devices by the
// external cloud-sync client.
package metadata

import "time"

// SchemaVersion is the current document schema version tag.
const SchemaVersion = "2.0"

// DefaultMaxVersions caps a file entry's version history unless configured.
const DefaultMaxVersions = 10

// Status is a file's global lifecycle state. Deletion is a tombstone, never
// a removal of the entry: the tombstone is what stops a stale replica from
// resurrecting a deleted file.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Action tags a version history entry with what produced it.
type Action string

const (
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionConflictWin Action = "conflict_win"
)

// Document is the root of the persisted reconciliation state.
type Document struct {
	Version     string                   `json:"version"`
	LastUpdated time.Time                `json:"lastUpdated"`
	Files       map[string]*FileEntry    `json:"files"`
	Devices     map[string]*DeviceRecord `json:"devices"`
}

// FileEntry is the persisted state of one logical relative path.
type FileEntry struct {
	// FileID identifies one lifecycle of the path. It is reassigned when a
	// tombstoned path is reused by new content, so "same path, new file"
	// is distinguishable from a resurrected old file.
	FileID string `json:"fileId"`

	GlobalStatus Status     `json:"globalStatus"`
	DeletedBy    string     `json:"deletedBy,omitempty"`
	DeletedAt    *time.Time `json:"deletedTimestamp,omitempty"`

	// LastKnownHash is the most recent digest seen from any device. A
	// freshly observed file whose digest differs from it is a new
	// lifecycle, not a resurrection.
	LastKnownHash string `json:"lastKnownHash,omitempty"`

	Devices map[string]*DeviceState `json:"devices"`

	// Versions is ordered oldest to newest and capped; the oldest entry is
	// evicted first.
	Versions []Version `json:"versions"`
}

// DeviceState is one device's last observation of a file.
type DeviceState struct {
	Status       Status    `json:"status"`
	Hash         string    `json:"hash"`
	LastModified time.Time `json:"lastModified"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Version is one bounded history entry for a file.
type Version struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Device    string    `json:"device"`
	Action    Action    `json:"action"`

	// Backup references the archived copy displaced by this version,
	// relative to the backup root. Empty when nothing was displaced.
	Backup string `json:"backup,omitempty"`
}

// DeviceRecord is one device's private bookkeeping: when it last synced and
// which files (by digest) it held at the end of its previous pass. It feeds
// local-deletion detection only; it is not a source of truth for global
// state.
type DeviceRecord struct {
	LastSync       time.Time         `json:"lastSync"`
	LastKnownFiles map[string]string `json:"lastKnownFiles"`
}

// NewDocument returns an empty current-version document.
func NewDocument() *Document {
	return &Document{
		Version: SchemaVersion,
		Files:   make(map[string]*FileEntry),
		Devices: make(map[string]*DeviceRecord),
	}
}

// Entry returns the file entry for relPath, or nil.
func (d *Document) Entry(relPath string) *FileEntry {
	return d.Files[relPath]
}

// EnsureEntry returns the entry for relPath, creating an active one with the
// given fresh fileID on first observation.
func (d *Document) EnsureEntry(relPath, fileID string) *FileEntry {
	if e, ok := d.Files[relPath]; ok {
		return e
	}
	e := &FileEntry{
		FileID:       fileID,
		GlobalStatus: StatusActive,
		Devices:      make(map[string]*DeviceState),
	}
	d.Files[relPath] = e
	return e
}

// EnsureDevice returns the device record for deviceID, creating it if absent.
func (d *Document) EnsureDevice(deviceID string) *DeviceRecord {
	if r, ok := d.Devices[deviceID]; ok {
		return r
	}
	r := &DeviceRecord{LastKnownFiles: make(map[string]string)}
	d.Devices[deviceID] = r
	return r
}

// AppendVersion appends v and evicts oldest entries beyond maxVersions.
// maxVersions values below 1 fall back to DefaultMaxVersions.
func (e *FileEntry) AppendVersion(v Version, maxVersions int) {
	if maxVersions < 1 {
		maxVersions = DefaultMaxVersions
	}
	e.Versions = append(e.Versions, v)
	if excess := len(e.Versions) - maxVersions; excess > 0 {
		e.Versions = append([]Version(nil), e.Versions[excess:]...)
	}
}

// Tombstone marks the entry deleted by the given device at the given time.
func (e *FileEntry) Tombstone(deviceID string, at time.Time) {
	e.GlobalStatus = StatusDeleted
	e.DeletedBy = deviceID
	t := at
	e.DeletedAt = &t
}

// Revive begins a new lifecycle for a previously tombstoned path: the entry
// becomes active again under a fresh fileID, and the deletion markers are
// cleared. Version history is retained.
func (e *FileEntry) Revive(fileID string) {
	e.FileID = fileID
	e.GlobalStatus = StatusActive
	e.DeletedBy = ""
	e.DeletedAt = nil
}

// SetDeviceState records one device's observation of the file.
func (e *FileEntry) SetDeviceState(deviceID string, st DeviceState) {
	if e.Devices == nil {
		e.Devices = make(map[string]*DeviceState)
	}
	e.Devices[deviceID] = &st
}
