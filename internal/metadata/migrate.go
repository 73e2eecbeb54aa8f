package metadata

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// legacySchemaVersion is the flat pre-tombstone document format: one record
// per path holding only the last digest, modification time, and the device
// that wrote it. No tombstones, no version history, no per-device snapshots.
const legacySchemaVersion = "1.0"

type legacyDocument struct {
	Version     string                `json:"version"`
	LastUpdated time.Time             `json:"lastUpdated"`
	Files       map[string]legacyFile `json:"files"`
}

type legacyFile struct {
	Hash         string    `json:"hash"`
	LastModified time.Time `json:"lastModified"`
	Device       string    `json:"device"`
}

// migrateV1 converts a v1 document into the current structure. Every legacy
// record becomes an active entry with a fresh fileId, the legacy digest as
// lastKnownHash, and a single synthetic "create" version so history starts
// from a known point. Device snapshots cannot be reconstructed and are left
// empty; the next pass of each device rebuilds them from its scan.
func migrateV1(raw []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var old legacyDocument
	if err := dec.Decode(&old); err != nil {
		return nil, err
	}

	doc := NewDocument()
	for relPath, f := range old.Files {
		entry := &FileEntry{
			FileID:        uuid.New().String(),
			GlobalStatus:  StatusActive,
			LastKnownHash: f.Hash,
			Devices:       make(map[string]*DeviceState),
			Versions: []Version{{
				Hash:      f.Hash,
				Timestamp: f.LastModified,
				Device:    f.Device,
				Action:    ActionCreate,
			}},
		}
		if f.Device != "" {
			entry.Devices[f.Device] = &DeviceState{
				Status:       StatusActive,
				Hash:         f.Hash,
				LastModified: f.LastModified,
				LastSeen:     f.LastModified,
			}
		}
		doc.Files[relPath] = entry
	}
	return doc, nil
}
