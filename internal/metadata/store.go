package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Clock abstracts time retrieval so persistence stamps are deterministic in
// tests. It is satisfied by the engine's clock implementations.
type Clock interface {
	Now() time.Time
}

// Logger is the minimal logging surface the store needs. It is satisfied by
// the engine's Logger implementations.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DocumentName is the metadata document's filename at the shared replica root.
const DocumentName = ".savesync-metadata.json"

// ErrPersist wraps any failure to durably save the document. It is fatal for
// a pass: once reconciliation I/O has happened, a lost save means the
// document no longer reflects reality, and the caller must exit non-zero
// rather than continue.
var ErrPersist = errors.New("metadata persist failed")

// Store loads and saves the metadata document at a fixed path. Every save
// replaces the document atomically (temp file + rename), so a reader on
// another device never observes a partial write.
type Store struct {
	path   string
	clock  Clock
	logger Logger
}

// NewStore creates a Store for the document inside the given replica root.
func NewStore(remoteRoot string, clock Clock, logger Logger) *Store {
	return &Store{
		path:   filepath.Join(remoteRoot, DocumentName),
		clock:  clock,
		logger: logger,
	}
}

// Path returns the document's absolute path.
func (s *Store) Path() string { return s.path }

// Load reads the document, migrating older schema versions to the current
// one. A missing document yields a fresh empty one. Parsing is strict:
// unknown fields or an unknown schema version are errors, not best-effort
// conversions.
func (s *Store) Load() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("reading metadata document: %w", err)
	}

	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("probing metadata schema version: %w", err)
	}

	switch probe.Version {
	case SchemaVersion:
		doc, err := decodeStrict(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing metadata document: %w", err)
		}
		normalize(doc)
		return doc, nil
	case legacySchemaVersion:
		doc, err := migrateV1(raw)
		if err != nil {
			return nil, fmt.Errorf("migrating v1 metadata document: %w", err)
		}
		if err := s.archiveLegacy(raw); err != nil {
			return nil, err
		}
		s.logger.Info("migrated metadata document", "from", legacySchemaVersion, "to", SchemaVersion)
		return doc, nil
	default:
		return nil, fmt.Errorf("unsupported metadata schema version %q", probe.Version)
	}
}

// Save stamps and atomically persists the document. Any failure is wrapped
// in ErrPersist.
func (s *Store) Save(doc *Document) error {
	doc.Version = SchemaVersion
	doc.LastUpdated = s.clock.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding document: %v", ErrPersist, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("%w: creating document directory: %v", ErrPersist, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), DocumentName+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrPersist, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing temp file: %v", ErrPersist, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: syncing temp file: %v", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing temp file: %v", ErrPersist, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: publishing document: %v", ErrPersist, err)
	}
	return nil
}

// archiveLegacy keeps the pre-migration document next to the live one so a
// migration bug never destroys the only copy of the old state.
func (s *Store) archiveLegacy(raw []byte) error {
	stamp := s.clock.Now().UTC().Format("20060102150405")
	archivePath := fmt.Sprintf("%s.v1.%s.bak", s.path, stamp)
	if err := os.WriteFile(archivePath, raw, 0644); err != nil {
		return fmt.Errorf("archiving legacy metadata document: %w", err)
	}
	s.logger.Info("archived legacy metadata document", "path", archivePath)
	return nil
}

func decodeStrict(raw []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// normalize fills nil maps after decoding so callers never nil-check them.
func normalize(doc *Document) {
	if doc.Files == nil {
		doc.Files = make(map[string]*FileEntry)
	}
	if doc.Devices == nil {
		doc.Devices = make(map[string]*DeviceRecord)
	}
	for _, e := range doc.Files {
		if e.Devices == nil {
			e.Devices = make(map[string]*DeviceState)
		}
	}
	for _, r := range doc.Devices {
		if r.LastKnownFiles == nil {
			r.LastKnownFiles = make(map[string]string)
		}
	}
}
