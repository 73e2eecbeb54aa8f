package app

import (
	"fmt"
	"os"
	"sort"
	"time"

	"savesync/internal/backup"
	"savesync/internal/config"
	"savesync/internal/encryption"
	"savesync/internal/engine"
	"savesync/internal/journal"
	"savesync/internal/metadata"
	"savesync/internal/scan"
)

// SyncApp is the application layer between the CLI and the engine.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string arguments, and manages the journal lifecycle on
// Close.
type SyncApp struct {
	cfg       *config.Config
	journal   *journal.Journal
	encryptor engine.Encryptor
	store     *metadata.Store
	scanner   *scan.Scanner
	logger    engine.Logger
	logFile   *os.File
	clock     engine.Clock
	idgen     engine.IDGenerator
}

// NewSyncApp creates a fully wired SyncApp from the given config.
// operation identifies the CLI command being run (e.g. "run", "restore").
// The caller must call Close when done.
func NewSyncApp(cfg *config.Config, operation string) (*SyncApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID+"/"+operation)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}
	clock := engine.RealClock{}

	var jrnl *journal.Journal
	if cfg.Journal.Type != config.JournalOff {
		jrnl, err = journal.Open(cfg.Journal.Path, clock)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("opening pass journal: %w", err)
		}
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		if jrnl != nil {
			jrnl.Close()
		}
		logFile.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	return &SyncApp{
		cfg:       cfg,
		journal:   jrnl,
		encryptor: enc,
		store:     metadata.NewStore(cfg.RemoteRoot, clock, logger),
		scanner:   scan.NewScanner(cfg.PrimaryExt, cfg.CompanionExt, logger),
		logger:    logger,
		logFile:   logFile,
		clock:     clock,
		idgen:     engine.UUIDGenerator{},
	}, nil
}

// Close releases the journal and the log file.
func (a *SyncApp) Close() error {
	var firstErr error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunPass executes one reconciliation pass with the configured mode.
func (a *SyncApp) RunPass() (engine.PassStats, error) {
	eng := engine.New(
		engine.Options{
			DeviceID:              a.cfg.DeviceID,
			LocalRoot:             a.cfg.LocalRoot,
			RemoteRoot:            a.cfg.RemoteRoot,
			Mode:                  engine.Mode(a.cfg.Mode),
			MaxVersions:           a.cfg.MaxVersionHistory,
			TolerateBackupFailure: a.cfg.Backup.TolerateFailure,
		},
		a.store,
		a.scanner,
		a.archiverFactory(),
		a.recorder(),
		engine.NopPinner{},
		a.logger,
		a.clock,
		a.idgen,
	)
	return eng.Run()
}

func (a *SyncApp) archiverFactory() engine.ArchiverFactory {
	var opts []backup.Option
	if a.cfg.Backup.Compress {
		opts = append(opts, backup.WithCompression())
	}
	if a.cfg.Backup.Encrypt {
		opts = append(opts, backup.WithEncryption(a.encryptor))
	}
	return func(passTime time.Time) engine.Archiver {
		return backup.NewArchiver(a.cfg.Backup.Root, passTime, a.logger, opts...)
	}
}

func (a *SyncApp) recorder() engine.PassRecorder {
	if a.journal == nil {
		return engine.NopRecorder{}
	}
	return a.journal
}

// FileState classifies one logical file when comparing the two replicas
// against the shared metadata.
type FileState string

const (
	StateInSync         FileState = "in-sync"
	StateLocalOnly      FileState = "local-only"
	StateRemoteOnly     FileState = "remote-only"
	StateLocalNewer     FileState = "local-newer"
	StateRemoteNewer    FileState = "remote-newer"
	StateConflict       FileState = "conflict"
	StatePendingRemoval FileState = "pending-removal"
)

// FileStatus is one row of the status report.
type FileStatus struct {
	RelPath string
	State   FileState
	Detail  string
}

// Status reports, without modifying anything, what the next pass would do
// for every logical file visible in either replica or remembered as deleted.
func (a *SyncApp) Status() ([]FileStatus, error) {
	local, err := a.scanner.Scan(a.cfg.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("scanning local root: %w", err)
	}
	remote, err := a.scanner.Scan(a.cfg.RemoteRoot)
	if err != nil {
		return nil, fmt.Errorf("scanning remote root: %w", err)
	}
	doc, err := a.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}

	paths := make(map[string]struct{})
	for p := range local {
		paths[p] = struct{}{}
	}
	for p := range remote {
		paths[p] = struct{}{}
	}
	for p, entry := range doc.Files {
		if entry.GlobalStatus == metadata.StatusDeleted {
			paths[p] = struct{}{}
		}
	}

	var report []FileStatus
	for rel := range paths {
		report = append(report, a.classify(doc, rel, local[rel], remote[rel]))
	}
	sort.Slice(report, func(i, j int) bool { return report[i].RelPath < report[j].RelPath })
	return report, nil
}

func (a *SyncApp) classify(doc *metadata.Document, rel string, local, remote *engine.FileDescriptor) FileStatus {
	if entry := doc.Entry(rel); entry != nil && entry.GlobalStatus == metadata.StatusDeleted {
		reused := local != nil && entry.LastKnownHash != "" && local.Hash != entry.LastKnownHash ||
			remote != nil && entry.LastKnownHash != "" && remote.Hash != entry.LastKnownHash
		if reused {
			return FileStatus{rel, StateLocalOnly, "new file at a previously deleted path"}
		}
		if local == nil && remote == nil {
			return FileStatus{rel, StateInSync, "deleted on " + entry.DeletedBy}
		}
		return FileStatus{rel, StatePendingRemoval, "deleted on " + entry.DeletedBy + ", removal pending here"}
	}

	res := engine.Resolve(local, remote)
	switch res.Direction {
	case engine.None:
		return FileStatus{rel, StateInSync, res.Reason}
	case engine.LocalToRemote:
		if remote == nil {
			return FileStatus{rel, StateLocalOnly, res.Reason}
		}
		return FileStatus{rel, StateLocalNewer, res.Reason}
	default:
		if local == nil {
			return FileStatus{rel, StateRemoteOnly, res.Reason}
		}
		if local.ModTime.Truncate(time.Second).Equal(remote.ModTime.Truncate(time.Second)) {
			return FileStatus{rel, StateConflict, res.Reason}
		}
		return FileStatus{rel, StateRemoteNewer, res.Reason}
	}
}

// Versions returns the metadata entry for one relative path, including its
// version history and per-device states.
func (a *SyncApp) Versions(relPath string) (*metadata.FileEntry, error) {
	doc, err := a.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	entry := doc.Entry(relPath)
	if entry == nil {
		return nil, fmt.Errorf("no metadata entry for %q", relPath)
	}
	return entry, nil
}

// History returns the most recent journal passes, newest first.
func (a *SyncApp) History(limit int) ([]*journal.Pass, error) {
	if a.journal == nil {
		return nil, fmt.Errorf("pass journal is disabled in config")
	}
	return a.journal.RecentPasses(limit)
}

// PassEvents returns the per-file events of one journal pass.
func (a *SyncApp) PassEvents(passID string) ([]*journal.Event, error) {
	if a.journal == nil {
		return nil, fmt.Errorf("pass journal is disabled in config")
	}
	return a.journal.EventsForPass(passID)
}

// ListBackupSets lists the timestamped backup set directories, oldest first.
func (a *SyncApp) ListBackupSets() ([]string, error) {
	return backup.NewRestorer(a.cfg.Backup.Root, a.logger).ListSets()
}

// ListBackupFiles lists the backup refs within one set.
func (a *SyncApp) ListBackupFiles(set string) ([]string, error) {
	return backup.NewRestorer(a.cfg.Backup.Root, a.logger).ListFiles(set)
}

// RestoreBackup restores the backup identified by ref into destRoot,
// reversing compression and encryption. An empty destRoot restores into the
// local replica. A ref naming a whole backup set restores every file in that
// set. passphrase is asked for lazily, only when an encrypted backup is
// involved.
func (a *SyncApp) RestoreBackup(ref, destRoot string, passphrase func() (string, error)) ([]string, error) {
	if destRoot == "" {
		destRoot = a.cfg.LocalRoot
	}
	restorer := backup.NewRestorer(a.cfg.Backup.Root, a.logger)

	refs := []string{ref}
	if backup.RefIsSet(ref) {
		var err error
		refs, err = restorer.ListFiles(ref)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return nil, fmt.Errorf("backup set %s is empty", ref)
		}
	}

	var ctx engine.DecryptionContext
	for _, r := range refs {
		if backup.RefEncrypted(r) {
			pw, err := passphrase()
			if err != nil {
				return nil, fmt.Errorf("reading passphrase: %w", err)
			}
			ctx, err = a.encryptor.Unlock(pw)
			if err != nil {
				return nil, fmt.Errorf("unlocking private key: %w", err)
			}
			break
		}
	}

	if backup.RefIsSet(ref) {
		return restorer.RestoreSet(ref, destRoot, ctx)
	}
	path, err := restorer.Restore(ref, destRoot, ctx)
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// SetupKeys generates the backup encryption key pair, storing the private
// key encrypted with the passphrase. It refuses to overwrite existing keys.
func (a *SyncApp) SetupKeys(passphrase string) error {
	if a.encryptor.IsConfigured() {
		return fmt.Errorf("key pair already exists at %s", a.cfg.Encryption.PublicKeyPath)
	}
	return a.encryptor.Setup(passphrase)
}
