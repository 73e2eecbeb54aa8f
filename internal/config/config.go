// Package config reads and writes the savesync TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Sync modes. In push mode the engine never writes to the local replica; in
// pull mode it never writes to the remote replica.
const (
	ModeBidirectional = "bidirectional"
	ModePush          = "push"
	ModePull          = "pull"
)

// Config is the immutable configuration for one savesync installation.
// It is decoded once at startup and passed by value into the engine; there
// is no process-wide mutable configuration state.
type Config struct {
	DeviceID   string `toml:"device_id"`
	LocalRoot  string `toml:"local_root"`
	RemoteRoot string `toml:"remote_root"`
	LogDir     string `toml:"log_dir"`
	DataDir    string `toml:"data_dir"`

	// Mode is one of bidirectional, push, or pull.
	Mode string `toml:"mode"`

	// MaxVersionHistory caps each file entry's version list. Zero means the
	// default of 10.
	MaxVersionHistory int `toml:"max_version_history"`

	// PrimaryExt and CompanionExt are the recognized extension pair. A save
	// artifact and its companion config are always created and deleted
	// together.
	PrimaryExt   string `toml:"primary_ext"`
	CompanionExt string `toml:"companion_ext"`

	Backup     BackupConfig     `toml:"backup"`
	Encryption EncryptionConfig `toml:"encryption"`
	Journal    JournalConfig    `toml:"journal"`
}

// BackupConfig controls the pre-overwrite backup area.
type BackupConfig struct {
	// Root is the backup area root. Empty means <data_dir>/backups.
	Root string `toml:"root,omitempty"`

	// Compress gzips archived files.
	Compress bool `toml:"compress"`

	// Encrypt age-encrypts archived files (after compression).
	Encrypt bool `toml:"encrypt"`

	// TolerateFailure lets a destructive operation proceed even when the
	// preceding backup failed. Off by default: skipping the destructive
	// step is recoverable, an unbacked-up overwrite is not.
	TolerateFailure bool `toml:"tolerate_failure"`
}

// EncryptionConfig holds the age key pair used for backup encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// Journal types.
const (
	JournalSQLite = "sqlite"
	JournalOff    = "off"
)

// JournalConfig controls the device-local pass journal.
type JournalConfig struct {
	// Type is "sqlite" (default) or "off".
	Type string `toml:"type"`

	// Path is the journal database file. Empty means <data_dir>/journal.db.
	Path string `toml:"path,omitempty"`
}

// NewConfig creates a Config with the provided identity and sensible
// defaults rooted under baseDir.
func NewConfig(deviceID, localRoot, remoteRoot, baseDir string) *Config {
	return &Config{
		DeviceID:     deviceID,
		LocalRoot:    localRoot,
		RemoteRoot:   remoteRoot,
		LogDir:       filepath.Join(baseDir, "log"),
		DataDir:      baseDir,
		Mode:         ModeBidirectional,
		PrimaryExt:   ".sbp",
		CompanionExt: ".sbc",
		Backup: BackupConfig{
			Root: filepath.Join(baseDir, "backups"),
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "savesync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "savesync.key"),
		},
	}
}

// Validate checks the fields every command depends on and fills defaults for
// the optional ones.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id must be set")
	}
	if c.LocalRoot == "" {
		return fmt.Errorf("local_root must be set")
	}
	if c.RemoteRoot == "" {
		return fmt.Errorf("remote_root must be set")
	}
	switch c.Mode {
	case "":
		c.Mode = ModeBidirectional
	case ModeBidirectional, ModePush, ModePull:
	default:
		return fmt.Errorf("unknown sync mode %q", c.Mode)
	}
	if c.PrimaryExt == "" {
		c.PrimaryExt = ".sbp"
	}
	if c.CompanionExt == "" {
		c.CompanionExt = ".sbc"
	}
	if c.Backup.Root == "" {
		c.Backup.Root = filepath.Join(c.DataDir, "backups")
	}
	switch c.Journal.Type {
	case "":
		c.Journal.Type = JournalSQLite
	case JournalSQLite, JournalOff:
	default:
		return fmt.Errorf("unknown journal type %q", c.Journal.Type)
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.DataDir, "journal.db")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
