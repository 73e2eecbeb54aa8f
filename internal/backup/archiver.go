// Package backup preserves about-to-be-replaced files in a timestamped,
// path-preserving backup area, and restores them on demand.
package backup

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"savesync/internal/engine"
)

// Suffixes appended to archived files by post-processing, outermost last.
const (
	gzipSuffix = ".gz"
	ageSuffix  = ".age"
)

// PassStampFormat names each pass's backup directory.
const PassStampFormat = "20060102150405"

// Archiver copies files into <root>/<pass-stamp>/<relative dir>/<filename>
// before any destructive or overwriting operation. One Archiver serves one
// pass: every archive of the pass lands under the same timestamp directory.
type Archiver struct {
	root      string
	passStamp string
	compress  bool
	encryptor engine.Encryptor // nil when encryption is off
	logger    engine.Logger
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithCompression gzips archived files.
func WithCompression() Option {
	return func(a *Archiver) { a.compress = true }
}

// WithEncryption age-encrypts archived files (after compression, so the
// ciphertext does not defeat the compressor).
func WithEncryption(enc engine.Encryptor) Option {
	return func(a *Archiver) { a.encryptor = enc }
}

// NewArchiver creates an Archiver for one pass starting at passTime.
func NewArchiver(root string, passTime time.Time, logger engine.Logger, opts ...Option) *Archiver {
	a := &Archiver{
		root:      root,
		passStamp: passTime.UTC().Format(PassStampFormat),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive copies sourcePath into the pass's backup set under relPath,
// preserving timestamps. It returns a reference relative to the backup root,
// suitable for storage in a version entry. A missing source is a warning and
// a "" reference, not an error: there was nothing to lose.
func (a *Archiver) Archive(sourcePath, relPath, reason string) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			a.logger.Warn("nothing to archive, source missing", "path", sourcePath, "reason", reason)
			return "", nil
		}
		return "", fmt.Errorf("stating backup source: %w", err)
	}

	ref := path.Join(a.passStamp, relPath)
	if a.compress {
		ref += gzipSuffix
	}
	if a.encryptor != nil {
		ref += ageSuffix
	}
	dest := filepath.Join(a.root, filepath.FromSlash(ref))

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	if err := a.writeBackup(sourcePath, dest); err != nil {
		return "", fmt.Errorf("archiving %s: %w", sourcePath, err)
	}

	// Keep the original times on the archived copy so a restored file
	// participates in timestamp comparison exactly like the original.
	if err := os.Chtimes(dest, info.ModTime(), info.ModTime()); err != nil {
		a.logger.Warn("could not preserve backup timestamps", "path", dest, "error", err)
	}

	a.logger.Debug("archived file", "source", sourcePath, "backup", ref, "reason", reason)
	return ref, nil
}

// writeBackup streams source through the configured post-processing chain
// into dest.
func (a *Archiver) writeBackup(sourcePath, dest string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating backup file: %w", err)
	}
	defer out.Close()

	var w io.Writer = out

	if a.encryptor != nil {
		// Encryption is the outermost layer on disk, so it must wrap the
		// file writer directly. Buffering through a pipe keeps the chain
		// streaming for both transforms.
		if a.compress {
			pr, pw := io.Pipe()
			done := make(chan error, 1)
			go func() {
				done <- a.encryptor.Encrypt(pr, out)
			}()
			gz := gzip.NewWriter(pw)
			if _, err := io.Copy(gz, src); err != nil {
				pw.CloseWithError(err)
				<-done
				return fmt.Errorf("compressing: %w", err)
			}
			if err := gz.Close(); err != nil {
				pw.CloseWithError(err)
				<-done
				return fmt.Errorf("finalizing compression: %w", err)
			}
			pw.Close()
			if err := <-done; err != nil {
				return fmt.Errorf("encrypting: %w", err)
			}
			return out.Sync()
		}
		if err := a.encryptor.Encrypt(src, out); err != nil {
			return fmt.Errorf("encrypting: %w", err)
		}
		return out.Sync()
	}

	if a.compress {
		gz := gzip.NewWriter(w)
		if _, err := io.Copy(gz, src); err != nil {
			return fmt.Errorf("compressing: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("finalizing compression: %w", err)
		}
		return out.Sync()
	}

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copying: %w", err)
	}
	return out.Sync()
}
