package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"savesync/internal/engine"
)

// Restorer copies files out of the backup area back into a replica,
// reversing the archive post-processing (decrypt, then gunzip).
type Restorer struct {
	root   string
	logger engine.Logger
}

// NewRestorer creates a Restorer over the given backup root.
func NewRestorer(root string, logger engine.Logger) *Restorer {
	return &Restorer{root: root, logger: logger}
}

// RefEncrypted reports whether the backup reference names an encrypted file.
func RefEncrypted(ref string) bool {
	return strings.HasSuffix(ref, ageSuffix)
}

// RefIsSet reports whether the reference names a whole backup set rather
// than a single file within one.
func RefIsSet(ref string) bool {
	return !strings.ContainsRune(ref, '/')
}

// ListSets returns the pass timestamps present in the backup area, oldest
// first.
func (r *Restorer) ListSets() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup root: %w", err)
	}

	var sets []string
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) == len(PassStampFormat) {
			sets = append(sets, e.Name())
		}
	}
	sort.Strings(sets)
	return sets, nil
}

// ListFiles returns the backup references inside one set, relative to the
// backup root.
func (r *Restorer) ListFiles(set string) ([]string, error) {
	setDir := filepath.Join(r.root, set)
	var refs []string
	err := filepath.WalkDir(setDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		refs = append(refs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking backup set %s: %w", set, err)
	}
	sort.Strings(refs)
	return refs, nil
}

// Restore writes the backup identified by ref into destRoot under its
// original relative path, undoing encryption and compression by suffix.
// decryptCtx is required for .age backups; pass nil otherwise. Returns the
// restored file's absolute path.
func (r *Restorer) Restore(ref, destRoot string, decryptCtx engine.DecryptionContext) (string, error) {
	src := filepath.Join(r.root, filepath.FromSlash(ref))
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stating backup %s: %w", ref, err)
	}

	// Strip "<pass-stamp>/" to recover the original relative path, then the
	// post-processing suffixes.
	relPath := ref
	if i := strings.IndexByte(relPath, '/'); i >= 0 {
		relPath = relPath[i+1:]
	}
	encrypted := strings.HasSuffix(relPath, ageSuffix)
	relPath = strings.TrimSuffix(relPath, ageSuffix)
	compressed := strings.HasSuffix(relPath, gzipSuffix)
	relPath = strings.TrimSuffix(relPath, gzipSuffix)

	if encrypted && decryptCtx == nil {
		return "", fmt.Errorf("backup %s is encrypted: unlock the private key first", ref)
	}

	dest := filepath.Join(destRoot, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating restore directory: %w", err)
	}

	if err := r.writeRestore(src, dest, encrypted, compressed, decryptCtx); err != nil {
		return "", fmt.Errorf("restoring %s: %w", ref, err)
	}

	if err := os.Chtimes(dest, info.ModTime(), info.ModTime()); err != nil {
		r.logger.Warn("could not preserve restored timestamps", "path", dest, "error", err)
	}

	r.logger.Info("restored file", "backup", ref, "path", dest)
	return dest, nil
}

func (r *Restorer) writeRestore(src, dest string, encrypted, compressed bool, decryptCtx engine.DecryptionContext) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening backup: %w", err)
	}
	defer in.Close()

	var reader io.Reader = in

	if encrypted {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(decryptCtx.Decrypt(in, pw))
		}()
		reader = pr
	}

	if compressed {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return fmt.Errorf("opening compressed backup: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating restored file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return fmt.Errorf("writing restored file: %w", err)
	}
	return out.Sync()
}

// RestoreSet restores every file of one backup set into destRoot under the
// original relative paths. Returns the restored paths.
func (r *Restorer) RestoreSet(set, destRoot string, decryptCtx engine.DecryptionContext) ([]string, error) {
	refs, err := r.ListFiles(set)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("backup set %s is empty or missing", set)
	}

	restored := make([]string, 0, len(refs))
	for _, ref := range refs {
		dest, err := r.Restore(ref, destRoot, decryptCtx)
		if err != nil {
			return restored, err
		}
		restored = append(restored, dest)
	}
	return restored, nil
}
