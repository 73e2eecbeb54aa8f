package scan

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"savesync/internal/engine"
)

// Scanner enumerates a replica root and produces the flat relative-path map
// the engine reconciles against. Only the immediate subdirectories of the
// root are visited (one per save group), and within each group only files
// carrying one of the two recognized extensions are considered.
type Scanner struct {
	primaryExt   string
	companionExt string
	logger       engine.Logger
}

// NewScanner creates a Scanner recognizing the given extension pair.
// Extensions are matched case-insensitively and must include the leading dot.
func NewScanner(primaryExt, companionExt string, logger engine.Logger) *Scanner {
	return &Scanner{
		primaryExt:   strings.ToLower(primaryExt),
		companionExt: strings.ToLower(companionExt),
		logger:       logger,
	}
}

// Scan walks root and returns a map of relative path -> descriptor.
// A missing root is not an error: the replica simply has nothing, and the
// caller decides whether that is acceptable for its sync mode.
//
// Hashing is fanned out across a bounded worker group; the engine only
// consumes the final map, so completion order does not matter. Files that
// fail to hash are logged and excluded from the map for this pass.
func (s *Scanner) Scan(root string) (engine.FileMap, error) {
	groups, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.FileMap{}, nil
		}
		return nil, fmt.Errorf("reading scan root %s: %w", root, err)
	}

	type candidate struct {
		relPath string
		absPath string
	}
	var candidates []candidate

	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		groupDir := filepath.Join(root, g.Name())
		entries, err := os.ReadDir(groupDir)
		if err != nil {
			s.logger.Warn("skipping unreadable group directory", "dir", groupDir, "error", err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !s.Recognized(e.Name()) {
				continue
			}
			candidates = append(candidates, candidate{
				relPath: path.Join(g.Name(), e.Name()),
				absPath: filepath.Join(groupDir, e.Name()),
			})
		}
	}

	files := make(engine.FileMap, len(candidates))
	var mu sync.Mutex

	grp := &errgroup.Group{}
	grp.SetLimit(runtime.NumCPU())

	for _, c := range candidates {
		c := c
		grp.Go(func() error {
			info, err := os.Stat(c.absPath)
			if err != nil {
				s.logger.Warn("skipping unstattable file", "path", c.absPath, "error", err)
				return nil
			}
			hash, err := HashFile(c.absPath)
			if err != nil {
				// Treat as absent for this pass; never fatal.
				s.logger.Warn("skipping unhashable file", "path", c.absPath, "error", err)
				return nil
			}
			mu.Lock()
			files[c.relPath] = &engine.FileDescriptor{
				RelPath: c.relPath,
				Hash:    hash,
				Size:    info.Size(),
				ModTime: info.ModTime(),
				AbsPath: c.absPath,
			}
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait is for completion only.
	_ = grp.Wait()

	return files, nil
}

// Recognized reports whether the file name carries one of the two
// recognized extensions.
func (s *Scanner) Recognized(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == s.primaryExt || ext == s.companionExt
}

// CompanionPath returns the relative path of the paired artifact: the same
// base path with the other recognized extension. The second return is false
// when relPath does not carry a recognized extension.
func (s *Scanner) CompanionPath(relPath string) (string, bool) {
	ext := strings.ToLower(path.Ext(relPath))
	base := strings.TrimSuffix(relPath, path.Ext(relPath))
	switch ext {
	case s.primaryExt:
		return base + s.companionExt, true
	case s.companionExt:
		return base + s.primaryExt, true
	default:
		return "", false
	}
}
