package engine

import "time"

// FileDescriptor describes one file as observed by a single scan pass.
// Descriptors are ephemeral: they are recomputed from disk on every pass and
// never persisted.
type FileDescriptor struct {
	// RelPath is the path relative to the scanned root, using forward
	// slashes regardless of platform. It is the identity of the logical
	// file across replicas.
	RelPath string

	// Hash is the lowercase hex SHA-256 digest of the file content.
	Hash string

	// Size is the file size in bytes.
	Size int64

	// ModTime is the file's last-modification time.
	ModTime time.Time

	// AbsPath is the absolute on-disk location the descriptor was read from.
	AbsPath string
}

// FileMap is the result of scanning one replica: relative path -> descriptor.
type FileMap map[string]*FileDescriptor

// Paths returns the set of relative paths present in the map.
func (m FileMap) Paths() map[string]struct{} {
	set := make(map[string]struct{}, len(m))
	for p := range m {
		set[p] = struct{}{}
	}
	return set
}
