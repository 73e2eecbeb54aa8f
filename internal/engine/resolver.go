package engine

import "time"

// timeResolution is the granularity used for modification-time comparison.
// Cloud-sync clients and FAT-like filesystems round mtimes to the second,
// so finer differences are noise, not edits.
const timeResolution = time.Second

// Direction is the outcome of comparing the two replicas' descriptors for
// one logical file. The caller performs I/O based on the direction; Resolve
// itself is a pure decision function.
type Direction int

const (
	// None means no copy is needed.
	None Direction = iota

	// LocalToRemote means the local file should be copied over the remote.
	LocalToRemote

	// RemoteToLocal means the remote file should be copied over the local.
	RemoteToLocal
)

func (d Direction) String() string {
	switch d {
	case LocalToRemote:
		return "local-to-remote"
	case RemoteToLocal:
		return "remote-to-local"
	default:
		return "none"
	}
}

// Resolution pairs a direction with a human-readable reason, kept for
// logging and journal events.
type Resolution struct {
	Direction Direction
	Reason    string
}

// Resolve decides the copy direction for one relative path given the local
// and remote descriptors, either of which may be nil. The rules are applied
// in order; the first match wins:
//
//  1. both absent            -> None
//  2. only remote present    -> RemoteToLocal
//  3. only local present     -> LocalToRemote
//  4. equal content hash     -> None
//  5. local mtime newer      -> LocalToRemote
//  6. remote mtime newer     -> RemoteToLocal
//  7. equal mtime, different -> RemoteToLocal
//
// Rule 7 is the deterministic tie-break: when two devices produced different
// content at the same second, every device resolves toward the shared
// replica, so all devices converge on the same bytes. Modification times are
// truncated to whole seconds before comparison because cloud-sync clients
// and FAT-like filesystems round them.
func Resolve(local, remote *FileDescriptor) Resolution {
	switch {
	case local == nil && remote == nil:
		return Resolution{None, "missing from both replicas"}
	case local == nil:
		return Resolution{RemoteToLocal, "missing locally"}
	case remote == nil:
		return Resolution{LocalToRemote, "missing from remote"}
	}

	if local.Hash == remote.Hash {
		return Resolution{None, "identical content"}
	}

	lm := local.ModTime.Truncate(timeResolution)
	rm := remote.ModTime.Truncate(timeResolution)

	switch {
	case lm.After(rm):
		return Resolution{LocalToRemote, "local copy is newer"}
	case rm.After(lm):
		return Resolution{RemoteToLocal, "remote copy is newer"}
	default:
		// Same timestamp, different content: remote wins so every
		// device converges on the shared replica's bytes.
		return Resolution{RemoteToLocal, "divergent content with equal timestamps, remote wins"}
	}
}
