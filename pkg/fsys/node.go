// Package fsys maintains the process-wide table of filesystem nodes:
// every path any package is known to own, with per-node owner lists,
// diversions, administrator stat overrides, and the transient per-run
// state used by the archive pipeline.
package fsys

import (
	"io/fs"
)

// Flags is the transient per-run state of a node, cleared by
// Table.ResetFlags.
type Flags uint16

const (
	// FlagNewConffile marks a conffile arriving in the new archive.
	FlagNewConffile Flags = 1 << iota
	// FlagInNewArchive marks any path present in the new archive.
	FlagInNewArchive
	// FlagOldConffile marks a conffile of the outgoing version.
	FlagOldConffile
	// FlagObsoleteConffile marks a conffile dropped by the new version.
	FlagObsoleteConffile
	// FlagElideFromOthers schedules removal from other packages' lists.
	FlagElideFromOthers
	// FlagNoAtomicOverwrite marks a path that is a directory somewhere
	// and so cannot be renamed over.
	FlagNoAtomicOverwrite
	// FlagPlacedOnDisk marks a staged .new file already on disk.
	FlagPlacedOnDisk
	// FlagDeferredFsync marks a staged file whose fsync is batched.
	FlagDeferredFsync
	// FlagDeferredRename marks a staged file whose rename is batched.
	FlagDeferredRename
	// FlagFiltered marks a path excluded by path filters.
	FlagFiltered
)

// OnDiskID identifies a file on disk across renames.
type OnDiskID struct {
	Dev uint64
	Ino uint64
}

// StatOverride is an administrator-specified owner, group and mode for
// a path, applied at unpack time instead of the archive metadata.
type StatOverride struct {
	UID  int
	GID  int
	Mode fs.FileMode
}

// Node is one interned filesystem path. Name is canonical: absolute,
// a single leading slash, no "./" segments.
type Node struct {
	Name string

	// owners holds the names of the packages claiming this path, in
	// registration order.
	owners []string

	Divert       *Diversion
	StatOverride *StatOverride

	// Transient run state, cleared by ResetFlags.
	Flags    Flags
	OldHash  string
	NewHash  string
	OnDiskID *OnDiskID

	next *Node
}

// Owners returns the owning package names in registration order. The
// slice is shared and must not be mutated.
func (n *Node) Owners() []string {
	return n.owners
}

// OwnedBy reports whether pkg is among the node's owners.
func (n *Node) OwnedBy(pkg string) bool {
	for _, o := range n.owners {
		if o == pkg {
			return true
		}
	}
	return false
}

// SetFlag sets the given flag bits.
func (n *Node) SetFlag(f Flags) { n.Flags |= f }

// ClearFlag clears the given flag bits.
func (n *Node) ClearFlag(f Flags) { n.Flags &^= f }

// HasFlag reports whether all of the given flag bits are set.
func (n *Node) HasFlag(f Flags) bool { return n.Flags&f == f }

// EffectivePath returns the path content for pkg should actually be
// installed at, honouring any diversion on the node.
func (n *Node) EffectivePath(pkg string) string {
	if n.Divert == nil || n.Divert.Redirected == nil {
		return n.Name
	}
	if n.Divert.Package != "" && n.Divert.Package == pkg {
		return n.Name
	}
	return n.Divert.Redirected.Name
}

// Diversion redirects installation of a contested path to an alternate
// path for every package except the named one. An empty Package means
// a local (administrator) diversion that redirects all packages.
type Diversion struct {
	Contested  *Node
	Redirected *Node
	Package    string
}
