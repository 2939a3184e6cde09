package fsys

import (
	"github.com/arthur-debert/pakt/pkg/errors"
)

// bins must always be a prime for even bucket spread. This is a
// prime just below 2^18.
const bins = 262139

// FindFlags controls Table.Find behaviour.
type FindFlags int

const (
	// FindExisting returns nil when the path is not yet interned.
	FindExisting FindFlags = 0
	// CreateIfMissing interns a new node on lookup miss.
	CreateIfMissing FindFlags = 1 << iota
)

// Table is the interned set of filesystem nodes, a fixed-bucket hash
// table keyed by canonical path. Nodes live for the table's lifetime.
type Table struct {
	buckets []*Node
	entries int

	// files maps package name to its owned nodes in list order.
	files map[string][]*Node

	diversions []*Diversion
}

// NewTable returns an empty node table.
func NewTable() *Table {
	return &Table{
		buckets: make([]*Node, bins),
		files:   make(map[string][]*Node),
	}
}

// Len returns the number of interned nodes.
func (t *Table) Len() int { return t.entries }

// normalize strips leading slashes and "./" pairs, leaving the
// canonical name without its leading slash.
func normalize(path string) string {
	for {
		switch {
		case len(path) > 0 && path[0] == '/':
			path = path[1:]
		case len(path) > 1 && path[0] == '.' && path[1] == '/':
			path = path[2:]
		default:
			return path
		}
	}
}

// fnvHash is the 32-bit FNV-1a hash over the normalized name.
func fnvHash(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Find looks up path, normalizing it first. With CreateIfMissing a new
// node is interned on miss; otherwise nil is returned.
func (t *Table) Find(path string, flags FindFlags) *Node {
	name := normalize(path)
	slot := fnvHash(name) % bins

	for n := t.buckets[slot]; n != nil; n = n.next {
		if n.Name[0] != '/' {
			panic(errors.Internal("filename node %q does not start with '/'", n.Name))
		}
		if n.Name[1:] == name {
			return n
		}
	}
	if flags&CreateIfMissing == 0 {
		return nil
	}

	node := &Node{Name: "/" + name, next: t.buckets[slot]}
	t.buckets[slot] = node
	t.entries++
	return node
}

// ResetFlags clears every node's transient run state while preserving
// identity, owners, diversions and stat overrides.
func (t *Table) ResetFlags() {
	for i := range t.buckets {
		for n := t.buckets[i]; n != nil; n = n.next {
			n.Flags = 0
			n.OldHash = ""
			n.NewHash = ""
			n.OnDiskID = nil
		}
	}
}

// Iterate calls fn for every node. Iteration order is unspecified.
func (t *Table) Iterate(fn func(*Node) bool) {
	for i := range t.buckets {
		for n := t.buckets[i]; n != nil; n = n.next {
			if !fn(n) {
				return
			}
		}
	}
}

// PackageFiles returns the nodes owned by pkg, in recorded order. The
// slice is shared and must not be mutated.
func (t *Table) PackageFiles(pkg string) []*Node {
	return t.files[pkg]
}

// AddOwner records pkg as an owner of node, appending to the package's
// file list. Adding an existing owner is a no-op.
func (t *Table) AddOwner(node *Node, pkg string) {
	if node.OwnedBy(pkg) {
		return
	}
	node.owners = append(node.owners, pkg)
	t.files[pkg] = append(t.files[pkg], node)
}

// RemoveOwner drops pkg from the node's owner list and the node from
// the package's file list.
func (t *Table) RemoveOwner(node *Node, pkg string) {
	owners := node.owners[:0]
	for _, o := range node.owners {
		if o != pkg {
			owners = append(owners, o)
		}
	}
	node.owners = owners

	list := t.files[pkg]
	out := list[:0]
	for _, n := range list {
		if n != node {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		delete(t.files, pkg)
	} else {
		t.files[pkg] = out
	}
}

// DropPackage removes pkg from every node it owns.
func (t *Table) DropPackage(pkg string) {
	for _, node := range append([]*Node(nil), t.files[pkg]...) {
		t.RemoveOwner(node, pkg)
	}
}

// SetPackageFiles replaces pkg's file list wholesale, fixing up owner
// back-references.
func (t *Table) SetPackageFiles(pkg string, nodes []*Node) {
	t.DropPackage(pkg)
	for _, n := range nodes {
		t.AddOwner(n, pkg)
	}
}
