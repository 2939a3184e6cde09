// Package paths centralizes the on-disk layout of the package manager:
// the admin directory holding the database and per-package metadata,
// and the filesystem root packages are installed under.
package paths

import (
	"os"
	"path/filepath"
)

// DefaultAdminDir is used when neither the flag nor DPKG_ADMINDIR is set.
const DefaultAdminDir = "/var/lib/pakt"

// Paths resolves every file the engine reads or writes. The zero value
// is not usable; construct with New.
type Paths struct {
	adminDir string
	rootDir  string
}

// New builds a Paths from explicit directories, falling back to the
// DPKG_ADMINDIR and DPKG_ROOT environment variables and the built-in
// defaults.
func New(adminDir, rootDir string) Paths {
	if adminDir == "" {
		adminDir = os.Getenv("DPKG_ADMINDIR")
	}
	if adminDir == "" {
		adminDir = DefaultAdminDir
	}
	if rootDir == "" {
		rootDir = os.Getenv("DPKG_ROOT")
	}
	if rootDir == "" {
		rootDir = "/"
	}
	return Paths{adminDir: adminDir, rootDir: rootDir}
}

// AdminDir returns the admin directory root.
func (p Paths) AdminDir() string { return p.adminDir }

// RootDir returns the installation root.
func (p Paths) RootDir() string { return p.rootDir }

// InRoot maps an absolute package path onto the installation root.
func (p Paths) InRoot(path string) string {
	return filepath.Join(p.rootDir, path)
}

// StatusFile is the authoritative catalog of package states.
func (p Paths) StatusFile() string { return filepath.Join(p.adminDir, "status") }

// AvailableFile lists the known available package versions.
func (p Paths) AvailableFile() string { return filepath.Join(p.adminDir, "available") }

// UpdatesDir holds the numbered journal entries replayed into status.
func (p Paths) UpdatesDir() string { return filepath.Join(p.adminDir, "updates") }

// InfoDir holds per-package metadata and maintainer scripts.
func (p Paths) InfoDir() string { return filepath.Join(p.adminDir, "info") }

// InfoFile returns info/<pkg>.<ext>, e.g. InfoFile("foo", "list").
func (p Paths) InfoFile(pkg, ext string) string {
	return filepath.Join(p.InfoDir(), pkg+"."+ext)
}

// DiversionsFile holds the registered diversions.
func (p Paths) DiversionsFile() string { return filepath.Join(p.adminDir, "diversions") }

// StatOverrideFile holds administrator stat overrides.
func (p Paths) StatOverrideFile() string { return filepath.Join(p.adminDir, "statoverride") }

// TriggersDir holds trigger interest and deferral state.
func (p Paths) TriggersDir() string { return filepath.Join(p.adminDir, "triggers") }

// TriggersFileInterests is the file-trigger interest index.
func (p Paths) TriggersFileInterests() string { return filepath.Join(p.TriggersDir(), "File") }

// TriggersUnincorp lists activations not yet incorporated.
func (p Paths) TriggersUnincorp() string { return filepath.Join(p.TriggersDir(), "Unincorp") }

// TriggersPending returns triggers/<pkg>, the package's pending set.
func (p Paths) TriggersPending(pkg string) string { return filepath.Join(p.TriggersDir(), pkg) }

// LockFile is the engine's exclusive advisory lock sentinel.
func (p Paths) LockFile() string { return filepath.Join(p.adminDir, "lock") }

// FrontendLockFile is the outer front-end lock sentinel.
func (p Paths) FrontendLockFile() string { return filepath.Join(p.adminDir, "lock-frontend") }

// TempDir is scratch space inside the admin directory, kept on the
// same filesystem so renames stay atomic.
func (p Paths) TempDir() string { return filepath.Join(p.adminDir, "tmp.ci") }

// EnsureLayout creates the admin directory skeleton.
func (p Paths) EnsureLayout() error {
	for _, dir := range []string{
		p.adminDir,
		p.UpdatesDir(),
		p.InfoDir(),
		p.TriggersDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
