// Package script runs maintainer scripts (preinst, postinst, prerm,
// postrm) as child processes with the documented argv and environment
// contract. Scripts are invoked by direct exec with the argv preserved
// verbatim; no shell is involved.
package script

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/paths"
)

// Known maintainer script names.
const (
	Preinst  = "preinst"
	Postinst = "postinst"
	Prerm    = "prerm"
	Postrm   = "postrm"
)

// Runner locates and executes one package's maintainer scripts.
type Runner struct {
	Paths paths.Paths

	// Force is the comma-separated list of enabled force flags, passed
	// through to scripts as DPKG_FORCE.
	Force string

	// Stdout and Stderr default to the process's own when nil.
	Stdout *os.File
	Stderr *os.File
}

// Path returns the on-disk location of the named script for pkg.
func (r *Runner) Path(pkg, name string) string {
	return r.Paths.InfoFile(pkg, name)
}

// Exists reports whether pkg ships the named script.
func (r *Runner) Exists(pkg, name string) bool {
	st, err := os.Stat(r.Path(pkg, name))
	return err == nil && st.Mode().IsRegular()
}

// Run executes info/<pkg>.<name> with the given arguments. A missing
// script succeeds trivially. A non-zero exit maps to ErrScriptFailed;
// the caller decides what that does to the package's eflag.
func (r *Runner) Run(pkg, arch, name string, args ...string) error {
	path := r.Path(pkg, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	log := logging.GetLogger("script")
	log.Info().
		Str("package", pkg).
		Str("script", name).
		Strs("args", args).
		Msg("running maintainer script")

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(),
		"DPKG_MAINTSCRIPT_PACKAGE="+pkg,
		"DPKG_MAINTSCRIPT_ARCH="+arch,
		"DPKG_MAINTSCRIPT_NAME="+name,
		"DPKG_ADMINDIR="+r.Paths.AdminDir(),
		"DPKG_ROOT="+r.Paths.RootDir(),
	)
	if r.Force != "" {
		cmd.Env = append(cmd.Env, "DPKG_FORCE="+r.Force)
	}
	cmd.Dir = r.Paths.RootDir()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if r.Stdout != nil {
		cmd.Stdout = r.Stdout
	}
	if r.Stderr != nil {
		cmd.Stderr = r.Stderr
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return errors.Newf(errors.ErrScriptFailed,
			"%s script of %s returned error exit status %d", name, pkg, ee.ExitCode()).
			WithDetail("package", pkg).
			WithDetail("script", name)
	}
	return errors.Wrapf(err, errors.ErrScriptFailed, "unable to execute %s script of %s", name, pkg)
}

// InstallFromControl copies the maintainer scripts and control
// metadata extracted from an archive into the info directory under
// the package's name.
func (r *Runner) InstallFromControl(pkg string, files map[string][]byte) error {
	for name, data := range files {
		mode := os.FileMode(0644)
		switch name {
		case Preinst, Postinst, Prerm, Postrm, "config":
			mode = 0755
		}
		path := r.Paths.InfoFile(pkg, name)
		if err := os.WriteFile(path, data, mode); err != nil {
			return errors.Wrapf(err, errors.ErrFileWrite, "installing control file %s for %s", name, pkg)
		}
	}
	return nil
}

// RemoveAll deletes every info/<pkg>.* control file.
func (r *Runner) RemoveAll(pkg string) error {
	dir := r.Paths.InfoDir()
	des, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "reading info directory")
	}
	prefix := pkg + "."
	for _, de := range des {
		if len(de.Name()) > len(prefix) && de.Name()[:len(prefix)] == prefix {
			if err := os.Remove(fmt.Sprintf("%s/%s", dir, de.Name())); err != nil {
				return errors.Wrapf(err, errors.ErrFileRemove, "removing %s", de.Name())
			}
		}
	}
	return nil
}
