package archive

import (
	"archive/tar"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/arthur-debert/pakt/pkg/conffile"
	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/deps"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/fsys"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/paths"
	"github.com/arthur-debert/pakt/pkg/policy"
	"github.com/arthur-debert/pakt/pkg/script"
	"github.com/arthur-debert/pakt/pkg/triggers"
	"github.com/arthur-debert/pakt/pkg/version"
)

// NativeArch returns the dpkg-style name of the running architecture.
func NativeArch() string {
	switch runtime.GOARCH {
	case "386":
		return "i386"
	case "arm":
		return "armhf"
	default:
		return runtime.GOARCH
	}
}

// Installer owns the state shared by the archive pipeline and the
// configure/remove operations.
type Installer struct {
	DB       *db.DB
	Table    *fsys.Table
	Checker  *deps.Checker
	Policy   *policy.Policy
	Scripts  *script.Runner
	Conffile *conffile.Resolver
	Triggers *triggers.State
	Paths    paths.Paths
	Journal  *db.Journal

	// Arch is the native architecture accepted next to "all".
	Arch string
}

// staged records one file placed on disk as a .dpkg-new sibling.
type staged struct {
	node     *fsys.Node
	target   string // effective absolute path inside the root
	conffile bool
	hash     string
}

// Unpack drives one archive through validation, staging and commit,
// leaving the package in state unpacked.
func (in *Installer) Unpack(archivePath string) (*db.Package, error) {
	log := logging.GetLogger("archive")

	// Transient node flags are scoped to one archive's run.
	in.Table.ResetFlags()

	arch := Open(archivePath)
	cd, err := arch.ReadControl()
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("package", cd.Name).
		Str("version", cd.Binary.Version.String()).
		Str("archive", archivePath).
		Msg("preparing to unpack")

	if err := in.validate(cd); err != nil {
		return nil, err
	}

	pkg := in.DB.Ensure(cd.Name, cd.Arch)
	oldVersion := pkg.Installed.Version
	upgrading := pkg.State.OwnsFiles()

	// Enumerate the payload and resolve conflicts before anything
	// touches the disk.
	nodes, err := in.enumerate(arch)
	if err != nil {
		return nil, err
	}
	if err := in.checkFileConflicts(pkg, &cd.Binary, nodes); err != nil {
		return nil, err
	}

	// Stage every entry as a .dpkg-new sibling (directories are made
	// for real).
	plan, err := in.stage(pkg, arch, cd)
	if err != nil {
		in.cleanupStaged(plan)
		return nil, err
	}

	// Old package gets a chance to object before its files go away.
	if upgrading {
		if err := in.Scripts.Run(pkg.Name, pkg.Arch, script.Prerm,
			"upgrade", cd.Binary.Version.String()); err != nil {
			in.cleanupStaged(plan)
			return nil, err
		}
	}

	if err := in.runPreinst(pkg, cd, upgrading, oldVersion); err != nil {
		in.cleanupStaged(plan)
		return nil, err
	}

	// First irreversible step: record half-installed before the
	// commit, so crash recovery knows the package is in flight.
	pkg.Want = db.WantInstall
	pkg.State = db.StateHalfInstalled
	oldConffiles := pkg.Installed.Conffiles
	pkg.Installed = cd.Binary
	in.carryConffileHashes(pkg, cd, oldConffiles)
	if err := in.Journal.Record(pkg); err != nil {
		in.cleanupStaged(plan)
		return nil, err
	}

	if err := in.commit(plan); err != nil {
		return nil, err
	}

	oldFiles := append([]*fsys.Node(nil), in.Table.PackageFiles(pkg.Name)...)
	in.removeDisappearedFiles(pkg, oldFiles)

	// Transfer ownership to the new file list.
	var newNodes []*fsys.Node
	for _, st := range plan {
		newNodes = append(newNodes, st.node)
	}
	for _, n := range nodes {
		if n.HasFlag(fsys.FlagInNewArchive) && !containsNode(newNodes, n) {
			newNodes = append(newNodes, n)
		}
	}
	in.Table.SetPackageFiles(pkg.Name, newNodes)

	// Packages that ceded contested paths (Replaces, force-overwrite)
	// drop their ownership, so each path ends with exactly one owner.
	ceded := make(map[string]bool)
	for _, n := range newNodes {
		if !n.HasFlag(fsys.FlagElideFromOthers) {
			continue
		}
		for _, owner := range append([]string(nil), n.Owners()...) {
			if owner != pkg.Name {
				in.Table.RemoveOwner(n, owner)
				ceded[owner] = true
			}
		}
	}
	for owner := range ceded {
		var b strings.Builder
		if err := in.Table.WritePackageList(owner, &b); err != nil {
			return nil, err
		}
		if err := os.WriteFile(in.Paths.InfoFile(owner, "list"), []byte(b.String()), 0644); err != nil {
			return nil, errors.Wrapf(err, errors.ErrFileWrite, "rewriting file list of %s", owner)
		}
	}

	if err := in.writeInfoFiles(pkg, cd, plan); err != nil {
		return nil, err
	}

	pkg.State = db.StateUnpacked
	if err := in.Journal.Record(pkg); err != nil {
		return nil, err
	}

	// The outgoing version cleans up after itself.
	if upgrading {
		if err := in.Scripts.Run(pkg.Name, pkg.Arch, script.Postrm,
			"upgrade", oldVersion.String()); err != nil {
			log.Warn().Err(err).Str("package", pkg.Name).Msg("postrm of old version failed, continuing")
		}
	}

	// Every path written may fire file triggers of other packages.
	for _, st := range plan {
		in.Triggers.ActivateFile(st.node.Name, pkg)
	}

	log.Info().Str("package", pkg.DisplayName()).Str("version", pkg.Installed.Version.String()).Msg("unpacked")
	return pkg, nil
}

// validate applies the pre-flight checks: architecture compatibility,
// pre-depends and negative relations. Package name and version syntax
// are checked earlier, when the control stanza is decoded.
func (in *Installer) validate(cd *ControlData) error {
	arch := in.Arch
	if arch == "" {
		arch = NativeArch()
	}
	if cd.Arch != "all" && cd.Arch != arch {
		err := errors.Newf(errors.ErrArchitecture,
			"package architecture (%s) does not match system (%s)", cd.Arch, arch)
		if derr := in.Policy.Decide(policy.ForceArchitecture, err); derr != nil {
			return derr
		}
	}

	for _, dep := range cd.Binary.PreDepends {
		// A pre-dependency must be fully configured before unpack even
		// starts; Defer is as fatal as Halt here.
		probe := &db.Package{Name: cd.Name, Arch: cd.Arch}
		if verdict, reason := in.Checker.Check(probe, dep); verdict != deps.OK {
			err := errors.Newf(errors.ErrPreDepends,
				"pre-dependency problem:\n%s\ncannot unpack %s", reason, cd.Name)
			if derr := in.Policy.Decide(policy.ForceDepends, err); derr != nil {
				return derr
			}
		}
	}

	incoming := &db.Package{Name: cd.Name, Arch: cd.Arch}
	for _, v := range in.Checker.AgainstInstall(incoming, &cd.Binary) {
		flag := policy.ForceConflicts
		if v.Breaks {
			flag = policy.ForceBreaks
		}
		err := errors.Newf(errors.ErrConflicts, "package %s %s", cd.Name, v.String())
		if derr := in.Policy.Decide(flag, err); derr != nil {
			return derr
		}
	}
	return nil
}

// enumerate interns every payload path, resolving diversions and
// flagging nodes as belonging to the new archive.
func (in *Installer) enumerate(arch *Archive) ([]*fsys.Node, error) {
	var nodes []*fsys.Node
	err := arch.WalkData(func(e Entry) error {
		node := in.Table.Find(e.Path, fsys.CreateIfMissing)
		node.SetFlag(fsys.FlagInNewArchive)
		nodes = append(nodes, node)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// checkFileConflicts refuses to overwrite files owned by other
// installed packages unless Replaces or force-overwrite allows it.
// Paths that are directories on disk are shared and never conflict.
func (in *Installer) checkFileConflicts(pkg *db.Package, bin *db.Binary, nodes []*fsys.Node) error {
	for _, node := range nodes {
		if fi, err := os.Lstat(in.Paths.InRoot(node.EffectivePath(pkg.Name))); err == nil && fi.IsDir() {
			continue
		}
		for _, owner := range node.Owners() {
			if owner == pkg.Name {
				continue
			}
			other := in.DB.Find(owner)
			if other == nil || !other.State.OwnsFiles() {
				continue
			}
			if deps.Replaces(bin, other) {
				// Replaces: the other package silently cedes the path.
				node.SetFlag(fsys.FlagElideFromOthers)
				continue
			}
			err := errors.Newf(errors.ErrFileConflict,
				"trying to overwrite '%s', which is also in package %s %s",
				node.Name, other.DisplayName(), other.Installed.Version)
			if derr := in.Policy.Decide(policy.ForceOverwrite, err); derr != nil {
				return derr
			}
			node.SetFlag(fsys.FlagElideFromOthers)
		}
	}
	return nil
}

// stage writes every payload entry next to its target. Regular files
// go to <target>.dpkg-new with fsync and symlinks to <target>.dpkg-new;
// directories are created in place. Hard links, fifos and device
// nodes are not written to disk.
func (in *Installer) stage(pkg *db.Package, arch *Archive, cd *ControlData) ([]staged, error) {
	conffiles := make(map[string]bool, len(cd.Conffiles))
	for _, path := range cd.Conffiles {
		conffiles[path] = true
	}

	var plan []staged
	err := arch.WalkData(func(e Entry) error {
		node := in.Table.Find(e.Path, fsys.CreateIfMissing)
		target := in.Paths.InRoot(node.EffectivePath(pkg.Name))

		switch e.Type {
		case tar.TypeDir:
			if err := os.MkdirAll(target, e.Mode.Perm()); err != nil {
				return errors.Wrapf(err, errors.ErrFileCreate, "creating directory %s", target)
			}
			return nil
		case tar.TypeSymlink:
			tmp := target + conffile.NewSuffix
			_ = os.Remove(tmp)
			if err := os.Symlink(e.Linkname, tmp); err != nil {
				return errors.Wrapf(err, errors.ErrFileCreate, "creating symlink %s", target)
			}
			plan = append(plan, staged{node: node, target: target})
			node.SetFlag(fsys.FlagPlacedOnDisk)
			return nil
		case tar.TypeReg:
			hash, err := in.stageFile(node, target, e)
			if err != nil {
				return err
			}
			st := staged{node: node, target: target, hash: hash, conffile: conffiles[node.Name]}
			if st.conffile {
				node.SetFlag(fsys.FlagNewConffile)
				node.NewHash = hash
			}
			plan = append(plan, st)
			return nil
		default:
			// Hard links, fifos and device nodes are skipped; nothing
			// is created for them.
			return nil
		}
	})
	if err != nil {
		return plan, err
	}
	return plan, nil
}

// stageFile writes one regular file to target.dpkg-new, applying the
// stat override or archive metadata, and fsyncs it.
func (in *Installer) stageFile(node *fsys.Node, target string, e Entry) (string, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", errors.Wrapf(err, errors.ErrFileCreate, "creating parent of %s", target)
	}
	tmp := target + conffile.NewSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrFileCreate, "creating %s", tmp)
	}

	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, h), e.Body); err != nil {
		f.Close()
		return "", errors.Wrapf(err, errors.ErrFileWrite, "writing %s", tmp)
	}

	mode := e.Mode.Perm()
	uid, gid := e.UID, e.GID
	if so := node.StatOverride; so != nil {
		mode = so.Mode.Perm()
		uid, gid = so.UID, so.GID
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return "", errors.Wrapf(err, errors.ErrFileWrite, "setting mode of %s", tmp)
	}
	if os.Geteuid() == 0 {
		if err := f.Chown(uid, gid); err != nil {
			f.Close()
			return "", errors.Wrapf(err, errors.ErrFileWrite, "setting ownership of %s", tmp)
		}
	}
	if !in.Policy.Enabled(policy.ForceUnsafeIO) {
		if err := f.Sync(); err != nil {
			f.Close()
			return "", errors.Wrapf(err, errors.ErrFileWrite, "syncing %s", tmp)
		}
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, errors.ErrFileWrite, "closing %s", tmp)
	}

	node.SetFlag(fsys.FlagPlacedOnDisk)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// runPreinst invokes the incoming package's preinst with the
// documented argv, unwinding with the old postrm's abort hooks on
// failure.
func (in *Installer) runPreinst(pkg *db.Package, cd *ControlData, upgrading bool, oldVersion version.Version) error {
	if preinst, ok := cd.Files[script.Preinst]; ok {
		if err := in.Scripts.InstallFromControl(pkg.Name, map[string][]byte{"new-" + script.Preinst: preinst}); err != nil {
			return err
		}
		args := []string{"install"}
		action := "abort-install"
		if upgrading {
			args = []string{"upgrade", oldVersion.String()}
			action = "abort-upgrade"
		} else if !pkg.Installed.Version.Empty() {
			args = []string{"install", oldVersion.String()}
		}
		if err := in.Scripts.Run(pkg.Name, pkg.Arch, "new-"+script.Preinst, args...); err != nil {
			_ = in.Scripts.Run(pkg.Name, pkg.Arch, script.Postrm, action, oldVersion.String())
			return err
		}
	}
	return nil
}

// commit renames every staged .dpkg-new into place (except new
// conffiles, which wait for the configure step), backing up
// pre-existing files to .dpkg-old first.
func (in *Installer) commit(plan []staged) error {
	for _, st := range plan {
		if st.conffile {
			continue
		}
		tmp := st.target + conffile.NewSuffix
		if fi, err := os.Lstat(st.target); err == nil {
			if fi.IsDir() {
				st.node.SetFlag(fsys.FlagNoAtomicOverwrite)
				return errors.Newf(errors.ErrFileConflict,
					"unable to overwrite directory %s with non-directory", st.target)
			}
			backup := st.target + conffile.OldSuffix
			_ = os.Remove(backup)
			if err := os.Rename(st.target, backup); err != nil {
				return errors.Wrapf(err, errors.ErrFileRename, "backing up %s", st.target)
			}
		}
		if err := os.Rename(tmp, st.target); err != nil {
			return errors.Wrapf(err, errors.ErrFileRename, "installing %s", st.target)
		}
		_ = os.Remove(st.target + conffile.OldSuffix)
	}
	return nil
}

// cleanupStaged deletes any .dpkg-new leftovers after an aborted
// unpack.
func (in *Installer) cleanupStaged(plan []staged) {
	for _, st := range plan {
		_ = os.Remove(st.target + conffile.NewSuffix)
	}
}

// removeDisappearedFiles deletes files the old version owned that are
// absent from the new archive, preserving anything other packages
// still reference.
func (in *Installer) removeDisappearedFiles(pkg *db.Package, oldFiles []*fsys.Node) {
	log := logging.GetLogger("archive")
	// Reverse order so directory contents go before the directory.
	sorted := append([]*fsys.Node(nil), oldFiles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name > sorted[j].Name })
	for _, node := range sorted {
		if node.HasFlag(fsys.FlagInNewArchive) {
			continue
		}
		if len(node.Owners()) > 1 {
			continue
		}
		target := in.Paths.InRoot(node.EffectivePath(pkg.Name))
		fi, err := os.Lstat(target)
		if err != nil {
			continue
		}
		if fi.IsDir() {
			// Only empty directories go; shared trees stay.
			_ = os.Remove(target)
			continue
		}
		if err := os.Remove(target); err != nil {
			log.Warn().Err(err).Str("path", target).Msg("unable to remove obsolete file")
		}
	}
}

// carryConffileHashes seeds the new installed record's conffile hashes
// from the outgoing version where paths persist.
func (in *Installer) carryConffileHashes(pkg *db.Package, cd *ControlData, oldConffiles []db.Conffile) {
	old := make(map[string]string)
	for _, cf := range oldConffiles {
		old[cf.Path] = cf.Hash
	}
	var list []db.Conffile
	for _, path := range cd.Conffiles {
		hash, ok := old[path]
		if !ok {
			hash = db.NewConffileHash
		}
		list = append(list, db.Conffile{Path: path, Hash: hash})
	}
	pkg.Installed.Conffiles = list
}

// writeInfoFiles installs the per-package metadata: file list,
// md5sums, conffiles, maintainer scripts and trigger declarations.
func (in *Installer) writeInfoFiles(pkg *db.Package, cd *ControlData, plan []staged) error {
	var list strings.Builder
	if err := in.Table.WritePackageList(pkg.Name, &list); err != nil {
		return err
	}
	files := map[string][]byte{
		"list": []byte(list.String()),
	}

	var sums strings.Builder
	for _, st := range plan {
		if st.hash == "" || st.conffile {
			continue
		}
		fmt.Fprintf(&sums, "%s  %s\n", st.hash, strings.TrimPrefix(st.node.Name, "/"))
	}
	files["md5sums"] = []byte(sums.String())

	if len(cd.Conffiles) > 0 {
		files["conffiles"] = []byte(strings.Join(cd.Conffiles, "\n") + "\n")
	}
	for name, data := range cd.Files {
		if name == "conffiles" {
			continue
		}
		files[name] = data
	}

	if err := in.Scripts.InstallFromControl(pkg.Name, files); err != nil {
		return err
	}
	// The staged preinst ran under a temporary name; the real name
	// takes over now.
	_ = os.Remove(in.Paths.InfoFile(pkg.Name, "new-"+script.Preinst))

	if raw, ok := cd.Files["triggers"]; ok {
		in.Triggers.DropPackageInterests(pkg.Name)
		activations, err := in.Triggers.ParseControlFile(pkg.Name, string(raw))
		if err != nil {
			return err
		}
		for _, name := range activations {
			in.Triggers.Activate(name, pkg)
		}
	}
	return nil
}

func containsNode(nodes []*fsys.Node, n *fsys.Node) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}
