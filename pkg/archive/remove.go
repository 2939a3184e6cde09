package archive

import (
	"os"
	"sort"

	"github.com/arthur-debert/pakt/pkg/conffile"
	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/deps"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/fsys"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/policy"
	"github.com/arthur-debert/pakt/pkg/script"
)

// Remove deletes a package's files, leaving its conffiles and DB
// record behind in state config-files.
func (in *Installer) Remove(pkg *db.Package) error {
	log := logging.GetLogger("archive")

	if !pkg.State.OwnsFiles() {
		if pkg.State == db.StateConfigFiles {
			return nil
		}
		return errors.Newf(errors.ErrPackageBadState,
			"package %s is not installed", pkg.DisplayName())
	}
	if err := in.refuseEssential(pkg); err != nil {
		return err
	}
	if pkg.EFlag == db.EFlagReinstReq {
		err := errors.Newf(errors.ErrPackageReinstReq,
			"package %s requires reinstallation, it will not be removed", pkg.DisplayName())
		if derr := in.Policy.Decide(policy.ForceRemoveReinstreq, err); derr != nil {
			return derr
		}
	}
	if err := in.refuseIfDependedOn(pkg); err != nil {
		return err
	}

	if err := in.Scripts.Run(pkg.Name, pkg.Arch, script.Prerm, "remove"); err != nil {
		pkg.EFlag = db.EFlagReinstReq
		_ = in.Journal.Record(pkg)
		return err
	}

	pkg.Want = db.WantDeinstall
	pkg.State = db.StateHalfInstalled
	if err := in.Journal.Record(pkg); err != nil {
		return err
	}

	in.removeOwnedFiles(pkg, false)

	pkg.State = db.StateConfigFiles
	if err := in.Journal.Record(pkg); err != nil {
		return err
	}

	if err := in.Scripts.Run(pkg.Name, pkg.Arch, script.Postrm, "remove"); err != nil {
		log.Warn().Err(err).Str("package", pkg.Name).Msg("postrm failed after removal")
	}

	in.Triggers.DropPackageInterests(pkg.Name)
	log.Info().Str("package", pkg.DisplayName()).Msg("removed")
	return nil
}

// Purge removes a package completely: files, conffiles, maintainer
// scripts and the database record.
func (in *Installer) Purge(pkg *db.Package) error {
	log := logging.GetLogger("archive")

	if pkg.State.OwnsFiles() {
		if err := in.Remove(pkg); err != nil {
			return err
		}
	}
	if pkg.State != db.StateConfigFiles && pkg.State != db.StateNotInstalled {
		return errors.Newf(errors.ErrPackageBadState,
			"package %s cannot be purged from state %s", pkg.DisplayName(), pkg.State)
	}

	pkg.Want = db.WantPurge
	if err := in.Journal.Record(pkg); err != nil {
		return err
	}

	// Conffiles go now, along with their backup flavours.
	for _, cf := range pkg.Installed.Conffiles {
		target := in.Paths.InRoot(in.effectiveConffilePath(pkg, cf.Path))
		for _, path := range []string{
			target,
			target + conffile.DistSuffix,
			target + conffile.OldSuffix,
			target + conffile.BackupSuffix,
			target + conffile.NewSuffix,
		} {
			_ = os.Remove(path)
		}
		if node := in.Table.Find(cf.Path, 0); node != nil {
			in.Table.RemoveOwner(node, pkg.Name)
		}
	}

	if err := in.Scripts.Run(pkg.Name, pkg.Arch, script.Postrm, "purge"); err != nil {
		return err
	}
	if err := in.Scripts.RemoveAll(pkg.Name); err != nil {
		return err
	}

	pkg.State = db.StateNotInstalled
	pkg.Want = db.WantUnknown
	pkg.EFlag = db.EFlagOK
	pkg.Installed = db.Binary{}
	pkg.TriggersPending = nil
	pkg.TriggersAwaited = nil
	if err := in.Journal.Record(pkg); err != nil {
		return err
	}

	log.Info().Str("package", pkg.DisplayName()).Msg("purged")
	return nil
}

// refuseEssential blocks removal of essential packages without the
// dedicated force flag.
func (in *Installer) refuseEssential(pkg *db.Package) error {
	if !pkg.Installed.Essential {
		return nil
	}
	err := errors.Newf(errors.ErrPackageEssential,
		"this is an essential package; it should not be removed (%s)", pkg.DisplayName())
	return in.Policy.Decide(policy.ForceRemoveEssential, err)
}

// refuseIfDependedOn blocks removal while installed packages depend on
// this one.
func (in *Installer) refuseIfDependedOn(pkg *db.Package) error {
	var dependants []string
	for _, other := range in.DB.Packages() {
		if other == pkg || !other.State.HasInstalledInfo() {
			continue
		}
		for _, dep := range other.Installed.Depends {
			for _, alt := range dep.Alternatives {
				if alt.Name != pkg.Name {
					continue
				}
				// Another satisfiable alternative keeps the dependant
				// happy without us.
				if in.depStillSatisfiedWithout(other, dep, pkg) {
					continue
				}
				dependants = append(dependants, other.DisplayName())
			}
		}
	}
	if len(dependants) == 0 {
		return nil
	}
	err := errors.Newf(errors.ErrDepends,
		"dependency problems prevent removal of %s: needed by %v", pkg.DisplayName(), dependants)
	return in.Policy.Decide(policy.ForceDepends, err)
}

// depStillSatisfiedWithout checks whether dep keeps a satisfied
// alternative when absent is ignored.
func (in *Installer) depStillSatisfiedWithout(self *db.Package, dep db.Dependency, absent *db.Package) bool {
	for _, alt := range dep.Alternatives {
		if alt.Name == absent.Name {
			continue
		}
		trimmed := db.Dependency{Type: dep.Type, Alternatives: []db.DepPossi{alt}}
		if v, _ := in.Checker.Check(self, trimmed); v == deps.OK {
			return true
		}
	}
	return false
}

// removeOwnedFiles deletes the package's files in reverse path order,
// keeping conffiles unless purging and preserving anything shared.
func (in *Installer) removeOwnedFiles(pkg *db.Package, includeConffiles bool) {
	log := logging.GetLogger("archive")

	conffiles := make(map[string]bool)
	for _, cf := range pkg.Installed.Conffiles {
		conffiles[cf.Path] = true
	}

	files := append([]*fsys.Node(nil), in.Table.PackageFiles(pkg.Name)...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name > files[j].Name })

	for _, node := range files {
		if conffiles[node.Name] && !includeConffiles {
			in.Table.RemoveOwner(node, pkg.Name)
			continue
		}
		if len(node.Owners()) > 1 {
			in.Table.RemoveOwner(node, pkg.Name)
			continue
		}
		target := in.Paths.InRoot(node.EffectivePath(pkg.Name))
		fi, err := os.Lstat(target)
		if err == nil {
			if fi.IsDir() {
				// Succeeds only when empty; shared parents survive.
				_ = os.Remove(target)
			} else if err := os.Remove(target); err != nil {
				log.Warn().Err(err).Str("path", target).Msg("unable to remove file")
			}
		}
		in.Table.RemoveOwner(node, pkg.Name)
	}
}
