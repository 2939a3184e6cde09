package archive

import (
	"os"

	"github.com/arthur-debert/pakt/pkg/conffile"
	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/script"
)

// Configure drives one unpacked package through conffile resolution
// and its postinst, leaving it installed (or triggers-pending when
// activations arrived during the run).
func (in *Installer) Configure(pkg *db.Package) error {
	log := logging.GetLogger("archive")

	switch pkg.State {
	case db.StateUnpacked, db.StateHalfConfigured:
	case db.StateInstalled, db.StateTriggersPending, db.StateTriggersAwaited:
		return nil
	default:
		return errors.Newf(errors.ErrPackageBadState,
			"package %s is in state %s and cannot be configured", pkg.DisplayName(), pkg.State)
	}
	if pkg.EFlag == db.EFlagReinstReq {
		return errors.Newf(errors.ErrPackageReinstReq,
			"package %s requires reinstallation, it cannot be configured", pkg.DisplayName())
	}

	oldVersion := ""
	// The previously configured version is only meaningful on
	// upgrade; dpkg hands postinst an empty argument on first
	// configure.

	if err := in.resolveConffiles(pkg); err != nil {
		return err
	}

	pkg.State = db.StateHalfConfigured
	if err := in.Journal.Record(pkg); err != nil {
		return err
	}

	if err := in.Scripts.Run(pkg.Name, pkg.Arch, script.Postinst, "configure", oldVersion); err != nil {
		pkg.EFlag = db.EFlagReinstReq
		_ = in.Journal.Record(pkg)
		return err
	}

	pkg.State = db.StateInstalled
	if len(pkg.TriggersPending) > 0 {
		pkg.State = db.StateTriggersPending
	}
	pkg.EFlag = db.EFlagOK
	if err := in.Journal.Record(pkg); err != nil {
		return err
	}

	log.Info().Str("package", pkg.DisplayName()).Msg("configured")
	return nil
}

// resolveConffiles applies the three-way decision to every staged
// conffile of the package and settles the .dpkg-new siblings.
func (in *Installer) resolveConffiles(pkg *db.Package) error {
	for i := range pkg.Installed.Conffiles {
		cf := &pkg.Installed.Conffiles[i]
		target := in.Paths.InRoot(in.effectiveConffilePath(pkg, cf.Path))
		stagedPath := target + conffile.NewSuffix

		newHash, err := conffile.HashFile(stagedPath)
		if err != nil {
			return err
		}
		if newHash == conffile.NonExistent {
			// Nothing staged: either already settled or the archive
			// carried no change for this conffile.
			continue
		}
		curHash, err := conffile.HashFile(target)
		if err != nil {
			return err
		}
		oldHash := cf.Hash
		if oldHash == db.NewConffileHash {
			oldHash = conffile.NonExistent
		}

		// A brand new conffile with nothing on disk installs silently.
		action := conffile.InstallNew
		if curHash != conffile.NonExistent || oldHash != conffile.NonExistent {
			action, err = in.Conffile.Resolve(cf.Path, oldHash, newHash, curHash)
			if err != nil {
				return err
			}
		}

		switch action {
		case conffile.InstallNew:
			if curHash != conffile.NonExistent && curHash != newHash {
				backup := target + conffile.OldSuffix
				_ = os.Remove(backup)
				if err := os.Rename(target, backup); err != nil {
					return errors.Wrapf(err, errors.ErrFileRename, "backing up conffile %s", target)
				}
			}
			if err := os.Rename(stagedPath, target); err != nil {
				return errors.Wrapf(err, errors.ErrFileRename, "installing conffile %s", target)
			}
		case conffile.KeepCurrent:
			dist := target + conffile.DistSuffix
			_ = os.Remove(dist)
			if err := os.Rename(stagedPath, dist); err != nil {
				return errors.Wrapf(err, errors.ErrFileRename, "saving distributed conffile %s", dist)
			}
		}

		// Either way the shipped hash becomes the recorded one.
		cf.Hash = newHash
	}
	return nil
}

// effectiveConffilePath honours diversions on conffile paths.
func (in *Installer) effectiveConffilePath(pkg *db.Package, path string) string {
	if node := in.Table.Find(path, 0); node != nil {
		return node.EffectivePath(pkg.Name)
	}
	return path
}
