// Package engine owns one package-management session: the admin
// directory lock, the loaded database and filesystem-node table, and
// the operations the front-end commands invoke.
package engine

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/arthur-debert/pakt/pkg/archive"
	"github.com/arthur-debert/pakt/pkg/conffile"
	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/deps"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/fsys"
	"github.com/arthur-debert/pakt/pkg/lock"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/paths"
	"github.com/arthur-debert/pakt/pkg/policy"
	"github.com/arthur-debert/pakt/pkg/sched"
	"github.com/arthur-debert/pakt/pkg/script"
	"github.com/arthur-debert/pakt/pkg/triggers"
)

// Options tunes session construction.
type Options struct {
	// LaxVersions downgrades warning-level version parse faults when
	// loading the database.
	LaxVersions bool
	// NoLock skips lock acquisition (tests and read-only queries).
	NoLock bool
	// Arch overrides the native architecture check.
	Arch string
	// AbortAfter stops a batch after this many package failures;
	// zero means keep going to the end.
	AbortAfter int
}

// Engine is one locked session over an admin directory.
type Engine struct {
	Paths    paths.Paths
	Policy   *policy.Policy
	DB       *db.DB
	Table    *fsys.Table
	Triggers *triggers.State
	Checker  *deps.Checker
	Journal  *db.Journal
	Install  *archive.Installer

	opts  Options
	lock  *lock.Lock
	flock *lock.Lock
	abort atomic.Bool
}

// Open acquires the admin-directory lock, replays any pending journal
// (crash recovery) and loads the full database state.
func Open(p paths.Paths, pol *policy.Policy, opts Options) (*Engine, error) {
	log := logging.GetLogger("engine")

	if err := p.EnsureLayout(); err != nil {
		return nil, errors.Wrap(err, errors.ErrFileCreate, "creating admin directory layout")
	}

	e := &Engine{
		Paths:    p,
		Policy:   pol,
		DB:       db.New(),
		Table:    fsys.NewTable(),
		opts:     opts,
	}

	if !opts.NoLock {
		var err error
		e.lock, err = lock.Acquire(p.LockFile())
		if err != nil {
			return nil, err
		}
		if os.Getenv("DPKG_FRONTEND_LOCKED") == "" {
			e.flock, err = lock.Acquire(p.FrontendLockFile())
			if err != nil {
				e.lock.Release()
				return nil, err
			}
		}
	}

	cleanup := func() {
		if e.flock != nil {
			e.flock.Release()
		}
		if e.lock != nil {
			e.lock.Release()
		}
	}

	if err := e.load(); err != nil {
		cleanup()
		return nil, err
	}

	log.Debug().
		Str("admindir", p.AdminDir()).
		Int("packages", len(e.DB.Packages())).
		Int("nodes", e.Table.Len()).
		Msg("session opened")
	return e, nil
}

func (e *Engine) load() error {
	lax := e.opts.LaxVersions

	if err := e.DB.LoadStatus(e.Paths.StatusFile(), lax); err != nil {
		return err
	}
	// Startup merge: an interrupted previous run leaves journal
	// entries that supersede the status file.
	if err := e.DB.Merge(e.Paths.StatusFile(), e.Paths.UpdatesDir(), lax); err != nil {
		return err
	}
	if err := e.DB.LoadAvailable(e.Paths.AvailableFile(), lax); err != nil {
		return err
	}

	var err error
	e.Journal, err = db.OpenJournal(e.Paths.UpdatesDir())
	if err != nil {
		return err
	}

	if err := e.Table.LoadDiversions(e.Paths.DiversionsFile()); err != nil {
		return err
	}
	if err := e.Table.LoadStatOverrides(e.Paths.StatOverrideFile()); err != nil {
		return err
	}
	for _, pkg := range e.DB.Packages() {
		if pkg.State.OwnsFiles() {
			if err := e.Table.LoadPackageList(pkg.Name, e.Paths.InfoFile(pkg.Name, "list")); err != nil {
				return err
			}
		}
	}
	e.Table.ResetFlags()

	e.Triggers = triggers.NewState(e.DB)
	if err := e.Triggers.Load(e.Paths); err != nil {
		return err
	}

	e.Checker = &deps.Checker{DB: e.DB}
	e.Install = &archive.Installer{
		DB:       e.DB,
		Table:    e.Table,
		Checker:  e.Checker,
		Policy:   e.Policy,
		Scripts: &script.Runner{
			Paths: e.Paths,
			Force: strings.Join(e.Policy.EnabledFlags(), ","),
		},
		Conffile: &conffile.Resolver{Policy: e.Policy},
		Triggers: e.Triggers,
		Paths:    e.Paths,
		Journal:  e.Journal,
		Arch:     e.opts.Arch,
	}

	e.recoverInterrupted()
	return nil
}

// recoverInterrupted drives packages left mid-operation by a crashed
// session to a defined state: half-installed packages are unwound
// through their postrm abort hook, half-configured ones are pushed
// back through configure.
func (e *Engine) recoverInterrupted() {
	log := logging.GetLogger("engine")
	var reconfigure []*db.Package

	for _, pkg := range e.DB.Packages() {
		switch pkg.State {
		case db.StateHalfInstalled:
			e.unwindHalfInstalled(pkg)
		case db.StateHalfConfigured:
			if pkg.EFlag == db.EFlagReinstReq {
				log.Warn().Str("package", pkg.DisplayName()).
					Msg("half-configured package requires reinstallation, leaving for audit")
				continue
			}
			log.Warn().Str("package", pkg.DisplayName()).
				Msg("found half-configured package from interrupted run, retrying configuration")
			reconfigure = append(reconfigure, pkg)
		}
	}

	if len(reconfigure) > 0 {
		s := e.newScheduler()
		for _, pkg := range reconfigure {
			s.Enqueue(pkg)
		}
		if err := s.Run(); err != nil {
			log.Warn().Err(err).Msg("some interrupted packages could not be reconfigured")
		}
	}
}

// unwindHalfInstalled runs the postrm abort hook of an interrupted
// unpack and settles the record: back to config-files when conffiles
// were ever recorded, gone entirely otherwise.
func (e *Engine) unwindHalfInstalled(pkg *db.Package) {
	log := logging.GetLogger("engine")
	log.Warn().Str("package", pkg.DisplayName()).
		Msg("found half-installed package from interrupted run, unwinding")

	action := "abort-install"
	args := []string{action}
	if !pkg.Installed.Version.Empty() {
		action = "abort-upgrade"
		args = []string{action, pkg.Installed.Version.String()}
	}
	if err := e.Install.Scripts.Run(pkg.Name, pkg.Arch, script.Postrm, args...); err != nil {
		// The abort hook itself failed; all that is left is flagging
		// the package for reinstallation.
		log.Warn().Err(err).Str("package", pkg.DisplayName()).Msg("postrm abort hook failed")
		pkg.EFlag = db.EFlagReinstReq
		_ = e.Journal.Record(pkg)
		return
	}

	e.Table.DropPackage(pkg.Name)
	if len(pkg.Installed.Conffiles) > 0 {
		pkg.State = db.StateConfigFiles
	} else {
		pkg.State = db.StateNotInstalled
		pkg.Want = db.WantUnknown
		pkg.EFlag = db.EFlagOK
		pkg.Installed = db.Binary{}
		pkg.TriggersPending = nil
		pkg.TriggersAwaited = nil
	}
	_ = e.Journal.Record(pkg)
}

// RequestAbort asks the engine to stop at the next tick boundary. Safe
// to call from a signal handler goroutine.
func (e *Engine) RequestAbort() {
	e.abort.Store(true)
}

func (e *Engine) aborted() bool { return e.abort.Load() }

// Close merges the journal into the status file, persists trigger
// state and releases the locks.
func (e *Engine) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(e.DB.Merge(e.Paths.StatusFile(), e.Paths.UpdatesDir(), e.opts.LaxVersions))
	if e.Triggers != nil {
		keep(e.Triggers.Save(e.Paths))
	}
	if e.flock != nil {
		keep(e.flock.Release())
		e.flock = nil
	}
	if e.lock != nil {
		keep(e.lock.Release())
		e.lock = nil
	}
	return firstErr
}

// resolveNames maps package name arguments to records, supporting the
// name:arch form.
func (e *Engine) resolveNames(names []string) ([]*db.Package, error) {
	var out []*db.Package
	for _, name := range names {
		var pkg *db.Package
		if i := strings.IndexByte(name, ':'); i >= 0 {
			pkg = e.DB.FindArch(name[:i], name[i+1:])
		} else {
			pkg = e.DB.Find(name)
		}
		if pkg == nil {
			return nil, errors.Newf(errors.ErrPackageNotFound, "package '%s' is not installed", name)
		}
		out = append(out, pkg)
	}
	return out, nil
}

// newScheduler builds a configure scheduler bound to this session.
func (e *Engine) newScheduler() *sched.Scheduler {
	s := sched.New(e.DB, e.Checker, e.Policy, e.Install.Configure)
	s.Abort = e.aborted
	return s
}
