package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/script"
)

// InstallArchives unpacks the given archives and, when configure is
// set, configures them and flushes triggers: the "install" front-end
// operation.
func (e *Engine) InstallArchives(archives []string, configure bool) error {
	log := logging.GetLogger("engine")
	var failed []string
	var unpacked []*db.Package

	for _, path := range archives {
		if e.aborted() {
			log.Warn().Msg("abort requested, skipping remaining archives")
			break
		}
		pkg, err := e.Install.Unpack(path)
		if err != nil {
			log.Error().Err(err).Str("archive", path).Msg("unpack failed")
			failed = append(failed, path)
			if e.opts.AbortAfter > 0 && len(failed) >= e.opts.AbortAfter {
				log.Error().Int("failures", len(failed)).Msg("too many errors, stopping")
				break
			}
			continue
		}
		unpacked = append(unpacked, pkg)
	}

	if configure {
		s := e.newScheduler()
		for _, pkg := range unpacked {
			s.Enqueue(pkg)
		}
		if err := s.Run(); err != nil {
			failed = append(failed, s.Failures()...)
		}
		if err := e.ProcessTriggers(); err != nil {
			log.Warn().Err(err).Msg("deferred trigger processing incomplete")
		}
	}

	if len(failed) > 0 {
		return errors.Newf(errors.ErrUnknown,
			"errors were encountered while processing: %v", failed)
	}
	return nil
}

// Unpack unpacks archives without configuring them.
func (e *Engine) Unpack(archives []string) error {
	return e.InstallArchives(archives, false)
}

// ConfigurePending configures every package left unpacked or
// half-configured, then flushes triggers.
func (e *Engine) ConfigurePending() error {
	s := e.newScheduler()
	for _, pkg := range e.DB.Packages() {
		if pkg.State == db.StateUnpacked || pkg.State == db.StateHalfConfigured {
			s.Enqueue(pkg)
		}
	}
	err := s.Run()
	if terr := e.ProcessTriggers(); terr != nil && err == nil {
		err = terr
	}
	return err
}

// Configure configures the named packages (and anything they require
// first), then flushes triggers.
func (e *Engine) Configure(names []string) error {
	pkgs, err := e.resolveNames(names)
	if err != nil {
		return err
	}
	s := e.newScheduler()
	for _, pkg := range pkgs {
		if pkg.State != db.StateUnpacked && pkg.State != db.StateHalfConfigured {
			return errors.Newf(errors.ErrPackageBadState,
				"package %s is already installed and configured", pkg.DisplayName())
		}
		s.Enqueue(pkg)
	}
	// Dependencies that are merely unpacked must configure first.
	for _, pkg := range e.DB.Packages() {
		if pkg.State == db.StateUnpacked || pkg.State == db.StateHalfConfigured {
			s.Enqueue(pkg)
		}
	}
	if err := s.Run(); err != nil {
		return err
	}
	return e.ProcessTriggers()
}

// ProcessTriggers runs deferred trigger processing to quiescence,
// bounded by the trigger engine's cycle limit.
func (e *Engine) ProcessTriggers() error {
	log := logging.GetLogger("engine")
	var lastErr error

	for {
		if e.aborted() {
			return nil
		}
		pending := e.Triggers.Pending()
		if len(pending) == 0 {
			return lastErr
		}
		progressed := false
		for _, pkg := range pending {
			if e.aborted() {
				return lastErr
			}
			err := e.Triggers.Process(pkg, func(p *db.Package, names []string) error {
				p.State = db.StateHalfConfigured
				if jerr := e.Journal.Record(p); jerr != nil {
					return jerr
				}
				return e.Install.Scripts.Run(p.Name, p.Arch, script.Postinst,
					"triggered", strings.Join(names, " "))
			})
			if err != nil {
				log.Error().Err(err).Str("package", pkg.DisplayName()).Msg("trigger processing failed")
				lastErr = err
				continue
			}
			progressed = true
			if jerr := e.Journal.Record(pkg); jerr != nil {
				return jerr
			}
		}
		if !progressed {
			return lastErr
		}
	}
}

// TriggersOnly processes pending triggers without any other work.
func (e *Engine) TriggersOnly() error {
	return e.ProcessTriggers()
}

// Remove removes the named packages, purging when purge is set.
func (e *Engine) Remove(names []string, purge bool) error {
	pkgs, err := e.resolveNames(names)
	if err != nil {
		return err
	}
	var failed []string
	for _, pkg := range pkgs {
		if e.aborted() {
			break
		}
		var err error
		if purge {
			err = e.Install.Purge(pkg)
		} else {
			err = e.Install.Remove(pkg)
		}
		if err != nil {
			log := logging.GetLogger("engine")
			log.Error().Err(err).
				Str("package", pkg.DisplayName()).Msg("removal failed")
			failed = append(failed, pkg.DisplayName())
		}
	}
	if len(failed) > 0 {
		return errors.Newf(errors.ErrUnknown, "errors were encountered while processing: %v", failed)
	}
	return nil
}

// AuditProblem describes one package needing attention.
type AuditProblem struct {
	Pkg    *db.Package
	Reason string
}

// Audit reports packages in broken half-states or requiring
// reinstallation.
func (e *Engine) Audit() []AuditProblem {
	var out []AuditProblem
	for _, pkg := range e.DB.Packages() {
		switch {
		case pkg.EFlag == db.EFlagReinstReq:
			out = append(out, AuditProblem{pkg, "requires reinstallation"})
		case pkg.State == db.StateHalfInstalled:
			out = append(out, AuditProblem{pkg, "half-installed, unpack was interrupted"})
		case pkg.State == db.StateHalfConfigured:
			out = append(out, AuditProblem{pkg, "half-configured, configuration was interrupted"})
		case pkg.State == db.StateUnpacked && pkg.Want == db.WantInstall:
			out = append(out, AuditProblem{pkg, "unpacked but not configured"})
		case pkg.State == db.StateTriggersPending:
			out = append(out, AuditProblem{pkg, "triggers are pending"})
		case pkg.State == db.StateTriggersAwaited:
			out = append(out, AuditProblem{pkg, "awaiting trigger processing by another package"})
		}
	}
	return out
}

// WriteStatusReport prints the status stanza of each named package.
func (e *Engine) WriteStatusReport(w io.Writer, names []string) error {
	pkgs, err := e.resolveNames(names)
	if err != nil {
		return err
	}
	for i, pkg := range pkgs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if _, err := db.EncodeStanza(pkg, &pkg.Installed, true).WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteFileList prints the file list of each named package.
func (e *Engine) WriteFileList(w io.Writer, names []string) error {
	pkgs, err := e.resolveNames(names)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		if err := e.Table.WritePackageList(pkg.Name, w); err != nil {
			return err
		}
	}
	return nil
}
