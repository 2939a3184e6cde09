// Package deps evaluates dependency expressions against the package
// database: and-of-or satisfaction for Depends and Pre-Depends, and
// the negative coexistence checks for Conflicts and Breaks.
package deps

import (
	"fmt"
	"strings"

	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/version"
)

// Verdict is the outcome of evaluating a dependency expression.
type Verdict int

const (
	// OK means the expression is satisfied now.
	OK Verdict = iota
	// Defer means unsatisfied, but a pending operation (configuring an
	// unpacked package) may satisfy it.
	Defer
	// Halt means permanently unsatisfied in this session.
	Halt
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case Defer:
		return "defer"
	case Halt:
		return "halt"
	}
	return "unknown"
}

// Checker evaluates expressions against one database.
type Checker struct {
	DB *db.DB
}

// possiState classifies how close a single atom is to satisfaction.
type possiState int

const (
	possiUnsatisfiable possiState = iota
	possiPending                  // present but not yet configured
	possiSatisfied
)

// archMatches reports whether an atom's arch qualifier accepts a
// package of the given architecture, relative to the depending
// package's architecture.
func archMatches(possiArch, pkgArch, selfArch string) bool {
	switch possiArch {
	case "", "native":
		return pkgArch == selfArch || pkgArch == "all" || selfArch == ""
	case "any":
		return true
	default:
		return possiArch == pkgArch
	}
}

// evalPossi classifies one atom against the database.
func (c *Checker) evalPossi(self *db.Package, p db.DepPossi) possiState {
	best := possiUnsatisfiable

	selfArch := ""
	if self != nil {
		selfArch = self.Arch
	}

	if set := c.DB.FindSet(p.Name); set != nil {
		for _, pkg := range set.Packages {
			if !archMatches(p.Arch, pkg.Arch, selfArch) {
				continue
			}
			if p.Rel != version.RelNone &&
				!version.Relate(pkg.Installed.Version, p.Rel, p.Version) {
				continue
			}
			switch pkg.State {
			case db.StateInstalled, db.StateTriggersPending, db.StateTriggersAwaited:
				return possiSatisfied
			case db.StateUnpacked, db.StateHalfConfigured:
				if best < possiPending {
					best = possiPending
				}
			}
		}
	}

	// A virtual name declared by an installed provider also satisfies
	// the atom; a versioned atom needs a versioned provide.
	for _, m := range c.DB.Providers(p.Name) {
		if p.Rel != version.RelNone {
			if m.Possi.Rel != version.RelExact ||
				!version.Relate(m.Possi.Version, p.Rel, p.Version) {
				continue
			}
		}
		switch m.Pkg.State {
		case db.StateInstalled, db.StateTriggersPending, db.StateTriggersAwaited:
			return possiSatisfied
		case db.StateUnpacked, db.StateHalfConfigured:
			if best < possiPending {
				best = possiPending
			}
		}
	}

	return best
}

// Check evaluates one and-term (an or-list of atoms) for self. The
// reason text describes the first unsatisfied disjunction.
func (c *Checker) Check(self *db.Package, dep db.Dependency) (Verdict, string) {
	best := possiUnsatisfiable
	for _, p := range dep.Alternatives {
		if s := c.evalPossi(self, p); s > best {
			best = s
		}
		if best == possiSatisfied {
			return OK, ""
		}
	}

	who := "package"
	if self != nil {
		who = self.DisplayName()
	}
	reason := fmt.Sprintf("%s depends on %s", who, dep.String())
	if best == possiPending {
		return Defer, reason + "; however it is not yet configured"
	}
	return Halt, reason + "; however it is not installed"
}

// CheckAll evaluates a full conjunction. The verdict is the worst of
// the terms; reasons accumulate.
func (c *Checker) CheckAll(self *db.Package, list []db.Dependency) (Verdict, string) {
	worst := OK
	var reasons []string
	for _, dep := range list {
		v, reason := c.Check(self, dep)
		if v > worst {
			worst = v
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return worst, strings.Join(reasons, "\n")
}

// Violation names a package that conflicts with or is broken by an
// incoming package.
type Violation struct {
	Offender *db.Package
	Dep      db.Dependency
	Breaks   bool // true for Breaks, false for Conflicts
}

func (v Violation) String() string {
	verb := "conflicts with"
	if v.Breaks {
		verb = "breaks"
	}
	return fmt.Sprintf("%s %s (%s)", verb, v.Offender.DisplayName(), v.Dep.String())
}

// matchesTarget reports whether atom p matches the target package's
// name-or-provides with its version constraint.
func matchesTarget(p db.DepPossi, target *db.Package, bin *db.Binary) bool {
	if strings.EqualFold(p.Name, target.Name) {
		if p.Rel == version.RelNone {
			return true
		}
		return version.Relate(bin.Version, p.Rel, p.Version)
	}
	for _, prov := range bin.Provides {
		for _, alt := range prov.Alternatives {
			if !strings.EqualFold(alt.Name, p.Name) {
				continue
			}
			if p.Rel == version.RelNone {
				return true
			}
			if alt.Rel == version.RelExact && version.Relate(alt.Version, p.Rel, p.Version) {
				return true
			}
		}
	}
	return false
}

// AgainstInstall collects the installed packages whose Conflicts or
// Breaks declarations forbid installing (incoming, bin), and the
// incoming package's own declarations against the installed set.
func (c *Checker) AgainstInstall(incoming *db.Package, bin *db.Binary) []Violation {
	var out []Violation

	relevant := func(state db.State, breaks bool) bool {
		if breaks {
			// A break only forbids coexistence while the breaker side
			// is fully installed.
			return state == db.StateInstalled ||
				state == db.StateTriggersPending ||
				state == db.StateTriggersAwaited
		}
		return state.OwnsFiles() || state == db.StateHalfConfigured
	}

	for _, other := range c.DB.Packages() {
		if other.Name == incoming.Name && other.Arch == incoming.Arch {
			continue
		}
		if other.State == db.StateNotInstalled || other.State == db.StateConfigFiles {
			continue
		}

		// The installed package forbids the incoming one.
		for _, dep := range other.Installed.Conflicts {
			if matchesTarget(dep.Alternatives[0], incoming, bin) && relevant(other.State, false) {
				out = append(out, Violation{Offender: other, Dep: dep})
			}
		}
		for _, dep := range other.Installed.Breaks {
			if matchesTarget(dep.Alternatives[0], incoming, bin) && relevant(other.State, true) {
				out = append(out, Violation{Offender: other, Dep: dep, Breaks: true})
			}
		}

		// The incoming package forbids the installed one.
		for _, dep := range bin.Conflicts {
			if matchesTarget(dep.Alternatives[0], other, &other.Installed) && relevant(other.State, false) {
				out = append(out, Violation{Offender: other, Dep: dep})
			}
		}
		for _, dep := range bin.Breaks {
			if matchesTarget(dep.Alternatives[0], other, &other.Installed) && relevant(other.State, true) {
				out = append(out, Violation{Offender: other, Dep: dep, Breaks: true})
			}
		}
	}
	return out
}

// Replaces reports whether bin declares a Replaces matching the other
// package at its installed version.
func Replaces(bin *db.Binary, other *db.Package) bool {
	for _, dep := range bin.Replaces {
		if matchesTarget(dep.Alternatives[0], other, &other.Installed) {
			return true
		}
	}
	return false
}
