// Package triggers implements deferred activation: packages declare
// interest in named triggers or file-path prefixes, activations
// accumulate deduplicated in the interested package's pending set, and
// a later processing pass runs the postinst hooks.
package triggers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/logging"
)

// DefaultCycleLimit bounds per-session re-activations of one package
// before remaining triggers are deferred to the next session.
const DefaultCycleLimit = 10

// Interest is one declared subscription: a package listening on an
// explicit trigger name or a file-path prefix.
type Interest struct {
	Pkg     string
	NoAwait bool
}

// State is the trigger engine: the interest indexes plus the DB whose
// pending and awaited sets it mutates.
type State struct {
	DB *db.DB

	// explicit maps trigger name to interested packages.
	explicit map[string][]Interest
	// fileInterests maps path prefixes to interested packages.
	fileInterests map[string][]Interest

	// activations counts per-package activations this session, for the
	// cycle bound.
	activations map[string]int

	CycleLimit int
}

// NewState returns an empty trigger state over the database.
func NewState(d *db.DB) *State {
	return &State{
		DB:            d,
		explicit:      make(map[string][]Interest),
		fileInterests: make(map[string][]Interest),
		activations:   make(map[string]int),
		CycleLimit:    DefaultCycleLimit,
	}
}

// NameIsIllegal validates a trigger name.
func NameIsIllegal(name string) string {
	if name == "" {
		return "empty trigger name"
	}
	if strings.ContainsAny(name, " \t\n") {
		return "trigger name contains whitespace"
	}
	return ""
}

// AddInterest registers pkg's interest in an explicit trigger name.
func (s *State) AddInterest(name, pkg string, noAwait bool) error {
	if msg := NameIsIllegal(name); msg != "" {
		return errors.Newf(errors.ErrTriggerName, "invalid trigger name %q: %s", name, msg)
	}
	for _, in := range s.explicit[name] {
		if in.Pkg == pkg {
			return nil
		}
	}
	s.explicit[name] = append(s.explicit[name], Interest{Pkg: pkg, NoAwait: noAwait})
	return nil
}

// AddFileInterest registers pkg's interest in a path prefix.
func (s *State) AddFileInterest(prefix, pkg string, noAwait bool) error {
	if !strings.HasPrefix(prefix, "/") {
		return errors.Newf(errors.ErrTriggerName, "file trigger %q is not an absolute path", prefix)
	}
	prefix = strings.TrimRight(prefix, "/")
	for _, in := range s.fileInterests[prefix] {
		if in.Pkg == pkg {
			return nil
		}
	}
	s.fileInterests[prefix] = append(s.fileInterests[prefix], Interest{Pkg: pkg, NoAwait: noAwait})
	return nil
}

// DropPackageInterests removes every interest held by pkg, used when
// the package is removed.
func (s *State) DropPackageInterests(pkg string) {
	for name, list := range s.explicit {
		out := list[:0]
		for _, in := range list {
			if in.Pkg != pkg {
				out = append(out, in)
			}
		}
		if len(out) == 0 {
			delete(s.explicit, name)
		} else {
			s.explicit[name] = out
		}
	}
	for prefix, list := range s.fileInterests {
		out := list[:0]
		for _, in := range list {
			if in.Pkg != pkg {
				out = append(out, in)
			}
		}
		if len(out) == 0 {
			delete(s.fileInterests, prefix)
		} else {
			s.fileInterests[prefix] = out
		}
	}
}

// ParseControlFile applies the lines of an info/<pkg>.triggers file:
// "interest <name>", "interest-noawait <name>", "interest-await
// <name>" and the activate variants.
func (s *State) ParseControlFile(pkg, content string) ([]string, error) {
	var activations []string
	for lineNo, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, errors.Newf(errors.ErrTriggerName,
				"triggers file for %s line %d: expected directive and argument", pkg, lineNo+1)
		}
		directive, arg := parts[0], parts[1]
		switch directive {
		case "interest", "interest-await":
			if err := s.addAnyInterest(arg, pkg, false); err != nil {
				return nil, err
			}
		case "interest-noawait":
			if err := s.addAnyInterest(arg, pkg, true); err != nil {
				return nil, err
			}
		case "activate", "activate-await", "activate-noawait":
			activations = append(activations, arg)
		default:
			return nil, errors.Newf(errors.ErrTriggerName,
				"triggers file for %s line %d: unknown directive %q", pkg, lineNo+1, directive)
		}
	}
	return activations, nil
}

func (s *State) addAnyInterest(arg, pkg string, noAwait bool) error {
	if strings.HasPrefix(arg, "/") {
		return s.AddFileInterest(arg, pkg, noAwait)
	}
	return s.AddInterest(arg, pkg, noAwait)
}

// Activate fires an explicit trigger. The activator (nil for
// command-line activation) awaits processing of each interested
// package unless the interest is noawait.
func (s *State) Activate(name string, activator *db.Package) {
	for _, in := range s.explicit[name] {
		s.deliver(name, in, activator)
	}
}

// ActivateFile fires the file triggers matching path: every interest
// whose prefix is path itself or one of its parent directories.
func (s *State) ActivateFile(path string, activator *db.Package) {
	path = "/" + strings.TrimLeft(path, "/")
	for prefix, list := range s.fileInterests {
		if path != prefix && !strings.HasPrefix(path, prefix+"/") {
			continue
		}
		for _, in := range list {
			s.deliver(prefix, in, activator)
		}
	}
}

// deliver appends the trigger to the interested package's pending set
// and adjusts the status of both sides.
func (s *State) deliver(name string, in Interest, activator *db.Package) {
	target := s.DB.Find(in.Pkg)
	if target == nil || !target.State.HasInstalledInfo() {
		return
	}
	if activator != nil && target.Name == activator.Name && target.Arch == activator.Arch {
		return
	}

	if target.AddPendingTrigger(name) {
		log := logging.GetLogger("triggers")
		log.Debug().
			Str("trigger", name).
			Str("package", target.Name).
			Msg("trigger activated")
	}
	if target.State == db.StateInstalled {
		target.State = db.StateTriggersPending
	}

	if activator != nil && !in.NoAwait && activator.State == db.StateInstalled {
		found := false
		for _, a := range activator.TriggersAwaited {
			if a == target.Name {
				found = true
				break
			}
		}
		if !found {
			activator.TriggersAwaited = append(activator.TriggersAwaited, target.Name)
		}
		activator.State = db.StateTriggersAwaited
	}
}

// Pending returns the packages with non-empty pending sets, sorted by
// name for deterministic processing order.
func (s *State) Pending() []*db.Package {
	var out []*db.Package
	for _, p := range s.DB.Packages() {
		if p.State == db.StateTriggersPending && len(p.TriggersPending) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Process runs one package's pending triggers through run (typically
// "postinst triggered <names>"), clears the pending set on success and
// settles the package and its awaiters back to installed. It returns
// ErrTriggerCycle when the session's re-activation bound for the
// package is exhausted.
func (s *State) Process(pkg *db.Package, run func(pkg *db.Package, names []string) error) error {
	if len(pkg.TriggersPending) == 0 {
		s.settle(pkg)
		return nil
	}

	s.activations[pkg.Key()]++
	if s.activations[pkg.Key()] > s.CycleLimit {
		return errors.Newf(errors.ErrTriggerCycle,
			"cycle found while processing triggers: package %s repeatedly activated (%d times); deferring to next run",
			pkg.DisplayName(), s.activations[pkg.Key()])
	}

	names := append([]string(nil), pkg.TriggersPending...)
	sort.Strings(names)
	if err := run(pkg, names); err != nil {
		pkg.EFlag = db.EFlagReinstReq
		return err
	}

	// Processing may have re-activated us; only the batch just run is
	// cleared.
	remaining := pkg.TriggersPending[:0]
	for _, tname := range pkg.TriggersPending {
		seen := false
		for _, ran := range names {
			if ran == tname {
				seen = true
				break
			}
		}
		if !seen {
			remaining = append(remaining, tname)
		}
	}
	pkg.TriggersPending = remaining
	s.settle(pkg)
	return nil
}

// settle transitions pkg to installed when nothing is pending, and
// releases any packages awaiting it.
func (s *State) settle(pkg *db.Package) {
	if len(pkg.TriggersPending) > 0 {
		pkg.State = db.StateTriggersPending
		return
	}
	// Processing moves the package through half-configured; either way
	// an empty pending set means it is fully installed again.
	if pkg.State == db.StateTriggersPending || pkg.State == db.StateHalfConfigured {
		pkg.State = db.StateInstalled
	}
	for _, other := range s.DB.Packages() {
		if other.State != db.StateTriggersAwaited {
			continue
		}
		other.RemoveAwaited(pkg.Name)
		if len(other.TriggersAwaited) == 0 {
			other.State = db.StateInstalled
		}
	}
}

// InterestedIn lists the packages interested in an explicit trigger,
// for diagnostics.
func (s *State) InterestedIn(name string) []string {
	var out []string
	for _, in := range s.explicit[name] {
		out = append(out, in.Pkg)
	}
	return out
}

func (s *State) String() string {
	return fmt.Sprintf("triggers{explicit:%d file:%d}", len(s.explicit), len(s.fileInterests))
}
