// Package db holds the in-memory package database: the set of package
// records loaded from the status and available files, their typed
// fields, and the journaled on-disk persistence.
package db

import (
	"fmt"
	"strings"

	"github.com/arthur-debert/pakt/pkg/control"
	"github.com/arthur-debert/pakt/pkg/version"
)

// Want is the administrator's selection for a package.
type Want int

const (
	WantUnknown Want = iota
	WantInstall
	WantHold
	WantDeinstall
	WantPurge
)

var wantNames = map[Want]string{
	WantUnknown:   "unknown",
	WantInstall:   "install",
	WantHold:      "hold",
	WantDeinstall: "deinstall",
	WantPurge:     "purge",
}

func (w Want) String() string { return wantNames[w] }

// EFlag records a sticky error condition on a package.
type EFlag int

const (
	EFlagOK EFlag = iota
	EFlagReinstReq
)

var eflagNames = map[EFlag]string{
	EFlagOK:        "ok",
	EFlagReinstReq: "reinstreq",
}

func (e EFlag) String() string { return eflagNames[e] }

// State is a package's position in the installation state machine.
type State int

const (
	StateNotInstalled State = iota
	StateConfigFiles
	StateHalfInstalled
	StateUnpacked
	StateHalfConfigured
	StateTriggersAwaited
	StateTriggersPending
	StateInstalled
)

var stateNames = map[State]string{
	StateNotInstalled:    "not-installed",
	StateConfigFiles:     "config-files",
	StateHalfInstalled:   "half-installed",
	StateUnpacked:        "unpacked",
	StateHalfConfigured:  "half-configured",
	StateTriggersAwaited: "triggers-awaited",
	StateTriggersPending: "triggers-pending",
	StateInstalled:       "installed",
}

func (s State) String() string { return stateNames[s] }

// HasInstalledInfo reports whether the state implies complete
// installed metadata.
func (s State) HasInstalledInfo() bool {
	return s >= StateHalfInstalled
}

// OwnsFiles reports whether packages in this state may own filesystem
// entries.
func (s State) OwnsFiles() bool {
	return s >= StateHalfInstalled
}

func parseName(names map[State]string, s string) (State, bool) {
	for k, v := range names {
		if v == s {
			return k, true
		}
	}
	return 0, false
}

// ParseWant maps the wire word to a Want.
func ParseWant(s string) (Want, error) {
	for k, v := range wantNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown want %q", s)
}

// ParseEFlag maps the wire word to an EFlag.
func ParseEFlag(s string) (EFlag, error) {
	for k, v := range eflagNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown eflag %q", s)
}

// ParseState maps the wire word to a State.
func ParseState(s string) (State, error) {
	if st, ok := parseName(stateNames, s); ok {
		return st, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// MultiArch is the per-architecture coexistence mode.
type MultiArch int

const (
	MultiArchNo MultiArch = iota
	MultiArchSame
	MultiArchForeign
	MultiArchAllowed
)

var multiArchNames = map[MultiArch]string{
	MultiArchNo:      "no",
	MultiArchSame:    "same",
	MultiArchForeign: "foreign",
	MultiArchAllowed: "allowed",
}

func (m MultiArch) String() string { return multiArchNames[m] }

// ParseMultiArch maps the wire word to a MultiArch mode.
func ParseMultiArch(s string) (MultiArch, error) {
	for k, v := range multiArchNames {
		if v == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown multi-arch value %q", s)
}

// Conffile is one declared configuration file with its recorded hash.
// The hash is the MD5 of the version last shipped by the package;
// NewConffileHash marks a conffile seen for the first time.
type Conffile struct {
	Path     string
	Hash     string
	Obsolete bool
}

// NewConffileHash is the placeholder recorded before a conffile's
// shipped hash is known.
const NewConffileHash = "newconffile"

// Binary holds the fields of one control stanza: the contents of a
// package's installed or available slot.
type Binary struct {
	Version       version.Version
	Maintainer    string
	Description   string
	Source        string
	Section       string
	Priority      string
	InstalledSize string
	Essential     bool
	MultiArch     MultiArch

	Conffiles []Conffile

	Depends    []Dependency
	PreDepends []Dependency
	Recommends []Dependency
	Suggests   []Dependency
	Enhances   []Dependency
	Conflicts  []Dependency
	Breaks     []Dependency
	Replaces   []Dependency
	Provides   []Dependency

	// Extra keeps unknown fields verbatim, in input order.
	Extra []control.Field
}

// Relations returns the dependency list of the given type.
func (b *Binary) Relations(t DepType) []Dependency {
	switch t {
	case DepDepends:
		return b.Depends
	case DepPreDepends:
		return b.PreDepends
	case DepRecommends:
		return b.Recommends
	case DepSuggests:
		return b.Suggests
	case DepEnhances:
		return b.Enhances
	case DepConflicts:
		return b.Conflicts
	case DepBreaks:
		return b.Breaks
	case DepReplaces:
		return b.Replaces
	case DepProvides:
		return b.Provides
	}
	return nil
}

// Conffile returns the conffile record for path, or nil.
func (b *Binary) Conffile(path string) *Conffile {
	for i := range b.Conffiles {
		if b.Conffiles[i].Path == path {
			return &b.Conffiles[i]
		}
	}
	return nil
}

// Package is one (name, architecture) entry with its status triple and
// its installed and available stanza slots.
type Package struct {
	Name string
	Arch string

	Want  Want
	EFlag EFlag
	State State

	Installed Binary
	Available Binary

	// TriggersPending are trigger names awaiting processing in this
	// package; TriggersAwaited are packages this one waits on.
	TriggersPending []string
	TriggersAwaited []string
}

// Key returns the canonical "name:arch" identity.
func (p *Package) Key() string {
	if p.Arch == "" {
		return p.Name
	}
	return p.Name + ":" + p.Arch
}

// DisplayName returns the non-ambiguous name: arch-qualified only when
// the package may legally coexist with a sibling of another
// architecture.
func (p *Package) DisplayName() string {
	if p.Installed.MultiArch == MultiArchSame && p.Arch != "" {
		return p.Name + ":" + p.Arch
	}
	return p.Name
}

// StatusLine renders the "want eflag status" triple.
func (p *Package) StatusLine() string {
	return fmt.Sprintf("%s %s %s", p.Want, p.EFlag, p.State)
}

// Interesting reports whether the record carries any information worth
// persisting in the status file.
func (p *Package) Interesting() bool {
	return p.Want != WantUnknown ||
		p.EFlag != EFlagOK ||
		p.State != StateNotInstalled ||
		len(p.TriggersPending) > 0 ||
		len(p.TriggersAwaited) > 0
}

// AddPendingTrigger records a trigger activation, deduplicated.
func (p *Package) AddPendingTrigger(name string) bool {
	for _, t := range p.TriggersPending {
		if t == name {
			return false
		}
	}
	p.TriggersPending = append(p.TriggersPending, name)
	return true
}

// RemoveAwaited drops a package from the awaited set.
func (p *Package) RemoveAwaited(name string) {
	out := p.TriggersAwaited[:0]
	for _, t := range p.TriggersAwaited {
		if t != name {
			out = append(out, t)
		}
	}
	p.TriggersAwaited = out
}

// NameIsIllegal validates a package name, returning a description of
// the fault or "" when legal.
func NameIsIllegal(name string) string {
	const alsoAllowed = "-+._"
	if name == "" {
		return "may not be empty string"
	}
	if !isAlnum(name[0]) {
		return "must start with an alphanumeric character"
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isAlnum(c) && !strings.ContainsRune(alsoAllowed, rune(c)) {
			return fmt.Sprintf("character %q not allowed (only letters, digits and characters %q)", c, alsoAllowed)
		}
	}
	return ""
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
