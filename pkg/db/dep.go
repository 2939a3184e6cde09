package db

import (
	"fmt"
	"strings"

	"github.com/arthur-debert/pakt/pkg/version"
)

// DepType identifies a relationship field.
type DepType int

const (
	DepDepends DepType = iota
	DepPreDepends
	DepRecommends
	DepSuggests
	DepEnhances
	DepConflicts
	DepBreaks
	DepReplaces
	DepProvides
)

var depTypeNames = map[DepType]string{
	DepDepends:    "Depends",
	DepPreDepends: "Pre-Depends",
	DepRecommends: "Recommends",
	DepSuggests:   "Suggests",
	DepEnhances:   "Enhances",
	DepConflicts:  "Conflicts",
	DepBreaks:     "Breaks",
	DepReplaces:   "Replaces",
	DepProvides:   "Provides",
}

func (t DepType) String() string { return depTypeNames[t] }

// DepPossi is one atom of a relationship: a package name with an
// optional architecture qualifier and version constraint.
type DepPossi struct {
	Name    string
	Arch    string // "any", explicit arch, or ""
	Rel     version.Relation
	Version version.Version
}

// String renders the atom in wire form.
func (d DepPossi) String() string {
	var sb strings.Builder
	sb.WriteString(d.Name)
	if d.Arch != "" {
		sb.WriteByte(':')
		sb.WriteString(d.Arch)
	}
	if d.Rel != version.RelNone {
		fmt.Fprintf(&sb, " (%s %s)", d.Rel, d.Version)
	}
	return sb.String()
}

// Dependency is one and-term: a disjunction of atoms. For Conflicts,
// Breaks, Replaces and Provides the list always has a single element.
type Dependency struct {
	Type         DepType
	Alternatives []DepPossi
}

// String renders the or-list in wire form.
func (d Dependency) String() string {
	parts := make([]string, len(d.Alternatives))
	for i, a := range d.Alternatives {
		parts[i] = a.String()
	}
	return strings.Join(parts, " | ")
}

// FormatDepList renders a full relationship field value.
func FormatDepList(deps []Dependency) string {
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = d.String()
	}
	return strings.Join(parts, ", ")
}

// allowsAlternatives reports whether the field accepts or-lists.
func allowsAlternatives(t DepType) bool {
	switch t {
	case DepConflicts, DepBreaks, DepReplaces, DepProvides:
		return false
	}
	return true
}

// ParseDepList parses a relationship field value: comma-separated
// and-terms, each a pipe-separated list of atoms
// "name[:arch] [(op version)]".
func ParseDepList(t DepType, s string) ([]Dependency, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Dependency
	for _, term := range strings.Split(s, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil, fmt.Errorf("%s: empty and-term", t)
		}
		dep := Dependency{Type: t}
		alts := strings.Split(term, "|")
		if len(alts) > 1 && !allowsAlternatives(t) {
			return nil, fmt.Errorf("%s: alternatives are not allowed in this field", t)
		}
		for _, alt := range alts {
			possi, err := parsePossi(t, strings.TrimSpace(alt))
			if err != nil {
				return nil, err
			}
			dep.Alternatives = append(dep.Alternatives, possi)
		}
		out = append(out, dep)
	}
	return out, nil
}

func parsePossi(t DepType, s string) (DepPossi, error) {
	var p DepPossi
	if s == "" {
		return p, fmt.Errorf("%s: empty package name in atom", t)
	}

	name := s
	var constraint string
	if i := strings.IndexByte(s, '('); i >= 0 {
		name = strings.TrimSpace(s[:i])
		rest := s[i+1:]
		j := strings.IndexByte(rest, ')')
		if j < 0 {
			return p, fmt.Errorf("%s: unclosed version constraint in %q", t, s)
		}
		constraint = strings.TrimSpace(rest[:j])
		if strings.TrimSpace(rest[j+1:]) != "" {
			return p, fmt.Errorf("%s: trailing junk after version constraint in %q", t, s)
		}
	}

	if i := strings.IndexByte(name, ':'); i >= 0 {
		p.Name, p.Arch = name[:i], name[i+1:]
		if p.Arch == "" {
			return p, fmt.Errorf("%s: empty architecture qualifier in %q", t, s)
		}
	} else {
		p.Name = name
	}
	if msg := NameIsIllegal(p.Name); msg != "" {
		return p, fmt.Errorf("%s: package name %q: %s", t, p.Name, msg)
	}

	if constraint != "" {
		k := 0
		for k < len(constraint) && (constraint[k] == '<' || constraint[k] == '>' || constraint[k] == '=') {
			k++
		}
		if k == 0 {
			return p, fmt.Errorf("%s: missing operator in constraint %q", t, constraint)
		}
		rel, err := version.ParseRelation(constraint[:k])
		if err != nil {
			return p, fmt.Errorf("%s: %v", t, err)
		}
		ver, err := version.Parse(strings.TrimSpace(constraint[k:]))
		if err != nil {
			if pe, ok := err.(*version.ParseError); !ok || !pe.Warning {
				return p, fmt.Errorf("%s: version in constraint %q: %v", t, constraint, err)
			}
		}
		p.Rel = rel
		p.Version = ver
	}
	return p, nil
}
