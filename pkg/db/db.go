package db

import (
	"sort"
	"strings"
)

// Set groups the packages sharing one canonical name, one per
// architecture.
type Set struct {
	Name     string
	Packages []*Package
}

// DB is the in-memory package database: every package known from the
// status file plus available records, indexed by canonical name.
type DB struct {
	sets map[string]*Set
}

// New returns an empty database.
func New() *DB {
	return &DB{sets: make(map[string]*Set)}
}

// Sets returns the package sets sorted by name.
func (db *DB) Sets() []*Set {
	out := make([]*Set, 0, len(db.sets))
	for _, s := range db.sets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Packages returns every package sorted by (name, arch).
func (db *DB) Packages() []*Package {
	var out []*Package
	for _, s := range db.Sets() {
		pkgs := append([]*Package(nil), s.Packages...)
		sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Arch < pkgs[j].Arch })
		out = append(out, pkgs...)
	}
	return out
}

// FindSet returns the set for name, or nil.
func (db *DB) FindSet(name string) *Set {
	return db.sets[strings.ToLower(name)]
}

// Find returns the single instance of name. When several architecture
// instances exist the first one not in state not-installed wins;
// failing that, the one with the lowest architecture name.
func (db *DB) Find(name string) *Package {
	s := db.FindSet(name)
	if s == nil || len(s.Packages) == 0 {
		return nil
	}
	var best *Package
	for _, p := range s.Packages {
		if p.State != StateNotInstalled {
			return p
		}
		if best == nil || p.Arch < best.Arch {
			best = p
		}
	}
	return best
}

// FindArch returns the instance of name for arch, or nil.
func (db *DB) FindArch(name, arch string) *Package {
	s := db.FindSet(name)
	if s == nil {
		return nil
	}
	for _, p := range s.Packages {
		if p.Arch == arch {
			return p
		}
	}
	return nil
}

// Ensure returns the instance of name for arch, creating the set and
// the package record as needed.
func (db *DB) Ensure(name, arch string) *Package {
	key := strings.ToLower(name)
	s := db.sets[key]
	if s == nil {
		s = &Set{Name: key}
		db.sets[key] = s
	}
	for _, p := range s.Packages {
		if p.Arch == arch {
			return p
		}
	}
	p := &Package{Name: key, Arch: arch}
	s.Packages = append(s.Packages, p)
	return p
}

// Providers returns the installed-side packages declaring Provides on
// the virtual name, along with the matching provide atom.
func (db *DB) Providers(virtual string) []ProviderMatch {
	virtual = strings.ToLower(virtual)
	var out []ProviderMatch
	for _, p := range db.Packages() {
		for _, dep := range p.Installed.Provides {
			for _, alt := range dep.Alternatives {
				if strings.ToLower(alt.Name) == virtual {
					out = append(out, ProviderMatch{Pkg: p, Possi: alt})
				}
			}
		}
	}
	return out
}

// ProviderMatch pairs a providing package with its provide atom.
type ProviderMatch struct {
	Pkg   *Package
	Possi DepPossi
}
