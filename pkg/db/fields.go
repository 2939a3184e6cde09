package db

import (
	"fmt"
	"strings"

	"github.com/arthur-debert/pakt/pkg/control"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/version"
)

// fieldInfo is one entry in the static field registry: a canonical
// name plus typed decode and encode functions. Encode returns false
// when the field has nothing to emit.
type fieldInfo struct {
	name   string
	decode func(d *decodeState, value string) error
	encode func(p *Package, b *Binary, withStatus bool) (string, bool)
}

// decodeState threads the target record and parse options through the
// registry.
type decodeState struct {
	pkg *Package
	bin *Binary
	lax bool
}

func (d *decodeState) parseVersion(value string) (version.Version, error) {
	v, err := version.Parse(value)
	if err != nil {
		if pe, ok := err.(*version.ParseError); ok && pe.Warning && d.lax {
			log := logging.GetLogger("db")
			log.Warn().
				Str("package", d.pkg.Name).
				Str("version", value).
				Msg(pe.Message)
			return v, nil
		}
		return v, err
	}
	return v, nil
}

func depDecoder(t DepType, dst func(*Binary) *[]Dependency) func(*decodeState, string) error {
	return func(d *decodeState, value string) error {
		deps, err := ParseDepList(t, value)
		if err != nil {
			return err
		}
		*dst(d.bin) = deps
		return nil
	}
}

func depEncoder(t DepType, src func(*Binary) []Dependency) func(*Package, *Binary, bool) (string, bool) {
	return func(_ *Package, b *Binary, _ bool) (string, bool) {
		deps := src(b)
		if len(deps) == 0 {
			return "", false
		}
		return FormatDepList(deps), true
	}
}

var fieldRegistry = []fieldInfo{
	{
		name: "Package",
		decode: func(d *decodeState, value string) error {
			if msg := NameIsIllegal(value); msg != "" {
				return fmt.Errorf("package name %q: %s", value, msg)
			}
			d.pkg.Name = value
			return nil
		},
		encode: func(p *Package, _ *Binary, _ bool) (string, bool) { return p.Name, true },
	},
	{
		name: "Status",
		decode: func(d *decodeState, value string) error {
			parts := strings.Fields(value)
			if len(parts) != 3 {
				return fmt.Errorf("status field has %d words, expected 3", len(parts))
			}
			want, err := ParseWant(parts[0])
			if err != nil {
				return err
			}
			eflag, err := ParseEFlag(parts[1])
			if err != nil {
				return err
			}
			state, err := ParseState(parts[2])
			if err != nil {
				return err
			}
			d.pkg.Want, d.pkg.EFlag, d.pkg.State = want, eflag, state
			return nil
		},
		encode: func(p *Package, _ *Binary, withStatus bool) (string, bool) {
			if !withStatus {
				return "", false
			}
			return p.StatusLine(), true
		},
	},
	{
		name: "Architecture",
		decode: func(d *decodeState, value string) error {
			d.pkg.Arch = value
			return nil
		},
		encode: func(p *Package, _ *Binary, _ bool) (string, bool) {
			return p.Arch, p.Arch != ""
		},
	},
	{
		name: "Multi-Arch",
		decode: func(d *decodeState, value string) error {
			ma, err := ParseMultiArch(value)
			if err != nil {
				return err
			}
			d.bin.MultiArch = ma
			return nil
		},
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) {
			return b.MultiArch.String(), b.MultiArch != MultiArchNo
		},
	},
	{
		name: "Essential",
		decode: func(d *decodeState, value string) error {
			switch value {
			case "yes":
				d.bin.Essential = true
			case "no":
				d.bin.Essential = false
			default:
				return fmt.Errorf("essential field must be yes or no, got %q", value)
			}
			return nil
		},
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) {
			return "yes", b.Essential
		},
	},
	{
		name: "Priority",
		decode: func(d *decodeState, value string) error { d.bin.Priority = value; return nil },
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) { return b.Priority, b.Priority != "" },
	},
	{
		name: "Section",
		decode: func(d *decodeState, value string) error { d.bin.Section = value; return nil },
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) { return b.Section, b.Section != "" },
	},
	{
		name: "Installed-Size",
		decode: func(d *decodeState, value string) error { d.bin.InstalledSize = value; return nil },
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) {
			return b.InstalledSize, b.InstalledSize != ""
		},
	},
	{
		name: "Source",
		decode: func(d *decodeState, value string) error { d.bin.Source = value; return nil },
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) { return b.Source, b.Source != "" },
	},
	{
		name: "Maintainer",
		decode: func(d *decodeState, value string) error { d.bin.Maintainer = value; return nil },
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) {
			return b.Maintainer, b.Maintainer != ""
		},
	},
	{
		name: "Version",
		decode: func(d *decodeState, value string) error {
			v, err := d.parseVersion(value)
			if err != nil {
				return err
			}
			d.bin.Version = v
			return nil
		},
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) {
			return b.Version.String(), !b.Version.Empty()
		},
	},
	{
		name: "Conffiles",
		decode: func(d *decodeState, value string) error {
			for _, line := range strings.Split(value, "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				parts := strings.Fields(line)
				if len(parts) < 2 || len(parts) > 3 {
					return fmt.Errorf("malformed conffile entry %q", line)
				}
				cf := Conffile{Path: parts[0], Hash: parts[1]}
				if len(parts) == 3 {
					if parts[2] != "obsolete" {
						return fmt.Errorf("unknown conffile flag %q", parts[2])
					}
					cf.Obsolete = true
				}
				if !strings.HasPrefix(cf.Path, "/") {
					return fmt.Errorf("conffile path %q is not absolute", cf.Path)
				}
				d.bin.Conffiles = append(d.bin.Conffiles, cf)
			}
			return nil
		},
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) {
			if len(b.Conffiles) == 0 {
				return "", false
			}
			var sb strings.Builder
			for _, cf := range b.Conffiles {
				sb.WriteByte('\n')
				sb.WriteString(cf.Path)
				sb.WriteByte(' ')
				sb.WriteString(cf.Hash)
				if cf.Obsolete {
					sb.WriteString(" obsolete")
				}
			}
			return sb.String(), true
		},
	},
	{
		name:   "Depends",
		decode: depDecoder(DepDepends, func(b *Binary) *[]Dependency { return &b.Depends }),
		encode: depEncoder(DepDepends, func(b *Binary) []Dependency { return b.Depends }),
	},
	{
		name:   "Pre-Depends",
		decode: depDecoder(DepPreDepends, func(b *Binary) *[]Dependency { return &b.PreDepends }),
		encode: depEncoder(DepPreDepends, func(b *Binary) []Dependency { return b.PreDepends }),
	},
	{
		name:   "Recommends",
		decode: depDecoder(DepRecommends, func(b *Binary) *[]Dependency { return &b.Recommends }),
		encode: depEncoder(DepRecommends, func(b *Binary) []Dependency { return b.Recommends }),
	},
	{
		name:   "Suggests",
		decode: depDecoder(DepSuggests, func(b *Binary) *[]Dependency { return &b.Suggests }),
		encode: depEncoder(DepSuggests, func(b *Binary) []Dependency { return b.Suggests }),
	},
	{
		name:   "Enhances",
		decode: depDecoder(DepEnhances, func(b *Binary) *[]Dependency { return &b.Enhances }),
		encode: depEncoder(DepEnhances, func(b *Binary) []Dependency { return b.Enhances }),
	},
	{
		name:   "Conflicts",
		decode: depDecoder(DepConflicts, func(b *Binary) *[]Dependency { return &b.Conflicts }),
		encode: depEncoder(DepConflicts, func(b *Binary) []Dependency { return b.Conflicts }),
	},
	{
		name:   "Breaks",
		decode: depDecoder(DepBreaks, func(b *Binary) *[]Dependency { return &b.Breaks }),
		encode: depEncoder(DepBreaks, func(b *Binary) []Dependency { return b.Breaks }),
	},
	{
		name:   "Replaces",
		decode: depDecoder(DepReplaces, func(b *Binary) *[]Dependency { return &b.Replaces }),
		encode: depEncoder(DepReplaces, func(b *Binary) []Dependency { return b.Replaces }),
	},
	{
		name:   "Provides",
		decode: depDecoder(DepProvides, func(b *Binary) *[]Dependency { return &b.Provides }),
		encode: depEncoder(DepProvides, func(b *Binary) []Dependency { return b.Provides }),
	},
	{
		name: "Description",
		decode: func(d *decodeState, value string) error { d.bin.Description = value; return nil },
		encode: func(_ *Package, b *Binary, _ bool) (string, bool) {
			return b.Description, b.Description != ""
		},
	},
	{
		name: "Triggers-Pending",
		decode: func(d *decodeState, value string) error {
			d.pkg.TriggersPending = strings.Fields(value)
			return nil
		},
		encode: func(p *Package, _ *Binary, withStatus bool) (string, bool) {
			if !withStatus || len(p.TriggersPending) == 0 {
				return "", false
			}
			return strings.Join(p.TriggersPending, " "), true
		},
	},
	{
		name: "Triggers-Awaited",
		decode: func(d *decodeState, value string) error {
			d.pkg.TriggersAwaited = strings.Fields(value)
			return nil
		},
		encode: func(p *Package, _ *Binary, withStatus bool) (string, bool) {
			if !withStatus || len(p.TriggersAwaited) == 0 {
				return "", false
			}
			return strings.Join(p.TriggersAwaited, " "), true
		},
	},
}

var fieldsByName = func() map[string]*fieldInfo {
	m := make(map[string]*fieldInfo, len(fieldRegistry))
	for i := range fieldRegistry {
		m[strings.ToLower(fieldRegistry[i].name)] = &fieldRegistry[i]
	}
	return m
}()

// DecodeStanza fills pkg and the chosen binary slot from a stanza.
// Unknown fields are retained verbatim in bin.Extra.
func DecodeStanza(s *control.Stanza, pkg *Package, bin *Binary, lax bool) error {
	d := &decodeState{pkg: pkg, bin: bin, lax: lax}
	for _, f := range s.Fields() {
		info, ok := fieldsByName[strings.ToLower(f.Name)]
		if !ok {
			bin.Extra = append(bin.Extra, f)
			continue
		}
		if err := info.decode(d, f.Value); err != nil {
			return fmt.Errorf("field %s: %w", info.name, err)
		}
	}
	if pkg.Name == "" {
		return fmt.Errorf("stanza has no Package field")
	}
	return nil
}

// EncodeStanza renders pkg's chosen binary slot as a stanza. Status
// and trigger fields are included only when withStatus is set (status
// file and journal entries; not the available file).
func EncodeStanza(pkg *Package, bin *Binary, withStatus bool) *control.Stanza {
	s := control.NewStanza()
	for i := range fieldRegistry {
		info := &fieldRegistry[i]
		if value, ok := info.encode(pkg, bin, withStatus); ok {
			s.Set(info.name, value)
		}
	}
	for _, f := range bin.Extra {
		if !s.Has(f.Name) {
			s.Set(f.Name, f.Value)
		}
	}
	return s
}
