// Package policy maps failures onto force-flag-controlled decisions:
// every recoverable refusal the engine can make is named, and a named
// force flag downgrades it to a warning.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arthur-debert/pakt/pkg/logging"
)

// Force flag names, settable via --force-<name>, --no-force-<name> and
// the DPKG_FORCE environment variable.
const (
	ForceAll               = "all"
	ForceDowngrade         = "downgrade"
	ForceConfigureAny      = "configure-any"
	ForceHold              = "hold"
	ForceRemoveReinstreq   = "remove-reinstreq"
	ForceRemoveEssential   = "remove-essential"
	ForceOverwrite         = "overwrite"
	ForceOverwriteDir      = "overwrite-dir"
	ForceOverwriteDiverted = "overwrite-diverted"
	ForceConflicts         = "conflicts"
	ForceDepends           = "depends"
	ForceDependsVersion    = "depends-version"
	ForceBreaks            = "breaks"
	ForceBadPath           = "bad-path"
	ForceArchitecture      = "architecture"
	ForceBadVersion        = "bad-version"
	ForceUnsafeIO          = "unsafe-io"
	ForceConfNew           = "confnew"
	ForceConfOld           = "confold"
	ForceConfDef           = "confdef"
	ForceConfMiss          = "confmiss"
	ForceConfAsk           = "confask"
)

var knownFlags = map[string]bool{
	ForceDowngrade:         true,
	ForceConfigureAny:      true,
	ForceHold:              true,
	ForceRemoveReinstreq:   true,
	ForceRemoveEssential:   true,
	ForceOverwrite:         true,
	ForceOverwriteDir:      true,
	ForceOverwriteDiverted: true,
	ForceConflicts:         true,
	ForceDepends:           true,
	ForceDependsVersion:    true,
	ForceBreaks:            true,
	ForceBadPath:           true,
	ForceArchitecture:      true,
	ForceBadVersion:        true,
	ForceUnsafeIO:          true,
	ForceConfNew:           true,
	ForceConfOld:           true,
	ForceConfDef:           true,
	ForceConfMiss:          true,
	ForceConfAsk:           true,
}

// Policy is the set of enabled force flags.
type Policy struct {
	flags map[string]bool
}

// New returns the default policy. Downgrades are permitted by default;
// everything else requires an explicit flag.
func New() *Policy {
	return &Policy{flags: map[string]bool{
		ForceDowngrade: true,
	}}
}

// Parse applies a comma-separated force specification; each item may
// carry a "no-" prefix to clear the flag. "all" toggles everything.
func (p *Policy) Parse(spec string) error {
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		enable := true
		if strings.HasPrefix(item, "no-") {
			enable = false
			item = item[3:]
		}
		if item == ForceAll {
			for name := range knownFlags {
				p.flags[name] = enable
			}
			continue
		}
		if !knownFlags[item] {
			return fmt.Errorf("unknown force option %q", item)
		}
		p.flags[item] = enable
	}
	return nil
}

// Set enables or disables a single flag.
func (p *Policy) Set(name string, enable bool) error {
	if !knownFlags[name] {
		return fmt.Errorf("unknown force option %q", name)
	}
	p.flags[name] = enable
	return nil
}

// Enabled reports whether the named flag is set.
func (p *Policy) Enabled(name string) bool {
	return p.flags[name]
}

// EnabledFlags lists the set flags, sorted, for diagnostics.
func (p *Policy) EnabledFlags() []string {
	var out []string
	for name, on := range p.flags {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Decide maps a refusal onto the policy: when the named flag is set
// the error is logged as a warning and nil is returned, letting the
// operation proceed; otherwise the error stands.
func (p *Policy) Decide(flag string, err error) error {
	if err == nil {
		return nil
	}
	if p.Enabled(flag) {
		log := logging.GetLogger("policy")
		log.Warn().
			Str("force", flag).
			Err(err).
			Msg("overriding problem because --force enabled")
		return nil
	}
	return err
}
