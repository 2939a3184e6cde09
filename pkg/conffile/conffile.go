// Package conffile implements the three-way conffile decision on
// upgrade: comparing the recorded hash of the old version, the hash
// shipped in the new archive and the hash of the file currently on
// disk, then applying policy or asking the administrator.
package conffile

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/logging"
	"github.com/arthur-debert/pakt/pkg/policy"
)

// Action is the outcome of a conffile decision.
type Action int

const (
	// KeepCurrent leaves the administrator's file in place; the new
	// version is saved beside it as .dpkg-dist.
	KeepCurrent Action = iota
	// InstallNew replaces the file with the packaged version; the old
	// file is saved beside it as .dpkg-old.
	InstallNew
)

func (a Action) String() string {
	if a == InstallNew {
		return "install-new"
	}
	return "keep-current"
}

// Suffixes for the files left behind by conffile handling.
const (
	DistSuffix   = ".dpkg-dist"
	OldSuffix    = ".dpkg-old"
	BackupSuffix = ".dpkg-bak"
	NewSuffix    = ".dpkg-new"
)

// HashFile returns the MD5 of the file at path in hex, dpkg's conffile
// hash form. A missing file returns the NonExistent sentinel.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NonExistent, nil
		}
		return "", errors.Wrapf(err, errors.ErrFileAccess, "hashing %s", path)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, errors.ErrFileAccess, "hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NonExistent is the hash sentinel for a file that is not on disk.
const NonExistent = "-"

// Resolver decides conffile fates for one session.
type Resolver struct {
	Policy *policy.Policy

	// In and Out carry the interactive prompt; both default to the
	// process's stdin/stdout.
	In  io.Reader
	Out io.Writer

	// IsTerminal is overridable for tests; the default checks stdin.
	IsTerminal func() bool
}

func (r *Resolver) input() io.Reader {
	if r.In != nil {
		return r.In
	}
	return os.Stdin
}

func (r *Resolver) output() io.Writer {
	if r.Out != nil {
		return r.Out
	}
	return os.Stdout
}

func (r *Resolver) interactive() bool {
	if r.IsTerminal != nil {
		return r.IsTerminal()
	}
	return isatty.IsTerminal(os.Stdin.Fd())
}

// Resolve applies the decision matrix for one conffile. oldHash is the
// hash recorded for the outgoing version (NonExistent when this is a
// new conffile), newHash the hash shipped in the incoming archive, and
// curHash the hash of the file on disk (NonExistent when deleted).
func (r *Resolver) Resolve(path, oldHash, newHash, curHash string) (Action, error) {
	log := logging.GetLogger("conffile")

	// The administrator deleted the file: respect that unless confmiss
	// asks for reinstallation.
	if curHash == NonExistent {
		if r.Policy.Enabled(policy.ForceConfMiss) {
			log.Warn().Str("conffile", path).Msg("configuration file missing, installing new version as requested")
			return InstallNew, nil
		}
		log.Warn().Str("conffile", path).Msg("configuration file was deleted, not installing new version")
		return KeepCurrent, nil
	}

	// Nothing changed between versions: whatever is on disk stays.
	if newHash == oldHash {
		return KeepCurrent, nil
	}
	// The administrator never touched the old version: take the new
	// one silently.
	if curHash == oldHash {
		return InstallNew, nil
	}
	// The file on disk already matches the new version.
	if curHash == newHash {
		return InstallNew, nil
	}

	// Locally modified and the package changed it too: policy or
	// prompt.
	forced := r.forcedAction()
	if forced != nil && !r.Policy.Enabled(policy.ForceConfAsk) {
		return *forced, nil
	}
	if !r.interactive() {
		if forced != nil {
			return *forced, nil
		}
		log.Warn().Str("conffile", path).
			Msg("conffile differs and no terminal is available, keeping currently installed version")
		return KeepCurrent, nil
	}
	return r.prompt(path, forced)
}

// forcedAction maps the conf* force flags to a fixed action, nil when
// no flag decides.
func (r *Resolver) forcedAction() *Action {
	switch {
	case r.Policy.Enabled(policy.ForceConfNew):
		a := InstallNew
		return &a
	case r.Policy.Enabled(policy.ForceConfOld):
		a := KeepCurrent
		return &a
	case r.Policy.Enabled(policy.ForceConfDef):
		// The maintainer default is to keep the administrator's file.
		a := KeepCurrent
		return &a
	}
	return nil
}

// prompt runs the interactive dialog: install, keep, diff or shell.
func (r *Resolver) prompt(path string, def *Action) (Action, error) {
	in := bufio.NewReader(r.input())
	out := r.output()
	defAnswer := "N"
	if def != nil && *def == InstallNew {
		defAnswer = "Y"
	}
	for {
		fmt.Fprintf(out, "\nConfiguration file '%s'\n", path)
		fmt.Fprintf(out, " ==> Modified (by you or by a script) since installation.\n")
		fmt.Fprintf(out, " ==> Package distributor has shipped an updated version.\n")
		fmt.Fprintf(out, "   What would you like to do about it ?  Your options are:\n")
		fmt.Fprintf(out, "    Y or I  : install the package maintainer's version\n")
		fmt.Fprintf(out, "    N or O  : keep your currently-installed version\n")
		fmt.Fprintf(out, "      D     : show the differences between the versions\n")
		fmt.Fprintf(out, "      Z     : start a shell to examine the situation\n")
		if defAnswer == "Y" {
			fmt.Fprintf(out, " The default action is to install the new version.\n")
		} else {
			fmt.Fprintf(out, " The default action is to keep your current version.\n")
		}
		fmt.Fprintf(out, "*** %s (Y/I/N/O/D/Z) [default=%s] ? ", path, defAnswer)

		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return KeepCurrent, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "i":
			return InstallNew, nil
		case "n", "o":
			return KeepCurrent, nil
		case "":
			if def != nil {
				return *def, nil
			}
			return KeepCurrent, nil
		case "d":
			r.showDiff(path)
		case "z":
			r.spawnShell(path)
		}
	}
}

func (r *Resolver) showDiff(path string) {
	cmd := exec.Command("diff", "-Nu", path, path+NewSuffix)
	cmd.Stdout = r.output()
	cmd.Stderr = r.output()
	_ = cmd.Run() // diff exits 1 on differences
}

func (r *Resolver) spawnShell(path string) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "DPKG_SHELL_REASON=conffile-prompt")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	fmt.Fprintf(r.output(), "Type 'exit' when you're done; the conffile is %s\n", path)
	_ = cmd.Run()
}
