package triggers

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/paths"
)

// reserved names in the triggers directory that are not trigger files.
var reservedTriggerFiles = map[string]bool{
	"File":     true,
	"Unincorp": true,
	"Lock":     true,
}

// Load reads the persisted trigger state: the file-trigger index from
// triggers/File and per-trigger interest files.
func (s *State) Load(p paths.Paths) error {
	if err := s.loadFileInterests(p.TriggersFileInterests()); err != nil {
		return err
	}

	des, err := os.ReadDir(p.TriggersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.ErrDBLoad, "reading triggers directory")
	}
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || reservedTriggerFiles[name] {
			continue
		}
		if err := s.loadInterestFile(name, filepath.Join(p.TriggersDir(), name)); err != nil {
			return err
		}
	}
	return nil
}

// loadFileInterests parses triggers/File: "path package" lines, with
// an optional "/noawait" suffix on the package.
func (s *State) loadFileInterests(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.ErrDBLoad, "opening file-triggers index")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		parts := strings.Fields(text)
		if len(parts) != 2 {
			return errors.Newf(errors.ErrDBLoad, "file-triggers index line %d is malformed", line)
		}
		pkg, noAwait := splitNoAwait(parts[1])
		if err := s.AddFileInterest(parts[0], pkg, noAwait); err != nil {
			return err
		}
	}
	return sc.Err()
}

// loadInterestFile parses triggers/<name>: one interested package per
// line, optional "/noawait" suffix.
func (s *State) loadInterestFile(trigger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrDBLoad, "opening trigger interest file %s", trigger)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		pkg, noAwait := splitNoAwait(text)
		if err := s.AddInterest(trigger, pkg, noAwait); err != nil {
			return err
		}
	}
	return sc.Err()
}

func splitNoAwait(s string) (string, bool) {
	if strings.HasSuffix(s, "/noawait") {
		return strings.TrimSuffix(s, "/noawait"), true
	}
	return strings.TrimSuffix(s, "/await"), false
}

// Save persists the interest indexes and the unincorporated pending
// list back to the triggers directory.
func (s *State) Save(p paths.Paths) error {
	if err := os.MkdirAll(p.TriggersDir(), 0755); err != nil {
		return errors.Wrapf(err, errors.ErrFileCreate, "creating triggers directory")
	}

	if err := writeFileAtomic(p.TriggersFileInterests(), func(w io.Writer) error {
		prefixes := make([]string, 0, len(s.fileInterests))
		for prefix := range s.fileInterests {
			prefixes = append(prefixes, prefix)
		}
		sort.Strings(prefixes)
		for _, prefix := range prefixes {
			for _, in := range s.fileInterests[prefix] {
				if _, err := fmt.Fprintf(w, "%s %s\n", prefix, formatNoAwait(in)); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	// One interest file per explicit trigger; stale files for dropped
	// triggers are removed.
	des, _ := os.ReadDir(p.TriggersDir())
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || reservedTriggerFiles[name] {
			continue
		}
		if _, live := s.explicit[name]; !live {
			_ = os.Remove(filepath.Join(p.TriggersDir(), name))
		}
	}
	for trigger, list := range s.explicit {
		if err := writeFileAtomic(filepath.Join(p.TriggersDir(), trigger), func(w io.Writer) error {
			for _, in := range list {
				if _, err := fmt.Fprintln(w, formatNoAwait(in)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	return writeFileAtomic(p.TriggersUnincorp(), func(w io.Writer) error {
		for _, pkg := range s.DB.Packages() {
			if len(pkg.TriggersPending) == 0 {
				continue
			}
			if _, err := fmt.Fprintf(w, "%s %s\n", pkg.Key(), strings.Join(pkg.TriggersPending, " ")); err != nil {
				return err
			}
		}
		return nil
	})
}

func formatNoAwait(in Interest) string {
	if in.NoAwait {
		return in.Pkg + "/noawait"
	}
	return in.Pkg
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".new.*")
	if err != nil {
		return errors.Wrapf(err, errors.ErrFileCreate, "creating temporary for %s", path)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if err := write(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.ErrFileWrite, "writing %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.ErrFileWrite, "syncing %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrFileWrite, "closing %s", path)
	}
	if err := os.Rename(name, path); err != nil {
		return errors.Wrapf(err, errors.ErrFileRename, "installing %s", path)
	}
	return nil
}
