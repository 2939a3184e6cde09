package db

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/arthur-debert/pakt/pkg/control"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/logging"
)

// LoadStatus reads the status file into the database. A missing file
// is an empty database, not an error.
func (db *DB) LoadStatus(path string, lax bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.ErrDBLoad, "opening status file %s", path)
	}
	defer f.Close()

	r := control.NewReader(f, path)
	for {
		stanza, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrDBLoad, "reading status file")
		}
		if err := db.applyStatusStanza(stanza, lax); err != nil {
			return err
		}
	}
}

func (db *DB) applyStatusStanza(stanza *control.Stanza, lax bool) error {
	var probe Package
	var bin Binary
	if err := DecodeStanza(stanza, &probe, &bin, lax); err != nil {
		return errors.Wrap(err, errors.ErrDBLoad, "decoding status stanza")
	}
	pkg := db.Ensure(probe.Name, probe.Arch)
	pkg.Want, pkg.EFlag, pkg.State = probe.Want, probe.EFlag, probe.State
	pkg.TriggersPending = probe.TriggersPending
	pkg.TriggersAwaited = probe.TriggersAwaited
	pkg.Installed = bin
	return nil
}

// LoadAvailable reads the available file into the database's available
// slots. A missing file is fine.
func (db *DB) LoadAvailable(path string, lax bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.ErrDBLoad, "opening available file %s", path)
	}
	defer f.Close()

	r := control.NewReader(f, path)
	for {
		stanza, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrDBLoad, "reading available file")
		}
		var probe Package
		var bin Binary
		if err := DecodeStanza(stanza, &probe, &bin, lax); err != nil {
			return errors.Wrap(err, errors.ErrDBLoad, "decoding available stanza")
		}
		pkg := db.Ensure(probe.Name, probe.Arch)
		pkg.Available = bin
	}
}

// writeAtomic writes content to path via a temporary sibling, fsyncs
// the file and renames it into place, then fsyncs the directory.
func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".new.*")
	if err != nil {
		return errors.Wrapf(err, errors.ErrDBWrite, "creating temporary for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.ErrDBWrite, "writing %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, errors.ErrDBWrite, "syncing %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrDBWrite, "closing %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, errors.ErrFileRename, "installing %s", path)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

// WriteStatus atomically rewrites the status file from the in-memory
// state. Records with nothing to say are omitted.
func (db *DB) WriteStatus(path string) error {
	return writeAtomic(path, func(w io.Writer) error {
		first := true
		for _, pkg := range db.Packages() {
			if !pkg.Interesting() {
				continue
			}
			if !first {
				if _, err := io.WriteString(w, "\n"); err != nil {
					return err
				}
			}
			first = false
			if _, err := EncodeStanza(pkg, &pkg.Installed, true).WriteTo(w); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteAvailable atomically rewrites the available file.
func (db *DB) WriteAvailable(path string) error {
	return writeAtomic(path, func(w io.Writer) error {
		first := true
		for _, pkg := range db.Packages() {
			if pkg.Available.Version.Empty() {
				continue
			}
			if !first {
				if _, err := io.WriteString(w, "\n"); err != nil {
					return err
				}
			}
			first = false
			if _, err := EncodeStanza(pkg, &pkg.Available, false).WriteTo(w); err != nil {
				return err
			}
		}
		return nil
	})
}

// Journal is the crash-recovery journal: each mutation of a package
// record is written as an individual numbered stanza file in the
// updates directory before the status file itself is rewritten.
type Journal struct {
	dir string
	seq int
}

// OpenJournal scans dir for existing entries and positions the
// sequence counter after the highest.
func OpenJournal(dir string) (*Journal, error) {
	j := &Journal{dir: dir}
	entries, err := journalEntries(dir)
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		j.seq = entries[n-1].seq + 1
	}
	return j, nil
}

type journalEntry struct {
	seq  int
	path string
}

// journalEntries lists the numeric entries in ascending order,
// ignoring foreign files.
func journalEntries(dir string) ([]journalEntry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.ErrDBJournal, "reading updates directory %s", dir)
	}
	var out []journalEntry
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		seq, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		out = append(out, journalEntry{seq: seq, path: filepath.Join(dir, de.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

// Record appends a journal entry holding pkg's current status stanza.
func (j *Journal) Record(pkg *Package) error {
	name := fmt.Sprintf("%04d", j.seq)
	path := filepath.Join(j.dir, name)
	err := writeAtomic(path, func(w io.Writer) error {
		_, err := EncodeStanza(pkg, &pkg.Installed, true).WriteTo(w)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, errors.ErrDBJournal, "recording journal entry for %s", pkg.Name)
	}
	j.seq++
	return nil
}

// Replay applies any pending journal entries to the database, in
// numeric order. It returns the number of entries applied.
func (db *DB) Replay(dir string, lax bool) (int, error) {
	entries, err := journalEntries(dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		data, err := os.ReadFile(e.path)
		if err != nil {
			return 0, errors.Wrapf(err, errors.ErrDBJournal, "reading journal entry %s", e.path)
		}
		stanzas, err := control.ReadAll(strings.NewReader(string(data)), e.path)
		if err != nil {
			return 0, errors.Wrapf(err, errors.ErrDBJournal, "parsing journal entry %s", e.path)
		}
		for _, stanza := range stanzas {
			if err := db.applyStatusStanza(stanza, lax); err != nil {
				return 0, err
			}
		}
	}
	if len(entries) > 0 {
		log := logging.GetLogger("db")
		log.Info().
			Int("entries", len(entries)).
			Msg("replayed pending journal entries")
	}
	return len(entries), nil
}

// Merge replays pending journal entries, rewrites the status file and
// truncates the updates directory. Run on startup (crash recovery)
// and on clean shutdown.
func (db *DB) Merge(statusPath, updatesDir string, lax bool) error {
	if _, err := db.Replay(updatesDir, lax); err != nil {
		return err
	}
	if err := db.WriteStatus(statusPath); err != nil {
		return err
	}
	entries, err := journalEntries(updatesDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Remove(e.path); err != nil {
			return errors.Wrapf(err, errors.ErrDBJournal, "removing merged journal entry %s", e.path)
		}
	}
	return syncDir(updatesDir)
}
