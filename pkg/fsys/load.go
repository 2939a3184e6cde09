package fsys

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/arthur-debert/pakt/pkg/errors"
)

// LoadDiversions reads the diversions file: records of exactly three
// lines (contested path, redirected path, owning package or ":" for a
// local diversion). A missing file means no diversions.
func (t *Table) LoadDiversions(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.ErrDBLoad, "opening diversions file %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	read := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		line++
		return sc.Text(), true
	}
	for {
		contested, ok := read()
		if !ok {
			break
		}
		redirected, ok := read()
		if !ok {
			return errors.Newf(errors.ErrDBLoad, "diversions file %s truncated at line %d", path, line)
		}
		pkgLine, ok := read()
		if !ok {
			return errors.Newf(errors.ErrDBLoad, "diversions file %s truncated at line %d", path, line)
		}
		pkg := pkgLine
		if pkg == ":" {
			pkg = ""
		}
		if err := t.AddDiversion(contested, redirected, pkg); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, errors.ErrDBLoad, "reading diversions file %s", path)
	}
	return nil
}

// AddDiversion registers a diversion of contested to redirected for
// every package but pkg ("" = local diversion).
func (t *Table) AddDiversion(contested, redirected, pkg string) error {
	cn := t.Find(contested, CreateIfMissing)
	rn := t.Find(redirected, CreateIfMissing)
	if cn == rn {
		return errors.Newf(errors.ErrDivertConflict, "diversion of %s to itself", cn.Name)
	}
	if cn.Divert != nil || rn.Divert != nil {
		return errors.Newf(errors.ErrDivertConflict, "conflicting diversion involving %s", cn.Name)
	}
	d := &Diversion{Contested: cn, Redirected: rn, Package: pkg}
	cn.Divert = d
	// The redirected side points back so lookups from either path see
	// the same record.
	rn.Divert = d
	t.diversions = append(t.diversions, d)
	return nil
}

// RemoveDiversion unregisters the diversion on the contested path.
func (t *Table) RemoveDiversion(contested string) bool {
	cn := t.Find(contested, FindExisting)
	if cn == nil || cn.Divert == nil || cn.Divert.Contested != cn {
		return false
	}
	d := cn.Divert
	d.Contested.Divert = nil
	d.Redirected.Divert = nil
	for i, x := range t.diversions {
		if x == d {
			t.diversions = append(t.diversions[:i], t.diversions[i+1:]...)
			break
		}
	}
	return true
}

// Diversions returns the registered diversions sorted by contested
// path.
func (t *Table) Diversions() []*Diversion {
	out := append([]*Diversion(nil), t.diversions...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Contested.Name < out[j].Contested.Name
	})
	return out
}

// WriteDiversions writes the diversions file in the three-line record
// format with a trailing newline.
func (t *Table) WriteDiversions(w io.Writer) error {
	for _, d := range t.Diversions() {
		pkg := d.Package
		if pkg == "" {
			pkg = ":"
		}
		if _, err := fmt.Fprintf(w, "%s\n%s\n%s\n", d.Contested.Name, d.Redirected.Name, pkg); err != nil {
			return err
		}
	}
	return nil
}

// LoadStatOverrides reads the statoverride file: "uid gid mode path"
// per line. Numeric ids may carry a leading '#'.
func (t *Table) LoadStatOverrides(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.ErrDBLoad, "opening statoverride file %s", path)
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
		parts := strings.SplitN(text, " ", 4)
		if len(parts) != 4 {
			return errors.Newf(errors.ErrDBLoad, "statoverride file %s line %d: expected 'uid gid mode path'", path, line)
		}
		uid, err := parseID(parts[0])
		if err != nil {
			return errors.Wrapf(err, errors.ErrDBLoad, "statoverride file %s line %d: uid", path, line)
		}
		gid, err := parseID(parts[1])
		if err != nil {
			return errors.Wrapf(err, errors.ErrDBLoad, "statoverride file %s line %d: gid", path, line)
		}
		mode, err := strconv.ParseUint(parts[2], 8, 32)
		if err != nil {
			return errors.Wrapf(err, errors.ErrDBLoad, "statoverride file %s line %d: mode", path, line)
		}
		node := t.Find(parts[3], CreateIfMissing)
		node.StatOverride = &StatOverride{UID: uid, GID: gid, Mode: fs.FileMode(mode)}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, errors.ErrDBLoad, "reading statoverride file %s", path)
	}
	return nil
}

func parseID(s string) (int, error) {
	s = strings.TrimPrefix(s, "#")
	return strconv.Atoi(s)
}

// WriteStatOverrides writes the statoverride file sorted by path.
func (t *Table) WriteStatOverrides(w io.Writer) error {
	type entry struct {
		node *Node
	}
	var entries []entry
	t.Iterate(func(n *Node) bool {
		if n.StatOverride != nil {
			entries = append(entries, entry{node: n})
		}
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].node.Name < entries[j].node.Name })
	for _, e := range entries {
		so := e.node.StatOverride
		if _, err := fmt.Fprintf(w, "%d %d %o %s\n", so.UID, so.GID, uint32(so.Mode), e.node.Name); err != nil {
			return err
		}
	}
	return nil
}

// LoadPackageList reads info/<pkg>.list, interning each path and
// recording pkg as its owner. A missing file means the package owns
// nothing.
func (t *Table) LoadPackageList(pkg, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, errors.ErrDBLoad, "opening file list for %s", pkg)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || name == "/." {
			continue
		}
		t.AddOwner(t.Find(name, CreateIfMissing), pkg)
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, errors.ErrDBLoad, "reading file list for %s", pkg)
	}
	return nil
}

// WritePackageList writes the package's file list, one canonical path
// per line, in recorded order.
func (t *Table) WritePackageList(pkg string, w io.Writer) error {
	for _, n := range t.PackageFiles(pkg) {
		if _, err := fmt.Fprintln(w, n.Name); err != nil {
			return err
		}
	}
	return nil
}
