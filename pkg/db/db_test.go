package db_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arthur-debert/pakt/pkg/control"
	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusSample = `Package: libfoo
Status: install ok installed
Priority: optional
Section: libs
Architecture: amd64
Multi-Arch: same
Version: 1.2-3
Depends: libc6 (>= 2.17), zlib1g | zlib-ng
Conffiles:
 /etc/foo.conf 0123456789abcdef0123456789abcdef
Description: a foo library

Package: bar
Status: install ok unpacked
Architecture: all
Version: 0.9
Provides: virtual-bar
X-Custom-Field: kept verbatim
`

func loadSample(t *testing.T) *db.DB {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "status")
	require.NoError(t, os.WriteFile(path, []byte(statusSample), 0644))
	d := db.New()
	require.NoError(t, d.LoadStatus(path, false))
	return d
}

func TestLoadStatus(t *testing.T) {
	d := loadSample(t)

	foo := d.FindArch("libfoo", "amd64")
	require.NotNil(t, foo)
	assert.Equal(t, db.WantInstall, foo.Want)
	assert.Equal(t, db.StateInstalled, foo.State)
	assert.Equal(t, version.MustParse("1.2-3"), foo.Installed.Version)
	assert.Equal(t, db.MultiArchSame, foo.Installed.MultiArch)
	assert.Equal(t, "libfoo:amd64", foo.DisplayName())

	require.Len(t, foo.Installed.Depends, 2)
	assert.Equal(t, "libc6", foo.Installed.Depends[0].Alternatives[0].Name)
	assert.Equal(t, version.RelLaterEqual, foo.Installed.Depends[0].Alternatives[0].Rel)
	assert.Len(t, foo.Installed.Depends[1].Alternatives, 2)

	require.Len(t, foo.Installed.Conffiles, 1)
	assert.Equal(t, "/etc/foo.conf", foo.Installed.Conffiles[0].Path)

	bar := d.Find("bar")
	require.NotNil(t, bar)
	assert.Equal(t, db.StateUnpacked, bar.State)
	require.Len(t, bar.Installed.Extra, 1)
	assert.Equal(t, "X-Custom-Field", bar.Installed.Extra[0].Name)
}

func TestStatusRoundTrip(t *testing.T) {
	d := loadSample(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "status")
	require.NoError(t, d.WriteStatus(out))

	again := db.New()
	require.NoError(t, again.LoadStatus(out, false))

	foo := again.FindArch("libfoo", "amd64")
	require.NotNil(t, foo)
	assert.Equal(t, d.FindArch("libfoo", "amd64").Installed.Depends, foo.Installed.Depends)
	assert.Equal(t, d.FindArch("libfoo", "amd64").Installed.Conffiles, foo.Installed.Conffiles)

	bar := again.Find("bar")
	require.NotNil(t, bar)
	assert.Equal(t, "kept verbatim", func() string {
		for _, f := range bar.Installed.Extra {
			if f.Name == "X-Custom-Field" {
				return f.Value
			}
		}
		return ""
	}())
}

func TestProviders(t *testing.T) {
	d := loadSample(t)
	matches := d.Providers("virtual-bar")
	require.Len(t, matches, 1)
	assert.Equal(t, "bar", matches[0].Pkg.Name)
	assert.Empty(t, d.Providers("nothing-provides-this"))
}

func TestEnsureAndFind(t *testing.T) {
	d := db.New()
	p := d.Ensure("Foo", "amd64")
	assert.Equal(t, "foo", p.Name) // canonical lowercase
	assert.Same(t, p, d.Ensure("foo", "amd64"))
	assert.Same(t, p, d.FindArch("FOO", "amd64"))
	assert.Nil(t, d.FindArch("foo", "i386"))

	q := d.Ensure("foo", "i386")
	q.State = db.StateInstalled
	// Find prefers the installed instance.
	assert.Same(t, q, d.Find("foo"))
}

func TestJournalReplayAndMerge(t *testing.T) {
	adminDir := t.TempDir()
	updates := filepath.Join(adminDir, "updates")
	require.NoError(t, os.MkdirAll(updates, 0755))
	statusPath := filepath.Join(adminDir, "status")
	require.NoError(t, os.WriteFile(statusPath, []byte(statusSample), 0644))

	d := db.New()
	require.NoError(t, d.LoadStatus(statusPath, false))

	// Mutate bar and journal the change without touching status.
	j, err := db.OpenJournal(updates)
	require.NoError(t, err)
	bar := d.Find("bar")
	bar.State = db.StateHalfConfigured
	require.NoError(t, j.Record(bar))
	bar.State = db.StateInstalled
	require.NoError(t, j.Record(bar))

	names, err := os.ReadDir(updates)
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "0000", names[0].Name())
	assert.Equal(t, "0001", names[1].Name())

	// A fresh engine run replays the journal over the stale status.
	recovered := db.New()
	require.NoError(t, recovered.LoadStatus(statusPath, false))
	assert.Equal(t, db.StateUnpacked, recovered.Find("bar").State)
	require.NoError(t, recovered.Merge(statusPath, updates, false))
	assert.Equal(t, db.StateInstalled, recovered.Find("bar").State)

	// After merge the updates directory is empty and status reflects
	// the journaled state.
	left, err := os.ReadDir(updates)
	require.NoError(t, err)
	assert.Empty(t, left)

	final := db.New()
	require.NoError(t, final.LoadStatus(statusPath, false))
	assert.Equal(t, db.StateInstalled, final.Find("bar").State)
}

func TestUninterestingRecordsDropped(t *testing.T) {
	d := db.New()
	p := d.Ensure("gone", "amd64")
	p.Want = db.WantUnknown
	p.State = db.StateNotInstalled

	q := d.Ensure("kept", "amd64")
	q.Want = db.WantInstall
	q.State = db.StateInstalled
	q.Installed.Version = version.MustParse("1.0")

	out := filepath.Join(t.TempDir(), "status")
	require.NoError(t, d.WriteStatus(out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "gone")
	assert.Contains(t, string(data), "kept")
}

func TestEncodeStanzaAvailable(t *testing.T) {
	p := &db.Package{Name: "foo", Arch: "amd64", Want: db.WantInstall, State: db.StateInstalled}
	p.Available.Version = version.MustParse("2.0-1")
	p.Available.Description = "tool"

	s := db.EncodeStanza(p, &p.Available, false)
	assert.False(t, s.Has("Status"))
	assert.Equal(t, "2.0-1", s.Get("Version"))
}

func TestDecodeStanzaErrors(t *testing.T) {
	for name, stanzaText := range map[string]string{
		"no package":    "Version: 1.0\n",
		"bad status":    "Package: foo\nStatus: install ok\n",
		"bad want":      "Package: foo\nStatus: frobnicate ok installed\n",
		"bad essential": "Package: foo\nEssential: maybe\n",
		"bad name":      "Package: _foo\n",
		"bad version":   "Package: foo\nVersion: 1.0 beta\n",
	} {
		t.Run(name, func(t *testing.T) {
			stanzas, err := control.ReadAll(strings.NewReader(stanzaText), "t")
			require.NoError(t, err)
			var pkg db.Package
			var bin db.Binary
			assert.Error(t, db.DecodeStanza(stanzas[0], &pkg, &bin, false))
		})
	}
}

func TestLaxVersionParsing(t *testing.T) {
	stanzas, err := control.ReadAll(strings.NewReader("Package: foo\nVersion: prerelease\n"), "t")
	require.NoError(t, err)

	var pkg db.Package
	var bin db.Binary
	// Strict parsing rejects the non-digit start.
	require.Error(t, db.DecodeStanza(stanzas[0], &pkg, &bin, false))
	// Lax parsing keeps the value with a warning.
	pkg, bin = db.Package{}, db.Binary{}
	require.NoError(t, db.DecodeStanza(stanzas[0], &pkg, &bin, true))
	assert.Equal(t, "prerelease", bin.Version.Upstream)
}

func TestNameIsIllegal(t *testing.T) {
	assert.Empty(t, db.NameIsIllegal("libfoo2"))
	assert.Empty(t, db.NameIsIllegal("g++"))
	assert.NotEmpty(t, db.NameIsIllegal(""))
	assert.Empty(t, db.NameIsIllegal("x"))
	assert.NotEmpty(t, db.NameIsIllegal("-dash"))
	assert.NotEmpty(t, db.NameIsIllegal("has space"))
}

func TestDepListRoundTrip(t *testing.T) {
	in := "libc6 (>= 2.17), zlib1g | zlib-ng (<< 3), editor"
	deps, err := db.ParseDepList(db.DepDepends, in)
	require.NoError(t, err)
	assert.Equal(t, in, db.FormatDepList(deps))
}

func TestParseDepListErrors(t *testing.T) {
	for name, in := range map[string]string{
		"empty term":       "foo,,bar",
		"unclosed paren":   "foo (>= 1.0",
		"missing operator": "foo (1.0)",
		"alt in conflicts": "", // handled below
	} {
		if in == "" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			_, err := db.ParseDepList(db.DepDepends, in)
			assert.Error(t, err)
		})
	}

	_, err := db.ParseDepList(db.DepConflicts, "a | b")
	assert.Error(t, err, "alternatives are not allowed in Conflicts")
}
