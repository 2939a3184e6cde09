package engine_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/engine"
	"github.com/arthur-debert/pakt/pkg/errors"
	"github.com/arthur-debert/pakt/pkg/paths"
	"github.com/arthur-debert/pakt/pkg/policy"
	"github.com/arthur-debert/pakt/pkg/testutil"
)

func newSession(t *testing.T) (*engine.Engine, paths.Paths) {
	t.Helper()
	base := t.TempDir()
	p := paths.New(filepath.Join(base, "admin"), filepath.Join(base, "root"))
	e, err := engine.Open(p, policy.New(), engine.Options{Arch: "all"})
	require.NoError(t, err)
	return e, p
}

func reopen(t *testing.T, p paths.Paths) *engine.Engine {
	t.Helper()
	e, err := engine.Open(p, policy.New(), engine.Options{Arch: "all"})
	require.NoError(t, err)
	return e
}

func TestFreshInstallEndToEnd(t *testing.T) {
	e, p := newSession(t)
	deb := testutil.BuildDeb(t, t.TempDir(), testutil.DebSpec{
		Name: "foo", Version: "1.0",
		Files: map[string]string{"/usr/bin/foo": "hello"},
	})

	require.NoError(t, e.InstallArchives([]string{deb}, true))

	pkg := e.DB.Find("foo")
	require.NotNil(t, pkg)
	assert.Equal(t, db.StateInstalled, pkg.State)
	assert.Equal(t, "1.0", pkg.Installed.Version.String())

	require.NoError(t, e.Close())

	// The status file reflects the install and the journal is merged
	// away.
	data, err := os.ReadFile(p.StatusFile())
	require.NoError(t, err)
	assert.Contains(t, string(data), "Package: foo")
	assert.Contains(t, string(data), "install ok installed")

	left, err := os.ReadDir(p.UpdatesDir())
	require.NoError(t, err)
	assert.Empty(t, left)

	// A fresh session sees the same state.
	e2 := reopen(t, p)
	defer e2.Close()
	pkg = e2.DB.Find("foo")
	require.NotNil(t, pkg)
	assert.Equal(t, db.StateInstalled, pkg.State)
	assert.True(t, e2.Table.Find("/usr/bin/foo", 0).OwnedBy("foo"))
}

func TestInstallWithDependencyOrdering(t *testing.T) {
	e, _ := newSession(t)
	dir := t.TempDir()
	lib := testutil.BuildDeb(t, dir, testutil.DebSpec{
		Name: "lib", Version: "1.0",
		Files: map[string]string{"/usr/lib/lib.so": "x"},
	})
	app := testutil.BuildDeb(t, dir, testutil.DebSpec{
		Name: "app", Version: "1.0",
		Fields: map[string]string{"Depends": "lib"},
		Files:  map[string]string{"/usr/bin/app": "x"},
	})

	// The dependant is listed first; the scheduler must reorder.
	require.NoError(t, e.InstallArchives([]string{app, lib}, true))
	assert.Equal(t, db.StateInstalled, e.DB.Find("app").State)
	assert.Equal(t, db.StateInstalled, e.DB.Find("lib").State)
	require.NoError(t, e.Close())
}

func TestDependencyCycleBothConfigured(t *testing.T) {
	e, _ := newSession(t)
	dir := t.TempDir()
	a := testutil.BuildDeb(t, dir, testutil.DebSpec{
		Name: "a", Version: "1.0",
		Fields: map[string]string{"Depends": "b"},
		Files:  map[string]string{"/usr/share/a": "x"},
	})
	b := testutil.BuildDeb(t, dir, testutil.DebSpec{
		Name: "b", Version: "1.0",
		Fields: map[string]string{"Depends": "a"},
		Files:  map[string]string{"/usr/share/b": "x"},
	})

	require.NoError(t, e.InstallArchives([]string{a, b}, true))
	assert.Equal(t, db.StateInstalled, e.DB.Find("a").State)
	assert.Equal(t, db.StateInstalled, e.DB.Find("b").State)
	require.NoError(t, e.Close())
}

func TestUnpackThenConfigurePendingAcrossSessions(t *testing.T) {
	e, p := newSession(t)
	deb := testutil.BuildDeb(t, t.TempDir(), testutil.DebSpec{
		Name: "foo", Version: "1.0",
		Files: map[string]string{"/usr/bin/foo": "x"},
	})
	require.NoError(t, e.Unpack([]string{deb}))
	assert.Equal(t, db.StateUnpacked, e.DB.Find("foo").State)
	require.NoError(t, e.Close())

	e2 := reopen(t, p)
	require.NoError(t, e2.ConfigurePending())
	assert.Equal(t, db.StateInstalled, e2.DB.Find("foo").State)
	require.NoError(t, e2.Close())
}

func TestTriggersOnlyPass(t *testing.T) {
	e, p := newSession(t)
	dir := t.TempDir()

	iconcache := testutil.BuildDeb(t, dir, testutil.DebSpec{
		Name: "iconcache", Version: "1.0",
		Files:    map[string]string{"/usr/bin/update-icons": "x"},
		Triggers: "interest-noawait /usr/share/icons\n",
	})
	require.NoError(t, e.InstallArchives([]string{iconcache}, true))

	theme := testutil.BuildDeb(t, dir, testutil.DebSpec{
		Name: "theme", Version: "1.0",
		Files: map[string]string{"/usr/share/icons/t/i.png": "x"},
	})
	// Unpack without configure leaves the trigger pending.
	require.NoError(t, e.Unpack([]string{theme}))
	assert.Equal(t, db.StateTriggersPending, e.DB.Find("iconcache").State)
	require.NoError(t, e.Close())

	// A later triggers-only pass settles it.
	e2 := reopen(t, p)
	require.NoError(t, e2.TriggersOnly())
	assert.Equal(t, db.StateInstalled, e2.DB.Find("iconcache").State)
	require.NoError(t, e2.Close())
}

func TestRemoveAndPurge(t *testing.T) {
	e, p := newSession(t)
	deb := testutil.BuildDeb(t, t.TempDir(), testutil.DebSpec{
		Name: "foo", Version: "1.0",
		Files:     map[string]string{"/usr/bin/foo": "x", "/etc/foo.conf": "c\n"},
		Conffiles: []string{"/etc/foo.conf"},
	})
	require.NoError(t, e.InstallArchives([]string{deb}, true))

	require.NoError(t, e.Remove([]string{"foo"}, false))
	assert.Equal(t, db.StateConfigFiles, e.DB.Find("foo").State)
	_, err := os.Stat(p.InRoot("/etc/foo.conf"))
	assert.NoError(t, err)

	require.NoError(t, e.Remove([]string{"foo"}, true))
	assert.Equal(t, db.StateNotInstalled, e.DB.Find("foo").State)
	_, err = os.Stat(p.InRoot("/etc/foo.conf"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, e.Close())

	// Purged packages vanish from the status file.
	data, err := os.ReadFile(p.StatusFile())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Package: foo")
}

func TestRemoveUnknownPackage(t *testing.T) {
	e, _ := newSession(t)
	defer e.Close()
	err := e.Remove([]string{"no-such"}, false)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrPackageNotFound))
}

func TestCrashRecoveryReplaysJournal(t *testing.T) {
	e, p := newSession(t)
	deb := testutil.BuildDeb(t, t.TempDir(), testutil.DebSpec{
		Name: "foo", Version: "1.0",
		Files: map[string]string{"/usr/bin/foo": "x"},
	})
	require.NoError(t, e.InstallArchives([]string{deb}, true))

	// Simulate a crash: the session dies without Close, leaving the
	// journal unmerged and the status file stale.
	entries, err := os.ReadDir(p.UpdatesDir())
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// Drop the locks the "crashed" session still holds.
	require.NoError(t, e.Close())
	// Re-create stale journal state: write an entry marking foo
	// half-installed, as an interrupted unpack would.
	pkg := e.DB.Find("foo")
	pkg.State = db.StateHalfInstalled
	require.NoError(t, e.Journal.Record(pkg))

	e2 := reopen(t, p)
	recovered := e2.DB.Find("foo")
	require.NotNil(t, recovered)
	// The journal replay observed half-installed; recovery ran the
	// postrm abort hook and unwound the record to a defined state.
	assert.Equal(t, db.StateNotInstalled, recovered.State)
	assert.Equal(t, db.WantUnknown, recovered.Want)
	assert.Equal(t, db.EFlagOK, recovered.EFlag)
	assert.Empty(t, e2.Audit())
	require.NoError(t, e2.Close())
}

func TestCrashRecoveryKeepsConfigFiles(t *testing.T) {
	e, p := newSession(t)
	deb := testutil.BuildDeb(t, t.TempDir(), testutil.DebSpec{
		Name: "foo", Version: "1.0",
		Files:     map[string]string{"/usr/bin/foo": "x", "/etc/foo.conf": "c\n"},
		Conffiles: []string{"/etc/foo.conf"},
	})
	require.NoError(t, e.InstallArchives([]string{deb}, true))
	require.NoError(t, e.Close())

	pkg := e.DB.Find("foo")
	pkg.State = db.StateHalfInstalled
	require.NoError(t, e.Journal.Record(pkg))

	// An unwound package with recorded conffiles lands in config-files.
	e2 := reopen(t, p)
	recovered := e2.DB.Find("foo")
	require.NotNil(t, recovered)
	assert.Equal(t, db.StateConfigFiles, recovered.State)
	assert.Empty(t, e2.Table.PackageFiles("foo"))
	require.NoError(t, e2.Close())
}

func TestCrashRecoveryReconfiguresHalfConfigured(t *testing.T) {
	e, p := newSession(t)
	deb := testutil.BuildDeb(t, t.TempDir(), testutil.DebSpec{
		Name: "foo", Version: "1.0",
		Files: map[string]string{"/usr/bin/foo": "x"},
	})
	require.NoError(t, e.InstallArchives([]string{deb}, true))
	require.NoError(t, e.Close())

	pkg := e.DB.Find("foo")
	pkg.State = db.StateHalfConfigured
	require.NoError(t, e.Journal.Record(pkg))

	// Startup recovery re-runs configure and converges to installed.
	e2 := reopen(t, p)
	recovered := e2.DB.Find("foo")
	require.NotNil(t, recovered)
	assert.Equal(t, db.StateInstalled, recovered.State)
	assert.Empty(t, e2.Audit())
	require.NoError(t, e2.Close())
}

func TestSecondSessionBlockedByLock(t *testing.T) {
	e, p := newSession(t)
	defer e.Close()

	_, err := engine.Open(p, policy.New(), engine.Options{Arch: "all"})
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrDBLocked))
}

func TestStatusAndFileListReports(t *testing.T) {
	e, _ := newSession(t)
	defer e.Close()
	deb := testutil.BuildDeb(t, t.TempDir(), testutil.DebSpec{
		Name: "foo", Version: "1.0",
		Files: map[string]string{"/usr/bin/foo": "x"},
	})
	require.NoError(t, e.InstallArchives([]string{deb}, true))

	var status strings.Builder
	require.NoError(t, e.WriteStatusReport(&status, []string{"foo"}))
	assert.Contains(t, status.String(), "Status: install ok installed")

	var list strings.Builder
	require.NoError(t, e.WriteFileList(&list, []string{"foo"}))
	assert.Contains(t, list.String(), "/usr/bin/foo")
}

func TestAbortSkipsRemainingArchives(t *testing.T) {
	e, _ := newSession(t)
	defer e.Close()
	dir := t.TempDir()
	a := testutil.BuildDeb(t, dir, testutil.DebSpec{
		Name: "a", Version: "1.0", Files: map[string]string{"/usr/share/a": "x"},
	})
	b := testutil.BuildDeb(t, dir, testutil.DebSpec{
		Name: "b", Version: "1.0", Files: map[string]string{"/usr/share/b": "x"},
	})

	e.RequestAbort()
	require.NoError(t, e.InstallArchives([]string{a, b}, true))
	assert.Nil(t, e.DB.Find("a"))
	assert.Nil(t, e.DB.Find("b"))
}
