package deps_test

import (
	"testing"

	"github.com/arthur-debert/pakt/pkg/db"
	"github.com/arthur-debert/pakt/pkg/deps"
	"github.com/arthur-debert/pakt/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkdb(t *testing.T) *db.DB {
	t.Helper()
	d := db.New()

	libc := d.Ensure("libc6", "amd64")
	libc.State = db.StateInstalled
	libc.Installed.Version = version.MustParse("2.36-9")

	pending := d.Ensure("pending-lib", "amd64")
	pending.State = db.StateUnpacked
	pending.Installed.Version = version.MustParse("1.0")

	mta := d.Ensure("postfix", "amd64")
	mta.State = db.StateInstalled
	mta.Installed.Version = version.MustParse("3.7")
	mta.Installed.Provides = mustDeps(t, db.DepProvides, "mail-transport-agent")

	return d
}

func mustDeps(t *testing.T, typ db.DepType, s string) []db.Dependency {
	t.Helper()
	out, err := db.ParseDepList(typ, s)
	require.NoError(t, err)
	return out
}

func self(d *db.DB) *db.Package {
	p := d.Ensure("myapp", "amd64")
	return p
}

func TestCheckSatisfied(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	dep := mustDeps(t, db.DepDepends, "libc6 (>= 2.17)")[0]
	v, reason := c.Check(self(d), dep)
	assert.Equal(t, deps.OK, v)
	assert.Empty(t, reason)
}

func TestCheckVersionTooOld(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	dep := mustDeps(t, db.DepDepends, "libc6 (>= 3.0)")[0]
	v, reason := c.Check(self(d), dep)
	assert.Equal(t, deps.Halt, v)
	assert.Contains(t, reason, "libc6")
}

func TestCheckDeferForUnconfigured(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	dep := mustDeps(t, db.DepDepends, "pending-lib")[0]
	v, reason := c.Check(self(d), dep)
	assert.Equal(t, deps.Defer, v)
	assert.Contains(t, reason, "not yet configured")
}

func TestCheckMissing(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	dep := mustDeps(t, db.DepDepends, "no-such-package")[0]
	v, reason := c.Check(self(d), dep)
	assert.Equal(t, deps.Halt, v)
	assert.Contains(t, reason, "not installed")
}

func TestCheckAlternatives(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	// One dead alternative plus one live one is satisfied.
	dep := mustDeps(t, db.DepDepends, "no-such-package | libc6")[0]
	v, _ := c.Check(self(d), dep)
	assert.Equal(t, deps.OK, v)
}

func TestCheckVirtualProvides(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	dep := mustDeps(t, db.DepDepends, "mail-transport-agent")[0]
	v, _ := c.Check(self(d), dep)
	assert.Equal(t, deps.OK, v)

	// An unversioned provide cannot satisfy a versioned atom.
	dep = mustDeps(t, db.DepDepends, "mail-transport-agent (>= 1.0)")[0]
	v, _ = c.Check(self(d), dep)
	assert.Equal(t, deps.Halt, v)
}

func TestCheckArchQualifier(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}
	me := self(d)

	// Same-arch dependency is satisfied; a foreign-arch qualifier is
	// not.
	v, _ := c.Check(me, mustDeps(t, db.DepDepends, "libc6:amd64")[0])
	assert.Equal(t, deps.OK, v)
	v, _ = c.Check(me, mustDeps(t, db.DepDepends, "libc6:i386")[0])
	assert.Equal(t, deps.Halt, v)
	v, _ = c.Check(me, mustDeps(t, db.DepDepends, "libc6:any")[0])
	assert.Equal(t, deps.OK, v)
}

func TestCheckAll(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	list := mustDeps(t, db.DepDepends, "libc6, pending-lib, no-such-package")
	v, reason := c.CheckAll(self(d), list)
	assert.Equal(t, deps.Halt, v)
	assert.Contains(t, reason, "pending-lib")
	assert.Contains(t, reason, "no-such-package")
}

func TestAgainstInstallConflicts(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	// An installed package conflicting with the incoming name.
	old := d.Ensure("oldtool", "amd64")
	old.State = db.StateInstalled
	old.Installed.Version = version.MustParse("1.0")
	old.Installed.Conflicts = mustDeps(t, db.DepConflicts, "newtool (<< 2.0)")

	incoming := &db.Package{Name: "newtool", Arch: "amd64"}
	bin := &db.Binary{Version: version.MustParse("1.5")}

	violations := c.AgainstInstall(incoming, bin)
	require.Len(t, violations, 1)
	assert.Equal(t, "oldtool", violations[0].Offender.Name)
	assert.False(t, violations[0].Breaks)

	// Outside the constrained range there is no conflict.
	bin2 := &db.Binary{Version: version.MustParse("2.0")}
	assert.Empty(t, c.AgainstInstall(incoming, bin2))
}

func TestAgainstInstallIncomingDeclares(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	incoming := &db.Package{Name: "newmta", Arch: "amd64"}
	bin := &db.Binary{
		Version:   version.MustParse("1.0"),
		Conflicts: mustDeps(t, db.DepConflicts, "postfix"),
	}
	violations := c.AgainstInstall(incoming, bin)
	require.Len(t, violations, 1)
	assert.Equal(t, "postfix", violations[0].Offender.Name)
}

func TestBreaksOnlyWhileConfigured(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	breaker := d.Ensure("breaker", "amd64")
	breaker.Installed.Version = version.MustParse("1.0")
	breaker.Installed.Breaks = mustDeps(t, db.DepBreaks, "victim (<< 2)")

	incoming := &db.Package{Name: "victim", Arch: "amd64"}
	bin := &db.Binary{Version: version.MustParse("1.0")}

	// Unpacked breaker does not forbid coexistence.
	breaker.State = db.StateUnpacked
	assert.Empty(t, c.AgainstInstall(incoming, bin))

	// Fully installed breaker does.
	breaker.State = db.StateInstalled
	violations := c.AgainstInstall(incoming, bin)
	require.Len(t, violations, 1)
	assert.True(t, violations[0].Breaks)
}

func TestIncomingBreaksOnlyWhileConfigured(t *testing.T) {
	d := mkdb(t)
	c := &deps.Checker{DB: d}

	victim := d.Ensure("victim", "amd64")
	victim.Installed.Version = version.MustParse("1.0")

	incoming := &db.Package{Name: "breaker", Arch: "amd64"}
	bin := &db.Binary{
		Version: version.MustParse("1.0"),
		Breaks:  mustDeps(t, db.DepBreaks, "victim (<< 2)"),
	}

	// A merely unpacked victim does not block the incoming breaker.
	victim.State = db.StateUnpacked
	assert.Empty(t, c.AgainstInstall(incoming, bin))
	victim.State = db.StateHalfConfigured
	assert.Empty(t, c.AgainstInstall(incoming, bin))

	// A fully installed victim does.
	victim.State = db.StateInstalled
	violations := c.AgainstInstall(incoming, bin)
	require.Len(t, violations, 1)
	assert.True(t, violations[0].Breaks)
	assert.Equal(t, "victim", violations[0].Offender.Name)
}

func TestReplaces(t *testing.T) {
	old := &db.Package{Name: "oldtool", Arch: "amd64"}
	old.Installed.Version = version.MustParse("1.0")

	bin := &db.Binary{Version: version.MustParse("2.0")}
	assert.False(t, deps.Replaces(bin, old))

	var err error
	bin.Replaces, err = db.ParseDepList(db.DepReplaces, "oldtool (<< 2.0)")
	require.NoError(t, err)
	assert.True(t, deps.Replaces(bin, old))
}
