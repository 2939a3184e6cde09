package policy_test

import (
	"fmt"
	"testing"

	"github.com/arthur-debert/pakt/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	p := policy.New()
	assert.True(t, p.Enabled(policy.ForceDowngrade))
	assert.False(t, p.Enabled(policy.ForceOverwrite))
	assert.False(t, p.Enabled(policy.ForceRemoveEssential))
}

func TestParse(t *testing.T) {
	p := policy.New()
	require.NoError(t, p.Parse("overwrite,confold,no-downgrade"))
	assert.True(t, p.Enabled(policy.ForceOverwrite))
	assert.True(t, p.Enabled(policy.ForceConfOld))
	assert.False(t, p.Enabled(policy.ForceDowngrade))
}

func TestParseAll(t *testing.T) {
	p := policy.New()
	require.NoError(t, p.Parse("all"))
	assert.True(t, p.Enabled(policy.ForceRemoveEssential))
	require.NoError(t, p.Parse("no-all"))
	assert.False(t, p.Enabled(policy.ForceDowngrade))
}

func TestParseUnknown(t *testing.T) {
	p := policy.New()
	assert.Error(t, p.Parse("frobnicate"))
	assert.Error(t, p.Set("frobnicate", true))
}

func TestDecide(t *testing.T) {
	p := policy.New()
	err := fmt.Errorf("conflicting package installed")

	// Not forced: the refusal stands.
	assert.Equal(t, err, p.Decide(policy.ForceConflicts, err))

	// Forced: downgraded to a warning.
	require.NoError(t, p.Set(policy.ForceConflicts, true))
	assert.NoError(t, p.Decide(policy.ForceConflicts, err))

	// Nil error passes through either way.
	assert.NoError(t, p.Decide(policy.ForceConflicts, nil))
}

func TestEnabledFlags(t *testing.T) {
	p := policy.New()
	require.NoError(t, p.Parse("breaks,architecture"))
	flags := p.EnabledFlags()
	assert.Contains(t, flags, "architecture")
	assert.Contains(t, flags, "breaks")
	assert.Contains(t, flags, "downgrade")
}
