package version_test

import (
	"testing"

	"github.com/arthur-debert/pakt/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  version.Version
	}{
		{"plain", "1.0", version.Version{Upstream: "1.0"}},
		{"with revision", "1.0-1", version.Version{Upstream: "1.0", Revision: "1"}},
		{"with epoch", "2:1.0", version.Version{Epoch: 2, Upstream: "1.0"}},
		{"full", "1:2.3.4-5ubuntu1", version.Version{Epoch: 1, Upstream: "2.3.4", Revision: "5ubuntu1"}},
		{"hyphen in upstream", "1.0-rc1-2", version.Version{Upstream: "1.0-rc1", Revision: "2"}},
		{"colon in upstream after epoch", "1:2:3-4", version.Version{Epoch: 1, Upstream: "2:3", Revision: "4"}},
		{"surrounding space", "  1.0-1  ", version.Version{Upstream: "1.0", Revision: "1"}},
		{"tilde", "1.0~beta1", version.Version{Upstream: "1.0~beta1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := version.Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		code    version.ErrorCode
		warning bool
	}{
		{"empty", "", version.ErrEmptyVersion, false},
		{"only spaces", "   ", version.ErrEmptyVersion, false},
		{"embedded space", "1.0 final", version.ErrEmbeddedSpaces, false},
		{"empty epoch", ":1.0", version.ErrEmptyEpoch, false},
		{"non-numeric epoch", "a:1.0", version.ErrNonNumericEpoch, false},
		{"negative epoch", "-1:1.0", version.ErrNegativeEpoch, false},
		{"huge epoch", "99999999999999999999:1.0", version.ErrEpochTooLarge, false},
		{"nothing after colon", "1:", version.ErrEmptyAfterColon, false},
		{"empty revision", "1.0-", version.ErrEmptyRevision, false},
		{"no digit start", "abc", version.ErrNoDigitStart, true},
		{"bad char in upstream", "1.0!4", version.ErrInvalidChar, true},
		{"bad char in revision", "1.0-1!", version.ErrInvalidRevisionChar, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := version.Parse(tt.input)
			require.Error(t, err)
			var pe *version.ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.warning, pe.Warning)
			if tt.warning {
				// Warning-level faults still produce a usable version.
				assert.NotEmpty(t, got.Upstream)
			}
		})
	}
}

func TestCompareLaws(t *testing.T) {
	tests := []struct {
		a, b string
		want int // sign only
	}{
		{"1.0", "1.0", 0},
		{"1.0", "2.0", -1},
		{"1.0~beta1", "1.0", -1},
		{"1.0-1", "1.0-2", -1},
		{"1:0", "2", 1},
		{"1.0a", "1.0b", -1},
		{"1.0", "1.0.1", -1},
		{"1.0~", "1.0", -1},
		{"1.2.3", "1.2.3", 0},
		{"2.31-13+deb11u5", "2.31-13", 1},
		{"1.0-1", "1.0-1ubuntu1", -1},
		{"007", "7", 0},
		{"1.9", "1.a", -1}, // digits weigh less than letters in the non-digit pass
		{"1.0+b1", "1.0~b1", 1},
		{"0:1.0", "1.0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			a := version.MustParse(tt.a)
			b := version.MustParse(tt.b)
			got := version.Compare(a, b)
			switch {
			case tt.want < 0:
				assert.Negative(t, got)
				assert.Positive(t, version.Compare(b, a))
			case tt.want > 0:
				assert.Positive(t, got)
				assert.Negative(t, version.Compare(b, a))
			default:
				assert.Zero(t, got)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"1.0", "1.0-1", "3:2.7~rc2-4", "1.0-rc1-2", "0.0.0+git20240101-1"} {
		v := version.MustParse(s)
		got, err := version.Parse(v.String())
		require.NoError(t, err)
		assert.Zero(t, version.Compare(v, got), "round trip of %q", s)
	}
}

func TestStringNonAmbiguous(t *testing.T) {
	assert.Equal(t, "1.0", version.MustParse("0:1.0").StringNonAmbiguous())
	v := version.Version{Upstream: "2:3", Revision: "4"}
	assert.Equal(t, "0:2:3-4", v.StringNonAmbiguous())
}

func TestRelate(t *testing.T) {
	a := version.MustParse("1.0")
	b := version.MustParse("2.0")
	assert.True(t, version.Relate(a, version.RelEarlierStrict, b))
	assert.True(t, version.Relate(a, version.RelEarlierEqual, a))
	assert.True(t, version.Relate(a, version.RelExact, a))
	assert.False(t, version.Relate(a, version.RelExact, b))
	assert.True(t, version.Relate(b, version.RelLaterStrict, a))
	assert.True(t, version.Relate(a, version.RelNone, b))
}

func TestParseRelation(t *testing.T) {
	for s, want := range map[string]version.Relation{
		"<<": version.RelEarlierStrict,
		"<=": version.RelEarlierEqual,
		"<":  version.RelEarlierEqual,
		"=":  version.RelExact,
		">=": version.RelLaterEqual,
		">":  version.RelLaterEqual,
		">>": version.RelLaterStrict,
	} {
		got, err := version.ParseRelation(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := version.ParseRelation("==")
	assert.Error(t, err)
}
