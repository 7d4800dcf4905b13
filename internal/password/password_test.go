package password

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var generatedShape = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{11}_[0-9]{2}$`)

func TestGenerateShape(t *testing.T) {
	for i := 0; i < 500; i++ {
		pw, err := Generate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(pw), 15)
		assert.Regexp(t, generatedShape, pw)
	}
}

func TestGenerateCoversThreeClasses(t *testing.T) {
	// A leading letter, "_" and the digit suffix give three classes even when
	// the identifier happens to be single-case.
	weak := 0
	for i := 0; i < 2000; i++ {
		pw, err := Generate()
		require.NoError(t, err)
		if !MeetsComplexity(pw) {
			weak++
			t.Logf("weak password generated: %q (%d classes)", pw, Classes(pw))
		}
	}
	assert.Zero(t, weak)
}

func TestGenerateIsRandom(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		pw, err := Generate()
		require.NoError(t, err)
		seen[pw] = true
	}
	assert.Len(t, seen, 100)
}

func TestRandomID(t *testing.T) {
	id, err := RandomID(6)
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Za-z][A-Za-z0-9]{5}$`, id)

	empty, err := RandomID(0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClasses(t *testing.T) {
	tests := []struct {
		pw   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcDEF", 2},
		{"abc123", 2},
		{"abc_12", 3},
		{"Abc_12", 4},
		{"456r7tyghui78h463^&RFCBIW23", 4},
		{"p@ss1", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classes(tt.pw), tt.pw)
	}
	assert.True(t, MeetsComplexity("abc_12"))
	assert.False(t, MeetsComplexity("abc123"))
}
