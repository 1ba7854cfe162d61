package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKeyRejectsEmpty(t *testing.T) {
	_, err := SanitizeKey("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSanitizeKeyReplacesUnsafeChars(t *testing.T) {
	in := "foo*bar?baz[1]\\x\ry\n\x00z w"
	out, err := SanitizeKey(in)
	require.NoError(t, err)
	for _, c := range unsafeKeyChars + "\r\n\x00 " {
		assert.NotContains(t, out, string(c))
	}
}

func TestSanitizeKeyDoesNotAlterDifferentKeys(t *testing.T) {
	a, err := SanitizeKey("alpha-key")
	require.NoError(t, err)
	b, err := SanitizeKey("beta-key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSanitizeKeyTruncatesOversizedKeys(t *testing.T) {
	long := strings.Repeat("a", 500)
	out, err := SanitizeKey(long)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), MaxKeySize)

	long2 := strings.Repeat("b", 500)
	out2, err := SanitizeKey(long2)
	require.NoError(t, err)
	assert.NotEqual(t, out, out2, "two different oversized keys must not collide after truncation")
}
