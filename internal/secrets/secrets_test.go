package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIterations = 1000

func TestHashAndVerifyPassword(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, 64) // 32 bytes hex-encoded

	hash := HashPassword("hunter2", salt, testIterations)
	assert.NotContains(t, hash, "hunter2")

	assert.True(t, VerifyPassword("hunter2", salt, hash, testIterations))
	assert.False(t, VerifyPassword("hunter3", salt, hash, testIterations))
	assert.False(t, VerifyPassword("hunter2", salt, hash, testIterations+1))
}

func TestHashDependsOnSalt(t *testing.T) {
	s1, err := NewSalt()
	require.NoError(t, err)
	s2, err := NewSalt()
	require.NoError(t, err)
	require.NotEqual(t, s1, s2)

	assert.NotEqual(t,
		HashPassword("hunter2", s1, testIterations),
		HashPassword("hunter2", s2, testIterations))
}

func TestBoxSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(strings.Repeat("ab", 32))
	require.NoError(t, err)

	token, err := box.Seal("db-password")
	require.NoError(t, err)
	assert.NotContains(t, token, "db-password")

	plain, err := box.Open(token)
	require.NoError(t, err)
	assert.Equal(t, "db-password", plain)
}

func TestBoxNonceUnique(t *testing.T) {
	box, err := NewBox(strings.Repeat("ab", 32))
	require.NoError(t, err)

	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBoxRejectsBadKey(t *testing.T) {
	for _, key := range []string{"", "abcd", "zz" + strings.Repeat("ab", 31), strings.Repeat("ab", 16)} {
		_, err := NewBox(key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestBoxRejectsTamperedToken(t *testing.T) {
	box, err := NewBox(strings.Repeat("ab", 32))
	require.NoError(t, err)

	token, err := box.Seal("db-password")
	require.NoError(t, err)

	_, err = box.Open("not-base64!!!")
	assert.Error(t, err)

	_, err = box.Open("AAAA")
	assert.Error(t, err)

	// Flip a character of the valid token.
	altered := []byte(token)
	if altered[len(altered)-5] == 'A' {
		altered[len(altered)-5] = 'B'
	} else {
		altered[len(altered)-5] = 'A'
	}
	_, err = box.Open(string(altered))
	assert.Error(t, err)
}

func TestBoxKeysDoNotInteroperate(t *testing.T) {
	box1, err := NewBox(strings.Repeat("ab", 32))
	require.NoError(t, err)
	box2, err := NewBox(strings.Repeat("cd", 32))
	require.NoError(t, err)

	token, err := box1.Seal("secret")
	require.NoError(t, err)

	_, err = box2.Open(token)
	assert.Error(t, err)
}
