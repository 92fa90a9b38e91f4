package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateHash(t *testing.T) {
	h1 := CalculateHash("key", "a", "|", 1, []byte("b"))
	h2 := CalculateHash("key", "a", "|", 1, []byte("b"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, CalculateHash("other", "a", "|", 1, []byte("b")))
	assert.Empty(t, CalculateHash("key"))

	assert.True(t, VerifyHash("key", h1, "a", "|", 1, []byte("b")))
	assert.False(t, VerifyHash("key", h1, "a", "|", 2, []byte("b")))
	assert.False(t, VerifyHash("key", "zz", "a"))
	assert.False(t, VerifyHash("key", "", "a"))
}

func TestGenerateSecret(t *testing.T) {
	s1, err := GenerateSecret(48)
	require.NoError(t, err)
	s2, err := GenerateSecret(48)
	require.NoError(t, err)
	assert.Len(t, s1, 48)
	assert.NotEqual(t, s1, s2)
}
