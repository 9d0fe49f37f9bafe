package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"simple", "password123", false},
		{"special chars", "P@ssw0rd!#$%^&*()", false},
		{"empty", "", false},
		{"longer than 72 bytes", strings.Repeat("a", 100), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashPasswordWithCost(tt.password, bcrypt.MinCost)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$"))
			assert.NoError(t, VerifyPassword(hash, tt.password))
		})
	}
}

func TestHashPasswordWithCost_Bounds(t *testing.T) {
	_, err := HashPasswordWithCost("pw", bcrypt.MinCost-1)
	assert.Error(t, err)
	_, err = HashPasswordWithCost("pw", bcrypt.MaxCost+1)
	assert.Error(t, err)
}

func TestPasswordMatches(t *testing.T) {
	hash, err := HashPasswordWithCost("correct horse", bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("Match", func(t *testing.T) {
		ok, err := PasswordMatches(hash, "correct horse")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Mismatch", func(t *testing.T) {
		ok, err := PasswordMatches(hash, "battery staple")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("MalformedHash", func(t *testing.T) {
		ok, err := PasswordMatches("not-a-bcrypt-hash", "anything")
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestNeedsRehash(t *testing.T) {
	hash, err := HashPasswordWithCost("pw", bcrypt.MinCost)
	require.NoError(t, err)

	needs, err := NeedsRehash(hash, bcrypt.MinCost)
	require.NoError(t, err)
	assert.False(t, needs)

	needs, err = NeedsRehash(hash, DefaultBcryptCost)
	require.NoError(t, err)
	assert.True(t, needs)

	_, err = NeedsRehash("garbage", DefaultBcryptCost)
	assert.Error(t, err)
}
