package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltUserStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewBoltUserStore(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	defer store.Close()

	user := &User{Email: "Alice@Example.com", FirstName: "Alice", Role: RoleAdmin, IsActive: true, PasswordHash: "h"}

	t.Run("Create", func(t *testing.T) {
		require.NoError(t, store.CreateUser(ctx, user))
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "alice@example.com", user.Email)
		assert.False(t, user.CreatedAt.IsZero())
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		err := store.CreateUser(ctx, &User{Email: "ALICE@example.com"})
		assert.ErrorIs(t, err, ErrUserExists)
	})

	t.Run("Lookups", func(t *testing.T) {
		byID, err := store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", byID.FirstName)
		assert.True(t, byID.IsActive)

		byEmail, err := store.GetUserByEmail(ctx, " alice@EXAMPLE.com ")
		require.NoError(t, err)
		assert.Equal(t, user.ID, byEmail.ID)

		_, err = store.GetUser(ctx, "nope")
		assert.ErrorIs(t, err, ErrUserNotFound)
		_, err = store.GetUserByEmail(ctx, "nope@example.com")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("UpdateMovesEmailIndex", func(t *testing.T) {
		updated := *user
		updated.Email = "alice.smith@example.com"
		updated.IsActive = false
		require.NoError(t, store.UpdateUser(ctx, &updated))

		_, err := store.GetUserByEmail(ctx, "alice@example.com")
		assert.ErrorIs(t, err, ErrUserNotFound)

		got, err := store.GetUserByEmail(ctx, "alice.smith@example.com")
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, user.CreatedAt.Unix(), got.CreatedAt.Unix())
	})

	t.Run("UpdateRejectsTakenEmail", func(t *testing.T) {
		other := &User{Email: "bob@example.com"}
		require.NoError(t, store.CreateUser(ctx, other))

		other.Email = "alice.smith@example.com"
		assert.ErrorIs(t, store.UpdateUser(ctx, other), ErrUserExists)
	})

	t.Run("UpdateUnknown", func(t *testing.T) {
		assert.ErrorIs(t, store.UpdateUser(ctx, &User{ID: "ghost", Email: "g@example.com"}), ErrUserNotFound)
	})
}

func TestUserToResponse(t *testing.T) {
	u := &User{ID: "u1", Email: "a@b.c", PasswordHash: "secret-hash", IsActive: true}
	resp := u.ToResponse()
	assert.Equal(t, "u1", resp.ID)
	assert.True(t, resp.IsActive)
}
