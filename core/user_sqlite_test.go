package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUser(t *testing.T) {
	f := NewStoreFixture(t, alice)

	err := f.userStore.CreateUser(f.ctx, alice)
	assert.ErrorIs(t, err, ErrConflictedUser)

	got, err := f.userStore.GetUserByUsername(f.ctx, alice.Username)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, UserWithoutSecrets{Name: alice.Name, Username: alice.Username}, *got)

	missing, err := f.userStore.GetUserByUsername(f.ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestComparePassword(t *testing.T) {
	f := NewStoreFixture(t, alice)

	ok, err := f.userStore.ComparePassword(f.ctx, alice.Username, alice.Password)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.userStore.ComparePassword(f.ctx, alice.Username, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.userStore.ComparePassword(f.ctx, "nobody", "x")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetUsers(t *testing.T) {
	f := NewStoreFixture(t, alice, bob, carol)

	users, err := f.userStore.GetUsersByUsernames(f.ctx, "carol", "alice", "nobody")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "carol", users[1].Username)

	users, err = f.userStore.GetUsers(f.ctx, &GetUsersOptions{Q: "b"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].Username)

	users, err = f.userStore.GetUsers(f.ctx, &GetUsersOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[0].Username)

	users, err = f.userStore.GetUsers(f.ctx, nil)
	require.NoError(t, err)
	assert.Len(t, users, 3)
}
