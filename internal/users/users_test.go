package users

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("alice", "secret", RoleUser))
	require.True(t, s.Verify("alice", "secret"))
	require.False(t, s.Verify("alice", "wrong"))
	require.False(t, s.Verify("bob", "secret"))
}

func TestAddDuplicateFails(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("alice", "secret", RoleUser))
	require.ErrorIs(t, s.Add("alice", "other", RoleUser), ErrAlreadyExists)
}

func TestAddLimitReached(t *testing.T) {
	s := New()
	for i := 0; i < MaxUsers; i++ {
		name := string(rune('a' + i))
		require.NoError(t, s.Add(name, "p", RoleUser))
	}
	require.ErrorIs(t, s.Add("overflow", "p", RoleUser), ErrLimitReached)
}

func TestAddBadRole(t *testing.T) {
	s := New()
	require.ErrorIs(t, s.Add("alice", "secret", Role(2)), ErrBadRole)
}

func TestDeleteLastAdminFails(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("root", "p", RoleAdmin))
	require.ErrorIs(t, s.Delete("root"), ErrLastAdmin)
}

func TestDeleteNonLastAdminSucceeds(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("root", "p", RoleAdmin))
	require.NoError(t, s.Add("root2", "p", RoleAdmin))
	require.NoError(t, s.Delete("root"))
}

func TestDeleteNotFound(t *testing.T) {
	s := New()
	require.ErrorIs(t, s.Delete("ghost"), ErrNotFound)
}

func TestLoadYAMLMissingFileIsNotError(t *testing.T) {
	s, err := LoadYAML("/nonexistent/path/users.yaml")
	require.NoError(t, err)
	require.Empty(t, s.List())
}

func TestSaveThenLoadYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/users.yaml"

	s := New()
	require.NoError(t, s.Add("alice", "secret", RoleUser))
	require.NoError(t, s.SaveYAML(path))

	loaded, err := LoadYAML(path)
	require.NoError(t, err)
	require.True(t, loaded.Verify("alice", "secret"))
}
