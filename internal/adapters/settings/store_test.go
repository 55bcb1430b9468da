package settings

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "settings.db"), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestGetMissingKey(t *testing.T) {
	s := openStore(t)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSetGetOverwrite(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Set("device.identity", `{"deviceId":"dev-1"}`))
	v, ok := s.Get("device.identity")
	require.True(t, ok)
	assert.Equal(t, `{"deviceId":"dev-1"}`, v)

	require.NoError(t, s.Set("device.identity", `{"deviceId":"dev-2"}`))
	v, _ = s.Get("device.identity")
	assert.Equal(t, `{"deviceId":"dev-2"}`, v)
}

func TestDelete(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Set("k", "v"))
	require.NoError(t, s.Delete("k"))
	_, ok := s.Get("k")
	assert.False(t, ok)

	assert.NoError(t, s.Delete("never-existed"))
}

func TestDeleteAll(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Set("a", "1"))
	require.NoError(t, s.Set("b", "2"))

	require.NoError(t, s.DeleteAll())

	_, ok := s.Get("a")
	assert.False(t, ok)
	_, ok = s.Get("b")
	assert.False(t, ok)
}

func TestValuesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Set("device.activated", "true"))

	s2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	v, ok := s2.Get("device.activated")
	require.True(t, ok)
	assert.Equal(t, "true", v)
}
