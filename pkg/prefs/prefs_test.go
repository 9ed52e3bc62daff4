package prefs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	s, err := Open(path)
	require.NoError(t, err)

	sound, err := s.SoundEnabled()
	require.NoError(t, err)
	assert.True(t, sound)
	section, err := s.LastSection()
	require.NoError(t, err)
	assert.Empty(t, section)

	require.NoError(t, s.SetSoundEnabled(false))
	require.NoError(t, s.SetLastSection("promotions"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sound, err = s.SoundEnabled()
	require.NoError(t, err)
	assert.False(t, sound)
	section, err = s.LastSection()
	require.NoError(t, err)
	assert.Equal(t, "promotions", section)
}
