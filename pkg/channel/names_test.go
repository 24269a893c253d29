package channel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmchan/pkg/sem"
	"github.com/srediag/shmchan/pkg/shm"
)

func writeKeyFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "key.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDeriveNamesWithoutKeyFile(t *testing.T) {
	n, err := DeriveNames("chan1", "")
	require.NoError(t, err)
	assert.Equal(t, Names{ID: "chan1", Segment: "chan1", Empty: "chan1_sem_empty", Full: "chan1_sem_full"}, n)
}

func TestDeriveNamesKeyFile(t *testing.T) {
	n, err := DeriveNames("chan1", writeKeyFile(t, "  renamed \n"))
	require.NoError(t, err)
	assert.Equal(t, "renamed", n.Segment)
	assert.True(t, n.FromKeyFile)
	assert.Equal(t, 0, n.Residual)
	// semaphores stay tied to the id
	assert.Equal(t, "chan1_sem_empty", n.Empty)
	assert.Equal(t, "chan1_sem_full", n.Full)
}

func TestDeriveNamesKeyFileResidual(t *testing.T) {
	n, err := DeriveNames("chan1", writeKeyFile(t, "renamed\n\nextra\n  \nmore"))
	require.NoError(t, err)
	assert.Equal(t, "renamed", n.Segment)
	assert.Equal(t, 2, n.Residual)
}

func TestDeriveNamesKeyFileFallback(t *testing.T) {
	for name, path := range map[string]string{
		"missing":     filepath.Join(t.TempDir(), "absent"),
		"empty":       writeKeyFile(t, ""),
		"blank first": writeKeyFile(t, "   \nsecond"),
		"directory":   t.TempDir(),
	} {
		n, err := DeriveNames("chan1", path)
		require.NoError(t, err, name)
		assert.Equal(t, "chan1", n.Segment, name)
		assert.False(t, n.FromKeyFile, name)
	}
}

func TestDeriveNamesInvalid(t *testing.T) {
	_, err := DeriveNames("", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = DeriveNames("a/b", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = DeriveNames(strings.Repeat("x", 250), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = DeriveNames("chan1", writeKeyFile(t, "../escape"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	n, err := DeriveNames("gone", "")
	require.NoError(t, err)

	seg := shm.New(shm.Options{Name: n.Segment, Dir: dir})
	require.NoError(t, seg.Create(16))
	seg.MarkPending()
	require.NoError(t, seg.Detach())
	for _, name := range []string{n.Empty, n.Full} {
		s, err := sem.Open(dir, name, 0)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	require.NoError(t, Remove(dir, n))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, Remove(dir, n), "removing a missing channel is not an error")
}
