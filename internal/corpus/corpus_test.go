package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mellow-hype/rvfuzz/internal/errs"
)

func TestAddIncreasesLenByOneAndStoresTail(t *testing.T) {
	c := New(10, 64)
	in := &Input{Data: []byte("hello")}
	require.NoError(t, c.Add(in))
	require.Equal(t, 1, c.Len())
	require.Equal(t, in, c.Get(0))
}

func TestAddRespectsCapacity(t *testing.T) {
	c := New(1, 64)
	require.NoError(t, c.Add(&Input{Data: []byte{1}}))
	err := c.Add(&Input{Data: []byte{2}})
	require.ErrorIs(t, err, errs.ErrCorpusFull)
	require.Equal(t, 1, c.Len())
}

func TestInputClone(t *testing.T) {
	in := &Input{Data: []byte{1, 2, 3}}
	clone := in.Clone()
	clone.Data[0] = 0xff
	require.Equal(t, byte(1), in.Data[0], "mutating the clone must not affect the original")
}

func TestLoadDirIngestsFilesRecursively(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("AAAA"), 0o644))
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b"), []byte("BB"), 0o644))

	c := New(100, 64)
	require.NoError(t, LoadDir(c, dir))
	require.Equal(t, 2, c.Len())
}
