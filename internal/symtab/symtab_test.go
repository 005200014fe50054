package symtab

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/crossbow/internal/diskvec"
)

type archID uint8

var defaultArchs = []string{"native", "any", "all"}

func TestCreateSeedsDefaults(t *testing.T) {
	tab := New[archID](diskvec.SmallChunkBytes)
	code, err := tab.Open(filepath.Join(t.TempDir(), "archs.dat"), diskvec.Create, defaultArchs)
	require.NoError(t, err)
	require.Equal(t, diskvec.CreateSuccess, code)
	defer func() { _ = tab.Close() }()

	require.Equal(t, 3, tab.Len())
	for i, s := range defaultArchs {
		assert.Equal(t, s, tab.Get(archID(i)))
		id, ok := tab.ID(s)
		require.True(t, ok)
		assert.Equal(t, archID(i), id)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	tab := New[archID](diskvec.SmallChunkBytes)
	_, err := tab.Open(filepath.Join(t.TempDir(), "archs.dat"), diskvec.Create, defaultArchs)
	require.NoError(t, err)
	defer func() { _ = tab.Close() }()

	id1, inserted, err := tab.Add("amd64")
	require.NoError(t, err)
	assert.True(t, inserted)

	id2, inserted, err := tab.Add("amd64")
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	id3, inserted, err := tab.Add("native")
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, archID(0), id3)
}

func TestLoadRecoversIds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archs.dat")

	tab := New[archID](diskvec.SmallChunkBytes)
	_, err := tab.Open(path, diskvec.Create, defaultArchs)
	require.NoError(t, err)
	_, _, err = tab.Add("amd64")
	require.NoError(t, err)
	_, _, err = tab.Add("arm64")
	require.NoError(t, err)
	require.NoError(t, tab.Close())

	reopened := New[archID](diskvec.SmallChunkBytes)
	code, err := reopened.Open(path, diskvec.Load, nil)
	require.NoError(t, err)
	require.Equal(t, diskvec.LoadSuccess, code)
	defer func() { _ = reopened.Close() }()

	require.Equal(t, 5, reopened.Len())
	assert.Equal(t, "amd64", reopened.Get(3))
	id, ok := reopened.ID("arm64")
	require.True(t, ok)
	assert.Equal(t, archID(4), id)
}

func TestTableFull(t *testing.T) {
	tab := New[archID](diskvec.SmallChunkBytes)
	_, err := tab.Open(filepath.Join(t.TempDir(), "archs.dat"), diskvec.Create, nil)
	require.NoError(t, err)
	defer func() { _ = tab.Close() }()

	for i := 0; i < 256; i++ {
		_, _, err := tab.Add(fmt.Sprintf("arch-%d", i))
		require.NoError(t, err)
	}
	_, _, err = tab.Add("one-too-many")
	require.Error(t, err)
}

func TestTruncateTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archs.dat")

	tab := New[archID](diskvec.SmallChunkBytes)
	_, err := tab.Open(path, diskvec.Create, defaultArchs)
	require.NoError(t, err)
	_, _, err = tab.Add("amd64")
	require.NoError(t, err)

	require.NoError(t, tab.TruncateTo(3))
	require.Equal(t, 3, tab.Len())
	_, ok := tab.ID("amd64")
	assert.False(t, ok)

	// Re-adding after truncation reuses the freed id.
	id, inserted, err := tab.Add("riscv64")
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, archID(3), id)
}
