package strpool

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/crossbow/internal/diskvec"
	xerrors "github.com/23skdu/crossbow/internal/errors"
)

func openPool(t *testing.T, nullTerminated bool) *Pool {
	t.Helper()
	p := NewPool(diskvec.SmallChunkBytes, nullTerminated)
	_, err := p.Open(filepath.Join(t.TempDir(), "pool.dat"), diskvec.Create)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAddAndGet(t *testing.T) {
	p := openPool(t, false)

	h1, err := p.Add("libc6")
	require.NoError(t, err)
	h2, err := p.Add("zlib1g")
	require.NoError(t, err)

	assert.Equal(t, "libc6", p.Get(h1))
	assert.Equal(t, "zlib1g", p.Get(h2))
	assert.Equal(t, uint32(5), h2.Offset)
	assert.Equal(t, len("libc6zlib1g"), p.Size())
}

func TestAddRejectsLongStrings(t *testing.T) {
	p := openPool(t, false)

	_, err := p.Add(strings.Repeat("x", 256))
	require.Error(t, err)
	assert.True(t, xerrors.IsType(err, xerrors.ErrorTypeUsage))

	_, err = p.Add(strings.Repeat("x", 255))
	require.NoError(t, err)
}

func TestNullTerminatedHandles(t *testing.T) {
	p := openPool(t, true)

	want := []string{"native", "any", "all", "amd64"}
	for _, s := range want {
		_, err := p.Add(s)
		require.NoError(t, err)
	}

	handles, err := p.Handles()
	require.NoError(t, err)
	require.Len(t, handles, len(want))
	for i, h := range handles {
		assert.Equal(t, want[i], p.Get(h))
	}
}

func TestHandlesRequiresNullTerminated(t *testing.T) {
	p := openPool(t, false)
	_, err := p.Add("x")
	require.NoError(t, err)
	_, err = p.Handles()
	require.Error(t, err)
}

func TestEmptyString(t *testing.T) {
	p := openPool(t, false)
	h, err := p.Add("")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), h.Length)
	assert.Equal(t, "", p.Get(h))
}

func TestPoolReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.dat")

	p := NewPool(diskvec.SmallChunkBytes, true)
	_, err := p.Open(path, diskvec.Create)
	require.NoError(t, err)
	_, err = p.Add("dpkg")
	require.NoError(t, err)
	_, err = p.Add("apt")
	require.NoError(t, err)
	require.NoError(t, p.Close())

	q := NewPool(diskvec.SmallChunkBytes, true)
	code, err := q.Open(path, diskvec.Load)
	require.NoError(t, err)
	require.Equal(t, diskvec.LoadSuccess, code)
	defer func() { _ = q.Close() }()

	handles, err := q.Handles()
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, "dpkg", q.Get(handles[0]))
	assert.Equal(t, "apt", q.Get(handles[1]))
}
