package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/crossbow/internal/diskvec"
	"github.com/23skdu/crossbow/internal/store"
)

func newTestGraph(t *testing.T, memoryLimit int) *store.DependencyGraph {
	t.Helper()
	dg, err := store.Open(store.Config{
		Dir:         filepath.Join(t.TempDir(), "store"),
		Mode:        diskvec.Create,
		MemoryLimit: memoryLimit,
		ChunkBytes:  diskvec.SmallChunkBytes * 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dg.Close() })
	return dg
}

const sampleRecords = `Package: apt
Version: 2.6.1
Architecture: amd64
Depends: libc6 (>= 2.34), libgcc-s1 (>= 3.0) | libgcc1, libapt-pkg6.0 (>= 2.6.1)
Recommends: ca-certificates
Suggests: apt-doc, dpkg-dev (>= 1.17.2)

Package: libc6
Version: 2.36-9
Architecture: amd64
Depends: libgcc-s1

Package: libgcc-s1
Version: 12.2.0
Architecture: amd64
`

func TestLoadRecords(t *testing.T) {
	dg := newTestGraph(t, -1)
	l := New(dg, nil)

	require.NoError(t, l.LoadRecords(sampleRecords))

	// apt, libc6, libgcc-s1 plus dependency placeholders.
	assert.Equal(t, 8, dg.BufferPackageCount())
	assert.Equal(t, 3, dg.BufferVersionCount())
	assert.Equal(t, 8, dg.BufferDependencyCount())

	require.NoError(t, dg.Flush())
	result, err := dg.QueryDependencies("apt", "", "", 1, false)
	require.NoError(t, err)

	var direct []string
	for _, it := range result[0].DirectDependencies {
		direct = append(direct, it.PackageName+"/"+it.Type)
	}
	assert.ElementsMatch(t, []string{
		"libc6/Depends",
		"libapt-pkg6.0/Depends",
		"ca-certificates/Recommends",
		"apt-doc/Suggests",
		"dpkg-dev/Suggests",
	}, direct)

	require.Len(t, result[0].OrDependencies, 1)
	var alts []string
	for _, it := range result[0].OrDependencies[0] {
		alts = append(alts, it.PackageName)
	}
	assert.ElementsMatch(t, []string{"libgcc-s1", "libgcc1"}, alts)
}

func TestParseConstraintsAndArchQualifiers(t *testing.T) {
	dg := newTestGraph(t, -1)
	l := New(dg, nil)

	require.NoError(t, l.LoadRecords(`Package: cross-tool
Version: 1.0
Architecture: amd64
Depends: gcc-aarch64:arm64 (>= 12), make:any
`))
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("cross-tool", "", "", 1, false)
	require.NoError(t, err)
	require.Len(t, result[0].DirectDependencies, 2)

	byName := map[string][2]string{}
	for _, it := range result[0].DirectDependencies {
		byName[it.PackageName] = [2]string{it.VersionConstraint, it.ArchitectureConstraint}
	}
	assert.Equal(t, [2]string{">= 12", "arm64"}, byName["gcc-aarch64"])
	assert.Equal(t, [2]string{"", "any"}, byName["make"])
}

func TestGroupNumberingRisesAcrossFields(t *testing.T) {
	dg := newTestGraph(t, -1)
	l := New(dg, nil)

	require.NoError(t, l.LoadRecords(`Package: mixed
Version: 1.0
Architecture: amd64
Depends: a | b, c | d
Recommends: e | f
`))
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("mixed", "", "", 1, false)
	require.NoError(t, err)
	// Three distinct alternative groups, none merged.
	require.Len(t, result[0].OrDependencies, 3)
	for _, grp := range result[0].OrDependencies {
		assert.Len(t, grp, 2)
	}
}

func TestMissingMandatoryField(t *testing.T) {
	dg := newTestGraph(t, -1)
	l := New(dg, nil)

	err := l.LoadRecords("Package: broken\nVersion: 1.0\n")
	require.Error(t, err)

	err = l.LoadRecords("Version: 1.0\nArchitecture: amd64\n")
	require.Error(t, err)
}

func TestLoadFileFlushesAtLimit(t *testing.T) {
	dg := newTestGraph(t, 1)
	l := New(dg, nil)

	path := filepath.Join(t.TempDir(), "Packages")
	require.NoError(t, os.WriteFile(path, []byte(sampleRecords), 0o644))
	require.NoError(t, l.LoadFile(path))

	// Limit 1 flushes after the file completes.
	assert.Zero(t, dg.BufferPackageCount())
	assert.Equal(t, 8, dg.PackageCount())
	assert.Equal(t, 3, dg.VersionCount())
}

func TestLoadDataset(t *testing.T) {
	dg := newTestGraph(t, 1)
	l := New(dg, nil)

	dir := t.TempDir()
	var manifest string
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("Packages.%d", i))
		stanza := fmt.Sprintf("Package: pkg-%d\nVersion: 1.0\nArchitecture: amd64\nDepends: common\n", i)
		require.NoError(t, os.WriteFile(path, []byte(stanza), 0o644))
		manifest += fmt.Sprintf("{\"path\": %q}\n", path)
	}
	manifestPath := filepath.Join(dir, "dataset.jsonl")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	require.NoError(t, l.LoadDataset(manifestPath))
	require.NoError(t, dg.Flush())

	// pkg-0..2 plus the shared "common" placeholder.
	assert.Equal(t, 4, dg.PackageCount())
	assert.Equal(t, 3, dg.VersionCount())
	assert.Equal(t, 3, dg.DependencyCount())
}

func TestLoadDatasetMissingFile(t *testing.T) {
	dg := newTestGraph(t, -1)
	l := New(dg, nil)

	manifestPath := filepath.Join(t.TempDir(), "dataset.jsonl")
	require.NoError(t, os.WriteFile(manifestPath, []byte("{\"path\": \"/does/not/exist\"}\n"), 0o644))
	require.Error(t, l.LoadDataset(manifestPath))
}

func TestDuplicateStanzasTolerated(t *testing.T) {
	dg := newTestGraph(t, -1)
	l := New(dg, nil)

	stanza := "Package: dup\nVersion: 1.0\nArchitecture: amd64\nDepends: dep\n"
	require.NoError(t, l.LoadRecords(stanza+"\n"+stanza))
	require.NoError(t, dg.Flush())

	assert.Equal(t, 2, dg.PackageCount())
	assert.Equal(t, 1, dg.VersionCount())

	// Duplicate edges collapse at query time.
	result, err := dg.QueryDependencies("dup", "", "", 1, false)
	require.NoError(t, err)
	assert.Len(t, result[0].DirectDependencies, 1)
}
