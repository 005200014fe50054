package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/crossbow/internal/diskvec"
	"github.com/23skdu/crossbow/internal/store/types"
)

// newTestGraph opens a fresh facade with the given memory limit.
func newTestGraph(t *testing.T, memoryLimit int) *DependencyGraph {
	t.Helper()
	dg, err := Open(Config{
		Dir:         filepath.Join(t.TempDir(), "store"),
		Mode:        diskvec.Create,
		MemoryLimit: memoryLimit,
		ChunkBytes:  diskvec.SmallChunkBytes * 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dg.Close() })
	return dg
}

type depSpec struct {
	target     string
	constraint string
	arch       string
	dtype      string
	group      types.GroupID
}

type pkgSpec struct {
	name    string
	version string
	arch    string
	deps    []depSpec
}

// stage writes the specs through the facade's writer path.
func stage(t *testing.T, dg *DependencyGraph, specs []pkgSpec) {
	t.Helper()
	for _, spec := range specs {
		pid, _, err := dg.CreatePackage(spec.name)
		require.NoError(t, err)
		arch, err := dg.AddArchitecture(spec.arch)
		require.NoError(t, err)
		vid, _, err := dg.CreateVersion(pid, spec.version, arch)
		require.NoError(t, err)
		for _, dep := range spec.deps {
			tpid, _, err := dg.CreatePackage(dep.target)
			require.NoError(t, err)
			depArch := dep.arch
			if depArch == "" {
				depArch = "native"
			}
			acons, err := dg.AddArchitecture(depArch)
			require.NoError(t, err)
			dtype := dep.dtype
			if dtype == "" {
				dtype = "Depends"
			}
			dtid, err := dg.AddDependencyType(dtype)
			require.NoError(t, err)
			_, err = dg.CreateDependency(vid, tpid, dep.constraint, acons, dtid, dep.group)
			require.NoError(t, err)
		}
	}
}

func item(name, dtype, constraint, arch string) types.DependencyItem {
	return types.DependencyItem{
		PackageName:            name,
		Type:                   dtype,
		VersionConstraint:      constraint,
		ArchitectureConstraint: arch,
	}
}

func TestExpandMinimalChain(t *testing.T) {
	// a -> b -> c, depth 2: one direct item per level, no alternatives.
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "a", version: "v1", arch: "native", deps: []depSpec{{target: "b"}}},
		{name: "b", version: "v1", arch: "native", deps: []depSpec{{target: "c"}}},
		{name: "c", version: "v1", arch: "native"},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("a", "", "", 2, false)
	require.NoError(t, err)
	require.Len(t, result, 2)

	assert.Equal(t, []types.DependencyItem{item("b", "Depends", "", "native")}, result[0].DirectDependencies)
	assert.Equal(t, []types.DependencyItem{item("c", "Depends", "", "native")}, result[1].DirectDependencies)
	assert.Empty(t, result[0].OrDependencies)
	assert.Empty(t, result[1].OrDependencies)
}

func TestExpandAlternatives(t *testing.T) {
	// x Depends: y | z, w. The alternatives land in one or-group, w stays direct.
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "x", version: "v1", arch: "native", deps: []depSpec{
			{target: "y", group: 1},
			{target: "z", group: 1},
			{target: "w"},
		}},
		{name: "y", version: "v1", arch: "native"},
		{name: "z", version: "v1", arch: "native"},
		{name: "w", version: "v1", arch: "native"},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("x", "", "", 1, false)
	require.NoError(t, err)
	require.Len(t, result, 1)

	assert.Equal(t, []types.DependencyItem{item("w", "Depends", "", "native")}, result[0].DirectDependencies)
	require.Len(t, result[0].OrDependencies, 1)
	assert.ElementsMatch(t, types.DependencyGroup{
		item("y", "Depends", "", "native"),
		item("z", "Depends", "", "native"),
	}, result[0].OrDependencies[0])
}

func TestExpandArchitectureFilter(t *testing.T) {
	// a:amd64 Depends on b:any. Both b versions enter the frontier, and
	// their direct dependencies merge de-duplicated into level 1.
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "a", version: "v1", arch: "amd64", deps: []depSpec{{target: "b", arch: "any"}}},
		{name: "b", version: "v1", arch: "amd64", deps: []depSpec{{target: "d"}}},
		{name: "b", version: "v1", arch: "arm64", deps: []depSpec{{target: "d"}}},
		{name: "d", version: "v1", arch: "amd64"},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("a", "", "", 2, false)
	require.NoError(t, err)

	require.Len(t, result[0].DirectDependencies, 1)
	assert.Equal(t, item("b", "Depends", "", "any"), result[0].DirectDependencies[0])
	// Two frontier versions, one de-duplicated item.
	assert.Equal(t, []types.DependencyItem{item("d", "Depends", "", "native")}, result[1].DirectDependencies)
}

func TestExpandNativeRule(t *testing.T) {
	// "native" matches the expanding version's arch and "all", nothing else.
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "a", version: "v1", arch: "amd64", deps: []depSpec{{target: "b", arch: "native"}}},
		{name: "b", version: "v1", arch: "amd64", deps: []depSpec{{target: "match-amd64"}}},
		{name: "b", version: "v1", arch: "all", deps: []depSpec{{target: "match-all"}}},
		{name: "b", version: "v1", arch: "arm64", deps: []depSpec{{target: "match-arm64"}}},
		{name: "match-amd64", version: "v1", arch: "amd64"},
		{name: "match-all", version: "v1", arch: "all"},
		{name: "match-arm64", version: "v1", arch: "arm64"},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("a", "", "", 2, false)
	require.NoError(t, err)

	var names []string
	for _, it := range result[1].DirectDependencies {
		names = append(names, it.PackageName)
	}
	assert.ElementsMatch(t, []string{"match-amd64", "match-all"}, names)
}

func TestExpandNonPropagatingTypes(t *testing.T) {
	// Recommends is reported but never expanded.
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "a", version: "v1", arch: "native", deps: []depSpec{
			{target: "r", dtype: "Recommends"},
			{target: "d"},
		}},
		{name: "r", version: "v1", arch: "native", deps: []depSpec{{target: "r2"}}},
		{name: "d", version: "v1", arch: "native", deps: []depSpec{{target: "d2"}}},
		{name: "r2", version: "v1", arch: "native"},
		{name: "d2", version: "v1", arch: "native"},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("a", "", "", 2, false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []types.DependencyItem{
		item("r", "Recommends", "", "native"),
		item("d", "Depends", "", "native"),
	}, result[0].DirectDependencies)
	assert.Equal(t, []types.DependencyItem{item("d2", "Depends", "", "native")}, result[1].DirectDependencies)
}

func TestExpandAlternativesDoNotPropagate(t *testing.T) {
	// Members of or-groups never enter the next frontier.
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "a", version: "v1", arch: "native", deps: []depSpec{
			{target: "y", group: 1},
			{target: "z", group: 1},
		}},
		{name: "y", version: "v1", arch: "native", deps: []depSpec{{target: "deep"}}},
		{name: "z", version: "v1", arch: "native"},
		{name: "deep", version: "v1", arch: "native"},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("a", "", "", 2, false)
	require.NoError(t, err)
	assert.Empty(t, result[1].DirectDependencies)
}

func TestExpandCycleTerminates(t *testing.T) {
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "a", version: "v1", arch: "native", deps: []depSpec{{target: "b"}}},
		{name: "b", version: "v1", arch: "native", deps: []depSpec{{target: "a"}}},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("a", "", "", 10, false)
	require.NoError(t, err)
	require.Len(t, result, 10)

	assert.Equal(t, []types.DependencyItem{item("b", "Depends", "", "native")}, result[0].DirectDependencies)
	assert.Equal(t, []types.DependencyItem{item("a", "Depends", "", "native")}, result[1].DirectDependencies)
	// The cycle is cut by the visited set; deeper levels stay empty.
	for level := 2; level < 10; level++ {
		assert.Empty(t, result[level].DirectDependencies, "level %d", level)
	}
}

func TestExpandDuplicateEdgesCollapse(t *testing.T) {
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "a", version: "v1", arch: "native", deps: []depSpec{
			{target: "b"}, {target: "b"}, {target: "b"},
		}},
		{name: "b", version: "v1", arch: "native"},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("a", "", "", 1, false)
	require.NoError(t, err)
	assert.Len(t, result[0].DirectDependencies, 1)
}

func TestExpandVersionAndArchFilters(t *testing.T) {
	dg := newTestGraph(t, DefaultMemoryLimit)
	stage(t, dg, []pkgSpec{
		{name: "a", version: "v1", arch: "amd64", deps: []depSpec{{target: "old"}}},
		{name: "a", version: "v2", arch: "amd64", deps: []depSpec{{target: "new"}}},
		{name: "old", version: "v1", arch: "amd64"},
		{name: "new", version: "v1", arch: "amd64"},
	})
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("a", "v2", "", 1, false)
	require.NoError(t, err)
	assert.Equal(t, []types.DependencyItem{item("new", "Depends", "", "native")}, result[0].DirectDependencies)

	result, err = dg.QueryDependencies("a", "", "arm64", 1, false)
	require.NoError(t, err)
	assert.Empty(t, result[0].DirectDependencies)
}

func TestExpandUnknownPackage(t *testing.T) {
	dg := newTestGraph(t, DefaultMemoryLimit)
	require.NoError(t, dg.Flush())

	result, err := dg.QueryDependencies("ghost", "", "", 3, false)
	require.NoError(t, err)
	require.Len(t, result, 3)
	for _, level := range result {
		assert.Empty(t, level.DirectDependencies)
		assert.Empty(t, level.OrDependencies)
	}
}

func TestExpandDepthValidation(t *testing.T) {
	dg := newTestGraph(t, DefaultMemoryLimit)
	_, err := dg.QueryDependencies("a", "", "", 0, false)
	require.Error(t, err)
}
