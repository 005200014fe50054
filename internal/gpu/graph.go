// Package gpu holds the device-resident realization of the dependency
// graph: a compact CSR snapshot of the persistent store and a
// massively-parallel frontier BFS. The executor shards each level over
// worker goroutines that append to the next frontier through atomic
// cursors and mark visited versions with a per-query generation counter,
// so no clear pass runs between queries.
package gpu

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	xerrors "github.com/23skdu/crossbow/internal/errors"
	"github.com/23skdu/crossbow/internal/metrics"
	"github.com/23skdu/crossbow/internal/store/types"
)

// DefaultMaxVectorBytes bounds each device-side work vector.
const DefaultMaxVectorBytes = 64 * 1024 * 1024

// Source is what Build reads from the persistent store.
type Source interface {
	PackageCount() int
	VersionCount() int
	DependencyCount() int
	PackageVersions(pid types.PackageID, fn func(types.VersionID))
	VersionArchitecture(vid types.VersionID) types.ArchitectureID
	VersionEdgeRange(vid types.VersionID) (types.DependencyID, int)
	EdgeData(did types.DependencyID) (types.PackageID, types.ArchitectureID, types.DependencyTypeID, types.GroupID)
}

// Params fixes the symbols the expansion predicate needs and the resource
// bounds of the snapshot.
type Params struct {
	Native, Any, All             types.ArchitectureID
	HaveNative, HaveAny, HaveAll bool
	Depends                      types.DependencyTypeID
	HaveDepends                  bool

	// MaxVectorBytes caps the frontier and touched-edge vectors. Zero
	// means DefaultMaxVectorBytes.
	MaxVectorBytes int
	// Workers overrides the executor width. Zero means GOMAXPROCS.
	Workers int
}

type packageNode struct {
	versionIDBegin types.VersionID
	versionCount   uint32
}

type versionNode struct {
	dependencyIDBegin uint32
	dependencyCount   uint32
	architecture      types.ArchitectureID
}

type dependencyEdge struct {
	originalDependencyID types.DependencyID
	toPackageID          types.PackageID
	archConstraint       types.ArchitectureID
	dependencyType       types.DependencyTypeID
	group                types.GroupID
}

// Graph is an immutable device snapshot. Version ids are re-densified so
// each package's versions are contiguous; toDeviceVID remaps host ids.
type Graph struct {
	log    *zap.Logger
	params Params

	packages    []packageNode
	versions    []versionNode
	edges       []dependencyEdge
	toDeviceVID []types.VersionID

	visited []uint32
	mark    uint32

	frontierCap int
	touchedCap  int
}

// New returns an empty, unbuilt graph.
func New(log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{log: log}
}

// Built reports whether a snapshot is resident.
func (g *Graph) Built() bool { return g.versions != nil }

// Free releases the snapshot.
func (g *Graph) Free() {
	g.packages = nil
	g.versions = nil
	g.edges = nil
	g.toDeviceVID = nil
	g.visited = nil
	g.mark = 0
}

// Build makes a compact snapshot of src. It is idempotent: any prior
// snapshot is released first.
func (g *Graph) Build(src Source, params Params) error {
	g.Free()
	start := time.Now()

	if params.MaxVectorBytes <= 0 {
		params.MaxVectorBytes = DefaultMaxVectorBytes
	}
	g.params = params

	pcount := src.PackageCount()
	vcount := src.VersionCount()
	dcount := src.DependencyCount()

	g.packages = make([]packageNode, pcount)
	g.versions = make([]versionNode, 0, vcount)
	g.edges = make([]dependencyEdge, 0, dcount)
	g.toDeviceVID = make([]types.VersionID, vcount)

	for pid := 0; pid < pcount; pid++ {
		begin := types.VersionID(len(g.versions))
		src.PackageVersions(types.PackageID(pid), func(hostVid types.VersionID) {
			deviceVid := types.VersionID(len(g.versions))
			g.toDeviceVID[hostVid] = deviceVid

			edgeBegin, edgeCount := src.VersionEdgeRange(hostVid)
			g.versions = append(g.versions, versionNode{
				dependencyIDBegin: uint32(len(g.edges)),
				dependencyCount:   uint32(edgeCount),
				architecture:      src.VersionArchitecture(hostVid),
			})
			for i := 0; i < edgeCount; i++ {
				did := edgeBegin + types.DependencyID(i)
				toPkg, acons, dtype, group := src.EdgeData(did)
				g.edges = append(g.edges, dependencyEdge{
					originalDependencyID: did,
					toPackageID:          toPkg,
					archConstraint:       acons,
					dependencyType:       dtype,
					group:                group,
				})
			}
		})
		g.packages[pid] = packageNode{
			versionIDBegin: begin,
			versionCount:   uint32(types.VersionID(len(g.versions)) - begin),
		}
	}

	g.visited = make([]uint32, len(g.versions))
	g.mark = 0

	entryCap := params.MaxVectorBytes / 4
	g.frontierCap = min(len(g.versions), entryCap)
	g.touchedCap = min(len(g.edges), entryCap)
	if g.frontierCap == 0 {
		g.frontierCap = 1
	}
	if g.touchedCap == 0 {
		g.touchedCap = 1
	}

	metrics.DeviceBuildDurationSeconds.Observe(time.Since(start).Seconds())
	g.log.Info("device snapshot built",
		zap.Int("packages", pcount),
		zap.Int("versions", len(g.versions)),
		zap.Int("dependencies", len(g.edges)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (g *Graph) archMatches(constraint, wArch, vArch types.ArchitectureID) bool {
	p := &g.params
	switch {
	case p.HaveNative && constraint == p.Native:
		return wArch == vArch || (p.HaveAll && wArch == p.All)
	case p.HaveAny && constraint == p.Any:
		return true
	default:
		return wArch == constraint
	}
}

// Expand runs the parallel BFS from the given host version ids and
// returns, per level, the original dependency ids of every edge touched
// at that level. The caller reconstructs result items against the host
// store. Per-level ordering is unspecified.
func (g *Graph) Expand(frontier []types.VersionID, depth int) ([][]types.DependencyID, error) {
	if !g.Built() {
		return nil, xerrors.NewUsageError("gpu.expand", "snapshot not built")
	}

	current := make([]types.VersionID, 0, len(frontier))
	g.mark++
	for _, hostVid := range frontier {
		deviceVid := g.toDeviceVID[hostVid]
		if g.visited[deviceVid] != g.mark {
			g.visited[deviceVid] = g.mark
			current = append(current, deviceVid)
		}
	}

	next := make([]types.VersionID, g.frontierCap)
	touched := make([]types.DependencyID, g.touchedCap)

	workers := g.params.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	levels := make([][]types.DependencyID, 0, depth)
	for level := 0; level < depth; level++ {
		if len(current) == 0 {
			break
		}
		metrics.DeviceFrontierSize.Observe(float64(len(current)))

		var nextCursor, touchedCursor atomic.Int64
		var overflow atomic.Bool
		expandHere := level+1 < depth && g.params.HaveDepends

		var eg errgroup.Group
		chunk := (len(current) + workers - 1) / workers
		for w := 0; w < workers; w++ {
			lo := w * chunk
			if lo >= len(current) {
				break
			}
			hi := min(lo+chunk, len(current))
			part := current[lo:hi]
			eg.Go(func() error {
				for _, vid := range part {
					vn := &g.versions[vid]
					for i := uint32(0); i < vn.dependencyCount; i++ {
						e := &g.edges[vn.dependencyIDBegin+i]

						slot := touchedCursor.Add(1) - 1
						if slot >= int64(len(touched)) {
							overflow.Store(true)
							return nil
						}
						touched[slot] = e.originalDependencyID

						if !expandHere || e.group != 0 || e.dependencyType != g.params.Depends {
							continue
						}
						pkg := &g.packages[e.toPackageID]
						for j := uint32(0); j < pkg.versionCount; j++ {
							cand := pkg.versionIDBegin + types.VersionID(j)
							if !g.archMatches(e.archConstraint, g.versions[cand].architecture, vn.architecture) {
								continue
							}
							if !g.markVisited(cand) {
								continue
							}
							nslot := nextCursor.Add(1) - 1
							if nslot >= int64(len(next)) {
								overflow.Store(true)
								return nil
							}
							next[nslot] = cand
						}
					}
				}
				return nil
			})
		}
		_ = eg.Wait()

		if overflow.Load() {
			return nil, xerrors.NewComputationError("gpu.expand", "device vector overflow").
				WithContext("max_vector_bytes", g.params.MaxVectorBytes)
		}

		levelTouched := make([]types.DependencyID, touchedCursor.Load())
		copy(levelTouched, touched[:len(levelTouched)])
		levels = append(levels, levelTouched)

		n := int(nextCursor.Load())
		current = append(current[:0], next[:n]...)
	}
	return levels, nil
}

// markVisited claims w for the current query generation. Exactly one
// caller wins when several race on the same version.
func (g *Graph) markVisited(w types.VersionID) bool {
	addr := &g.visited[w]
	for {
		cur := atomic.LoadUint32(addr)
		if cur == g.mark {
			return false
		}
		if atomic.CompareAndSwapUint32(addr, cur, g.mark) {
			return true
		}
	}
}
