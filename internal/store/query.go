package store

import (
	"github.com/23skdu/crossbow/internal/store/types"
	"github.com/23skdu/crossbow/internal/symtab"
)

// edgeRef carries the backend-local identity and routing fields of one
// edge during expansion; item strings are materialized lazily.
type edgeRef struct {
	did            types.DependencyID
	toPackage      types.PackageID
	archConstraint types.ArchitectureID
	depType        types.DependencyTypeID
	group          types.GroupID
}

// expandBackend is the storage-tier contract of the expansion engine. The
// staging buffer and the disk store implement it; the device snapshot has
// its own executor with the same observable semantics.
type expandBackend interface {
	versionArchitecture(vid types.VersionID) types.ArchitectureID
	forEachEdge(vid types.VersionID, fn func(edgeRef))
	forEachTargetVersion(pid types.PackageID, fn func(types.VersionID))
	item(e edgeRef) types.DependencyItem
}

// expansionSymbols resolves the semantically meaningful symbols once per
// query. Symbol ids are shared between buffer and disk tiers.
type expansionSymbols struct {
	native, anyArch, all                  types.ArchitectureID
	depends                               types.DependencyTypeID
	haveNative, haveAny, haveAll, haveDep bool
}

func resolveExpansionSymbols(
	archs *symtab.Table[types.ArchitectureID],
	dtypes *symtab.Table[types.DependencyTypeID],
) expansionSymbols {
	var s expansionSymbols
	s.native, s.haveNative = archs.ID("native")
	s.anyArch, s.haveAny = archs.ID("any")
	s.all, s.haveAll = archs.ID("all")
	s.depends, s.haveDep = dtypes.ID(types.DependsTypeName)
	return s
}

// archMatches applies the three-way constraint rule: "native" matches the
// expanding version's architecture or "all"; "any" matches everything;
// anything else matches exactly.
func (s expansionSymbols) archMatches(constraint, wArch, vArch types.ArchitectureID) bool {
	switch {
	case s.haveNative && constraint == s.native:
		return wArch == vArch || (s.haveAll && wArch == s.all)
	case s.haveAny && constraint == s.anyArch:
		return true
	default:
		return wArch == constraint
	}
}

// expand runs the bounded-depth frontier expansion. Direct items collapse
// per level; alternative items collapse within their (version, group)
// bucket. Only direct Depends edges propagate the frontier, and a version
// enters the frontier at most once per query.
func expand(b expandBackend, syms expansionSymbols, frontier []types.VersionID, depth int) types.DependencyResult {
	result := types.NewDependencyResult(depth)
	visited := make(map[types.VersionID]struct{}, len(frontier))
	for _, vid := range frontier {
		visited[vid] = struct{}{}
	}

	for level := 0; level < depth; level++ {
		if len(frontier) == 0 {
			break
		}
		seenDirect := make(map[types.DependencyItem]struct{})
		var next []types.VersionID

		for _, vid := range frontier {
			vArch := b.versionArchitecture(vid)
			var groups []types.DependencyGroup
			var groupSeen []map[types.DependencyItem]struct{}

			b.forEachEdge(vid, func(e edgeRef) {
				item := b.item(e)
				if e.group > 0 {
					gi := int(e.group)
					for len(groups) < gi {
						groups = append(groups, types.DependencyGroup{})
						groupSeen = append(groupSeen, make(map[types.DependencyItem]struct{}))
					}
					if _, dup := groupSeen[gi-1][item]; !dup {
						groupSeen[gi-1][item] = struct{}{}
						groups[gi-1] = append(groups[gi-1], item)
					}
				} else if _, dup := seenDirect[item]; !dup {
					seenDirect[item] = struct{}{}
					result[level].DirectDependencies = append(result[level].DirectDependencies, item)
				}

				if level+1 < depth && e.group == 0 && syms.haveDep && e.depType == syms.depends {
					b.forEachTargetVersion(e.toPackage, func(w types.VersionID) {
						if _, seen := visited[w]; seen {
							return
						}
						if syms.archMatches(e.archConstraint, b.versionArchitecture(w), vArch) {
							visited[w] = struct{}{}
							next = append(next, w)
						}
					})
				}
			})

			result[level].OrDependencies = append(result[level].OrDependencies, groups...)
		}
		frontier = next
	}
	return result
}

// diskBackend adapts the persistent store to the expansion engine.
type diskBackend struct {
	g *DiskGraph
}

func (d diskBackend) versionArchitecture(vid types.VersionID) types.ArchitectureID {
	return d.g.VersionArchitecture(vid)
}

func (d diskBackend) forEachEdge(vid types.VersionID, fn func(edgeRef)) {
	begin, count := d.g.VersionEdgeRange(vid)
	for i := 0; i < count; i++ {
		did := begin + types.DependencyID(i)
		e := d.g.dependencyEdges.At(int(did))
		fn(edgeRef{
			did:            did,
			toPackage:      e.ToPackageID,
			archConstraint: e.ArchitectureConstraint,
			depType:        e.DependencyType,
			group:          e.Group,
		})
	}
}

func (d diskBackend) forEachTargetVersion(pid types.PackageID, fn func(types.VersionID)) {
	d.g.forEachPackageVersion(pid, fn)
}

func (d diskBackend) item(e edgeRef) types.DependencyItem {
	return d.g.ItemForDependency(e.did)
}

// frontierVersions collects all versions of the named package matching
// the optional version and architecture filters; "" means no filter.
func (d diskBackend) frontierVersions(name, version, arch string) []types.VersionID {
	pid, ok := d.g.PackageIDByName(name)
	if !ok {
		return nil
	}
	var frontier []types.VersionID
	d.g.forEachPackageVersion(pid, func(vid types.VersionID) {
		v := d.g.Version(vid)
		if version != "" && v.Version != version {
			return
		}
		if arch != "" && v.Architecture != arch {
			return
		}
		frontier = append(frontier, vid)
	})
	return frontier
}

// bufferBackend adapts the staging buffer to the expansion engine. Symbol
// ids stored in the buffer index the shared disk symbol tables.
type bufferBackend struct {
	b      *BufferGraph
	archs  *symtab.Table[types.ArchitectureID]
	dtypes *symtab.Table[types.DependencyTypeID]
}

func (s bufferBackend) versionArchitecture(vid types.VersionID) types.ArchitectureID {
	return s.b.versionNodes[vid].architecture
}

func (s bufferBackend) forEachEdge(vid types.VersionID, fn func(edgeRef)) {
	for _, did := range s.b.versionNodes[vid].dependencyIDs {
		e := &s.b.dependencyEdges[did]
		fn(edgeRef{
			did:            did,
			toPackage:      e.toPackageID,
			archConstraint: e.architectureConstraint,
			depType:        e.dependencyType,
			group:          e.group,
		})
	}
}

func (s bufferBackend) forEachTargetVersion(pid types.PackageID, fn func(types.VersionID)) {
	for _, vid := range s.b.packageNodes[pid].versionIDs {
		fn(vid)
	}
}

func (s bufferBackend) item(e edgeRef) types.DependencyItem {
	edge := &s.b.dependencyEdges[e.did]
	return types.DependencyItem{
		PackageName:            s.b.packageNodes[edge.toPackageID].name,
		Type:                   s.dtypes.Get(edge.dependencyType),
		VersionConstraint:      edge.versionConstraint,
		ArchitectureConstraint: s.archs.Get(edge.architectureConstraint),
	}
}

func (s bufferBackend) frontierVersions(name, version, arch string) []types.VersionID {
	pid, ok := s.b.nameToPackageID[name]
	if !ok {
		return nil
	}
	var frontier []types.VersionID
	for _, vid := range s.b.packageNodes[pid].versionIDs {
		vnode := &s.b.versionNodes[vid]
		if version != "" && vnode.version != version {
			continue
		}
		if arch != "" && s.archs.Get(vnode.architecture) != arch {
			continue
		}
		frontier = append(frontier, vid)
	}
	return frontier
}
