package store

import (
	"unsafe"

	"github.com/23skdu/crossbow/internal/store/types"
)

type bufferPackageNode struct {
	name       string
	versionIDs []types.VersionID
}

type bufferVersionNode struct {
	version       string
	architecture  types.ArchitectureID
	dependencyIDs []types.DependencyID
}

type bufferDependencyEdge struct {
	fromVersionID          types.VersionID
	toPackageID            types.PackageID
	versionConstraint      string
	architectureConstraint types.ArchitectureID
	dependencyType         types.DependencyTypeID
	group                  types.GroupID
}

// BufferGraph is the in-memory staging tier. Strings are owned, ids are
// buffer-local, and nothing is de-duplicated against the disk tier until
// ingest. Dependency edges are appended verbatim; parsers emit duplicates
// and the expansion collapses them per level.
type BufferGraph struct {
	packageNodes    []bufferPackageNode
	versionNodes    []bufferVersionNode
	dependencyEdges []bufferDependencyEdge
	nameToPackageID map[string]types.PackageID
}

// NewBufferGraph returns an empty staging buffer.
func NewBufferGraph() *BufferGraph {
	return &BufferGraph{nameToPackageID: make(map[string]types.PackageID)}
}

// PackageCount returns the number of staged packages.
func (b *BufferGraph) PackageCount() int { return len(b.packageNodes) }

// VersionCount returns the number of staged versions.
func (b *BufferGraph) VersionCount() int { return len(b.versionNodes) }

// DependencyCount returns the number of staged edges.
func (b *BufferGraph) DependencyCount() int { return len(b.dependencyEdges) }

// CreatePackage stages a package, de-duplicating by name.
func (b *BufferGraph) CreatePackage(name string) (types.PackageID, bool) {
	if pid, ok := b.nameToPackageID[name]; ok {
		return pid, false
	}
	pid := types.PackageID(len(b.packageNodes))
	b.nameToPackageID[name] = pid
	b.packageNodes = append(b.packageNodes, bufferPackageNode{name: name})
	return pid, true
}

// CreateVersion stages a version under pid, de-duplicating by
// (version, architecture) within the package.
func (b *BufferGraph) CreateVersion(pid types.PackageID, version string, arch types.ArchitectureID) (types.VersionID, bool) {
	pnode := &b.packageNodes[pid]
	for _, vid := range pnode.versionIDs {
		vnode := &b.versionNodes[vid]
		if vnode.version == version && vnode.architecture == arch {
			return vid, false
		}
	}
	vid := types.VersionID(len(b.versionNodes))
	pnode.versionIDs = append(pnode.versionIDs, vid)
	b.versionNodes = append(b.versionNodes, bufferVersionNode{version: version, architecture: arch})
	return vid, true
}

// CreateDependency stages an edge. Edges are never de-duplicated here.
func (b *BufferGraph) CreateDependency(
	fromVid types.VersionID, toPid types.PackageID, versionConstraint string,
	archConstraint types.ArchitectureID, depType types.DependencyTypeID, group types.GroupID,
) (types.DependencyID, bool) {
	did := types.DependencyID(len(b.dependencyEdges))
	b.versionNodes[fromVid].dependencyIDs = append(b.versionNodes[fromVid].dependencyIDs, did)
	b.dependencyEdges = append(b.dependencyEdges, bufferDependencyEdge{
		fromVersionID:          fromVid,
		toPackageID:            toPid,
		versionConstraint:      versionConstraint,
		architectureConstraint: archConstraint,
		dependencyType:         depType,
		group:                  group,
	})
	return did, true
}

// Clear drops all staged records.
func (b *BufferGraph) Clear() {
	b.packageNodes = b.packageNodes[:0]
	b.versionNodes = b.versionNodes[:0]
	b.dependencyEdges = b.dependencyEdges[:0]
	b.nameToPackageID = make(map[string]types.PackageID)
}

// EstimatedMemoryUsage sums the structural sizes of owned strings, the
// adjacency slices and the name index. The facade compares it against the
// configured memory limit to decide when to flush.
func (b *BufferGraph) EstimatedMemoryUsage() int {
	total := int(unsafe.Sizeof(*b))
	total += cap(b.packageNodes) * int(unsafe.Sizeof(bufferPackageNode{}))
	for i := range b.packageNodes {
		total += len(b.packageNodes[i].name)
		total += cap(b.packageNodes[i].versionIDs) * int(unsafe.Sizeof(types.VersionID(0)))
	}
	total += cap(b.versionNodes) * int(unsafe.Sizeof(bufferVersionNode{}))
	for i := range b.versionNodes {
		total += len(b.versionNodes[i].version)
		total += cap(b.versionNodes[i].dependencyIDs) * int(unsafe.Sizeof(types.DependencyID(0)))
	}
	total += cap(b.dependencyEdges) * int(unsafe.Sizeof(bufferDependencyEdge{}))
	for i := range b.dependencyEdges {
		total += len(b.dependencyEdges[i].versionConstraint)
	}
	// Rough per-entry accounting for the runtime map: key header, value,
	// bucket pointer, plus the key bytes themselves.
	const ptrSize = int(unsafe.Sizeof(uintptr(0)))
	entrySize := int(unsafe.Sizeof("")) + int(unsafe.Sizeof(types.PackageID(0))) + ptrSize
	for name := range b.nameToPackageID {
		total += entrySize + len(name)
	}
	return total
}
