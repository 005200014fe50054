package store

import (
	"github.com/23skdu/crossbow/internal/store/types"
	"github.com/23skdu/crossbow/internal/strpool"
)

// PackageView is a materialized read of one package. The Versions closure
// re-reads the store on every call; views must not be retained across a
// flush or ingest, which may remap the underlying files.
type PackageView struct {
	ID       types.PackageID
	Name     string
	Versions func() []VersionView
}

// VersionView is a materialized read of one version.
type VersionView struct {
	ID           types.VersionID
	Version      string
	Architecture string
	Dependencies func() []DependencyView
}

// DependencyView is a materialized read of one edge.
type DependencyView struct {
	ID                     types.DependencyID
	FromVersion            func() VersionView
	ToPackage              func() PackageView
	DependencyType         string
	VersionConstraint      string
	ArchitectureConstraint string
	Group                  types.GroupID
}

// Package returns a view of the package with id pid.
func (g *DiskGraph) Package(pid types.PackageID) PackageView {
	node := g.packageNodes.At(int(pid))
	return PackageView{
		ID:   pid,
		Name: g.stringPool.Get(strpool.Handle{Offset: node.NameOffset, Length: node.NameLength}),
		Versions: func() []VersionView {
			var views []VersionView
			g.forEachPackageVersion(pid, func(vid types.VersionID) {
				views = append(views, g.Version(vid))
			})
			return views
		},
	}
}

// PackageByName returns a view of the named package, if present. Absence
// is not an error.
func (g *DiskGraph) PackageByName(name string) (PackageView, bool) {
	pid, ok := g.nameToPackageID.GetString(name)
	if !ok {
		return PackageView{}, false
	}
	return g.Package(pid), true
}

// Version returns a view of the version with id vid.
func (g *DiskGraph) Version(vid types.VersionID) VersionView {
	node := g.versionNodes.At(int(vid))
	return VersionView{
		ID:           vid,
		Version:      g.stringPool.Get(strpool.Handle{Offset: node.VersionOffset, Length: node.VersionLength}),
		Architecture: g.architectures.Get(node.Architecture),
		Dependencies: func() []DependencyView {
			node := g.versionNodes.At(int(vid))
			views := make([]DependencyView, 0, node.DependencyCount)
			for i := 0; i < int(node.DependencyCount); i++ {
				views = append(views, g.Dependency(node.DependencyIDBegin+types.DependencyID(i)))
			}
			return views
		},
	}
}

// Dependency returns a view of the edge with id did.
func (g *DiskGraph) Dependency(did types.DependencyID) DependencyView {
	edge := g.dependencyEdges.At(int(did))
	return DependencyView{
		ID:                     did,
		FromVersion:            func() VersionView { return g.Version(g.dependencyEdges.At(int(did)).FromVersionID) },
		ToPackage:              func() PackageView { return g.Package(g.dependencyEdges.At(int(did)).ToPackageID) },
		DependencyType:         g.dependencyTypes.Get(edge.DependencyType),
		VersionConstraint:      g.stringPool.Get(strpool.Handle{Offset: edge.VersionConstraintOffset, Length: edge.VersionConstraintLength}),
		ArchitectureConstraint: g.architectures.Get(edge.ArchitectureConstraint),
		Group:                  edge.Group,
	}
}
