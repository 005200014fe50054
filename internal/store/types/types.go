// Package types holds the identifier types and result model shared by the
// staging buffer, the persistent store and the device snapshot.
package types

// PackageID is a dense, monotonically assigned package identifier.
type PackageID uint32

// VersionID is a dense, monotonically assigned version identifier.
type VersionID uint32

// DependencyID is a dense, monotonically assigned edge identifier.
type DependencyID uint32

// VersionListID addresses a node in a package's version-range chain.
type VersionListID uint32

// VersionListEnd terminates a version-range chain.
const VersionListEnd VersionListID = ^VersionListID(0)

// ArchitectureID indexes the architecture symbol table.
type ArchitectureID uint8

// DependencyTypeID indexes the dependency-type symbol table.
type DependencyTypeID uint8

// GroupID distinguishes alternative groups within a version. Zero means a
// direct dependency; values >= 1 index "|"-separated alternative groups.
type GroupID uint8

// DefaultArchitectures are seeded when a store is first created. The
// first three are semantically meaningful to the expander.
var DefaultArchitectures = []string{"native", "any", "all"}

// DefaultDependencyTypes are seeded when a store is first created. Only
// Depends participates in transitive expansion.
var DefaultDependencyTypes = []string{
	"Depends", "Pre-Depends", "Recommends", "Suggests",
	"Breaks", "Conflicts", "Provides", "Replaces", "Enhances",
}

// DependsTypeName is the one dependency type that propagates a frontier.
const DependsTypeName = "Depends"

// DependencyItem is the unit of a query result.
type DependencyItem struct {
	PackageName            string `json:"package_name"`
	Type                   string `json:"type"`
	VersionConstraint      string `json:"version_constraint"`
	ArchitectureConstraint string `json:"architecture_constraint"`
}

// DependencyGroup is one alternative ("or") group: at least one member
// must be satisfiable.
type DependencyGroup []DependencyItem

// DependencyLevel holds everything reported at one expansion distance.
type DependencyLevel struct {
	DirectDependencies []DependencyItem  `json:"direct_dependencies"`
	OrDependencies     []DependencyGroup `json:"or_dependencies"`
}

// DependencyResult has one level per requested depth. Levels past the
// point where the frontier emptied stay empty.
type DependencyResult []DependencyLevel

// NewDependencyResult returns a result with depth empty levels, each with
// non-nil slices so serialization yields arrays rather than nulls.
func NewDependencyResult(depth int) DependencyResult {
	result := make(DependencyResult, depth)
	for i := range result {
		result[i].DirectDependencies = []DependencyItem{}
		result[i].OrDependencies = []DependencyGroup{}
	}
	return result
}
