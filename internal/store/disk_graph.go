package store

import (
	"path/filepath"
	"unsafe"

	"go.uber.org/zap"

	"github.com/23skdu/crossbow/internal/diskvec"
	xerrors "github.com/23skdu/crossbow/internal/errors"
	"github.com/23skdu/crossbow/internal/metrics"
	"github.com/23skdu/crossbow/internal/store/types"
	"github.com/23skdu/crossbow/internal/strpool"
	"github.com/23skdu/crossbow/internal/symtab"
)

// ControlMagic identifies a store control record ("DISKGRPH" little-endian).
const ControlMagic uint64 = 0x485052474b534944

const (
	controlFileName        = ".meta"
	architecturesFileName  = "architectures.dat"
	dependencyTypesFile    = "dependency-types.dat"
	packagesFileName       = "packages.dat"
	versionsFileName       = "versions.dat"
	dependenciesFileName   = "dependencies.dat"
	versionListsFileName   = "version-lists.dat"
	stringPoolFileName     = "string-pool.dat"
	maxVersionRunLength    = int(^uint16(0))
	maxDependencyRunLength = int(^uint16(0))
)

type packageNode struct {
	NameOffset    uint32
	NameLength    uint8
	VersionListID types.VersionListID
}

type versionNode struct {
	VersionOffset     uint32
	VersionLength     uint8
	Architecture      types.ArchitectureID
	DependencyCount   uint16
	DependencyIDBegin types.DependencyID
}

type dependencyEdge struct {
	FromVersionID           types.VersionID
	ToPackageID             types.PackageID
	VersionConstraintOffset uint32
	VersionConstraintLength uint8
	ArchitectureConstraint  types.ArchitectureID
	DependencyType          types.DependencyTypeID
	Group                   types.GroupID
}

type versionList struct {
	VersionCount      uint16
	VersionIDBegin    types.VersionID
	NextVersionListID types.VersionListID
}

type controlRecord struct {
	Magic               uint64
	ArchitectureCount   uint64
	DependencyTypeCount uint64
	PackageCount        uint64
	VersionCount        uint64
	DependencyCount     uint64
	VersionListCount    uint64
	StringPoolSize      uint64
}

const controlSize = int(unsafe.Sizeof(controlRecord{}))

// DiskGraph is the mmap-backed persistent tier: columnar package, version
// and edge records, a string arena, interned symbol tables, and a control
// record that makes the store self-validating. The store is strictly
// append-only; records are never rewritten or shortened.
type DiskGraph struct {
	dir             string
	control         *diskvec.Vector[byte]
	architectures   *symtab.Table[types.ArchitectureID]
	dependencyTypes *symtab.Table[types.DependencyTypeID]
	packageNodes    *diskvec.Vector[packageNode]
	versionNodes    *diskvec.Vector[versionNode]
	dependencyEdges *diskvec.Vector[dependencyEdge]
	versionLists    *diskvec.Vector[versionList]
	stringPool      *strpool.Pool
	nameToPackageID *strpool.HandleMap[types.PackageID]
	log             *zap.Logger
}

// OpenDiskGraph opens the eight store files under dir with the same mode.
// Any disagreement between the files (some loading, some creating) is a
// corruption error.
func OpenDiskGraph(
	dir string, mode diskvec.Mode,
	architectures, dependencyTypes []string,
	chunkBytes int, log *zap.Logger,
) (*DiskGraph, diskvec.OpenCode, error) {
	if log == nil {
		log = zap.NewNop()
	}
	g := &DiskGraph{
		dir:             dir,
		control:         diskvec.New[byte](diskvec.SmallChunkBytes),
		architectures:   symtab.New[types.ArchitectureID](diskvec.SmallChunkBytes),
		dependencyTypes: symtab.New[types.DependencyTypeID](diskvec.SmallChunkBytes),
		packageNodes:    diskvec.New[packageNode](chunkBytes),
		versionNodes:    diskvec.New[versionNode](chunkBytes),
		dependencyEdges: diskvec.New[dependencyEdge](chunkBytes),
		versionLists:    diskvec.New[versionList](chunkBytes),
		stringPool:      strpool.NewPool(chunkBytes, false),
		log:             log,
	}
	g.nameToPackageID = strpool.NewHandleMap[types.PackageID](g.stringPool)

	codes := make(map[diskvec.OpenCode]bool)
	open := func(code diskvec.OpenCode, err error) error {
		if err != nil {
			return err
		}
		codes[code] = true
		return nil
	}

	var firstErr error
	record := func(code diskvec.OpenCode, err error) {
		if firstErr == nil {
			firstErr = open(code, err)
		}
	}
	record(g.control.Open(filepath.Join(dir, controlFileName), mode))
	record(g.packageNodes.Open(filepath.Join(dir, packagesFileName), mode))
	record(g.versionNodes.Open(filepath.Join(dir, versionsFileName), mode))
	record(g.dependencyEdges.Open(filepath.Join(dir, dependenciesFileName), mode))
	record(g.versionLists.Open(filepath.Join(dir, versionListsFileName), mode))
	record(g.stringPool.Open(filepath.Join(dir, stringPoolFileName), mode))
	record(g.architectures.Open(filepath.Join(dir, architecturesFileName), mode, architectures))
	record(g.dependencyTypes.Open(filepath.Join(dir, dependencyTypesFile), mode, dependencyTypes))
	if firstErr != nil {
		_ = g.Close()
		return nil, diskvec.OpenFailed, firstErr
	}
	if len(codes) != 1 {
		_ = g.Close()
		return nil, diskvec.OpenFailed, xerrors.NewCorruptionError("disk_graph.open",
			"component files disagree on load versus create").WithContext("dir", dir)
	}

	var code diskvec.OpenCode
	for c := range codes {
		code = c
	}
	switch code {
	case diskvec.LoadSuccess:
		if err := g.recoverFromControl(); err != nil {
			_ = g.Close()
			return nil, diskvec.OpenFailed, err
		}
	case diskvec.CreateSuccess:
		if err := g.initControl(); err != nil {
			_ = g.Close()
			return nil, diskvec.OpenFailed, err
		}
	}
	log.Info("disk graph opened",
		zap.String("dir", dir),
		zap.Bool("created", code == diskvec.CreateSuccess),
		zap.Int("packages", g.PackageCount()),
		zap.Int("versions", g.VersionCount()),
		zap.Int("dependencies", g.DependencyCount()))
	return g, code, nil
}

func (g *DiskGraph) controlRecord() *controlRecord {
	return (*controlRecord)(unsafe.Pointer(g.control.At(0)))
}

func (g *DiskGraph) initControl() error {
	if err := g.control.Resize(controlSize); err != nil {
		return err
	}
	c := g.controlRecord()
	c.Magic = ControlMagic
	c.ArchitectureCount = uint64(g.architectures.Len())
	c.DependencyTypeCount = uint64(g.dependencyTypes.Len())
	c.PackageCount = 0
	c.VersionCount = 0
	c.DependencyCount = 0
	c.VersionListCount = 0
	c.StringPoolSize = 0
	return nil
}

// recoverFromControl applies the crash-recovery rule: the control record
// is authoritative, and any records beyond its counts are treated as
// nonexistent so the next append overwrites them.
func (g *DiskGraph) recoverFromControl() error {
	if g.control.Len() < controlSize {
		return xerrors.NewCorruptionError("disk_graph.open", "control record shorter than expected").
			WithContext("dir", g.dir)
	}
	c := g.controlRecord()
	if c.Magic != ControlMagic {
		return xerrors.NewCorruptionError("disk_graph.open", "control magic mismatch").
			WithContext("dir", g.dir)
	}

	truncateVec := func(name string, have int, want uint64, resize func(int) error) error {
		if uint64(have) < want {
			return xerrors.NewCorruptionError("disk_graph.open", "control claims more records than file holds").
				WithContext("file", name).WithContext("have", have).WithContext("want", want)
		}
		if uint64(have) > want {
			g.log.Warn("dropping records beyond control count",
				zap.String("file", name), zap.Int("have", have), zap.Uint64("want", want))
			return resize(int(want))
		}
		return nil
	}
	if err := truncateVec(packagesFileName, g.packageNodes.Len(), c.PackageCount, g.packageNodes.Resize); err != nil {
		return err
	}
	if err := truncateVec(versionsFileName, g.versionNodes.Len(), c.VersionCount, g.versionNodes.Resize); err != nil {
		return err
	}
	if err := truncateVec(dependenciesFileName, g.dependencyEdges.Len(), c.DependencyCount, g.dependencyEdges.Resize); err != nil {
		return err
	}
	if err := truncateVec(versionListsFileName, g.versionLists.Len(), c.VersionListCount, g.versionLists.Resize); err != nil {
		return err
	}
	if uint64(g.stringPool.Size()) < c.StringPoolSize {
		return xerrors.NewCorruptionError("disk_graph.open", "control claims more string bytes than pool holds").
			WithContext("dir", g.dir)
	}
	if err := g.stringPool.Truncate(int(c.StringPoolSize)); err != nil {
		return err
	}
	if uint64(g.architectures.Len()) < c.ArchitectureCount || uint64(g.dependencyTypes.Len()) < c.DependencyTypeCount {
		return xerrors.NewCorruptionError("disk_graph.open", "control claims more symbols than table holds").
			WithContext("dir", g.dir)
	}
	if err := g.architectures.TruncateTo(int(c.ArchitectureCount)); err != nil {
		return err
	}
	if err := g.dependencyTypes.TruncateTo(int(c.DependencyTypeCount)); err != nil {
		return err
	}

	g.nameToPackageID.Clear()
	nodes := g.packageNodes.Slice()
	for pid := range nodes {
		h := strpool.Handle{Offset: nodes[pid].NameOffset, Length: nodes[pid].NameLength}
		g.nameToPackageID.Put(h, types.PackageID(pid))
	}
	return nil
}

// PackageCount returns the number of persisted packages.
func (g *DiskGraph) PackageCount() int { return g.packageNodes.Len() }

// VersionCount returns the number of persisted versions.
func (g *DiskGraph) VersionCount() int { return g.versionNodes.Len() }

// DependencyCount returns the number of persisted edges.
func (g *DiskGraph) DependencyCount() int { return g.dependencyEdges.Len() }

// VersionListCount returns the number of version-range chain nodes.
func (g *DiskGraph) VersionListCount() int { return g.versionLists.Len() }

// ArchitectureCount returns the number of interned architecture symbols.
func (g *DiskGraph) ArchitectureCount() int { return g.architectures.Len() }

// DependencyTypeCount returns the number of interned dependency types.
func (g *DiskGraph) DependencyTypeCount() int { return g.dependencyTypes.Len() }

// Architectures exposes the architecture symbol table.
func (g *DiskGraph) Architectures() *symtab.Table[types.ArchitectureID] { return g.architectures }

// DependencyTypes exposes the dependency-type symbol table.
func (g *DiskGraph) DependencyTypes() *symtab.Table[types.DependencyTypeID] { return g.dependencyTypes }

// AddArchitecture interns an architecture symbol. Idempotent.
func (g *DiskGraph) AddArchitecture(s string) (types.ArchitectureID, bool, error) {
	return g.architectures.Add(s)
}

// AddDependencyType interns a dependency-type symbol. Idempotent.
func (g *DiskGraph) AddDependencyType(s string) (types.DependencyTypeID, bool, error) {
	return g.dependencyTypes.Add(s)
}

// PackageIDByName resolves a package name to its id.
func (g *DiskGraph) PackageIDByName(name string) (types.PackageID, bool) {
	return g.nameToPackageID.GetString(name)
}

// forEachPackageVersion walks the package's version-range chain, newest
// range first, calling fn for every owned version id.
func (g *DiskGraph) forEachPackageVersion(pid types.PackageID, fn func(types.VersionID)) {
	vlid := g.packageNodes.At(int(pid)).VersionListID
	for vlid != types.VersionListEnd {
		node := *g.versionLists.At(int(vlid))
		for i := 0; i < int(node.VersionCount); i++ {
			fn(node.VersionIDBegin + types.VersionID(i))
		}
		vlid = node.NextVersionListID
	}
}

// PackageVersions walks all version ids owned by pid. Part of the device
// snapshot source contract.
func (g *DiskGraph) PackageVersions(pid types.PackageID, fn func(types.VersionID)) {
	g.forEachPackageVersion(pid, fn)
}

// VersionArchitecture returns the architecture symbol id of a version.
func (g *DiskGraph) VersionArchitecture(vid types.VersionID) types.ArchitectureID {
	return g.versionNodes.At(int(vid)).Architecture
}

// VersionEdgeRange returns the contiguous edge run of a version.
func (g *DiskGraph) VersionEdgeRange(vid types.VersionID) (types.DependencyID, int) {
	n := g.versionNodes.At(int(vid))
	return n.DependencyIDBegin, int(n.DependencyCount)
}

// EdgeOrigin returns the owning version and group of an edge.
func (g *DiskGraph) EdgeOrigin(did types.DependencyID) (types.VersionID, types.GroupID) {
	e := g.dependencyEdges.At(int(did))
	return e.FromVersionID, e.Group
}

// EdgeData returns the routing fields of an edge for the device snapshot
// build: target package, architecture constraint, dependency type, group.
func (g *DiskGraph) EdgeData(did types.DependencyID) (types.PackageID, types.ArchitectureID, types.DependencyTypeID, types.GroupID) {
	e := g.dependencyEdges.At(int(did))
	return e.ToPackageID, e.ArchitectureConstraint, e.DependencyType, e.Group
}

// itemForEdge materializes the result item for an edge.
func (g *DiskGraph) itemForEdge(e *dependencyEdge) types.DependencyItem {
	target := g.packageNodes.At(int(e.ToPackageID))
	return types.DependencyItem{
		PackageName:            g.stringPool.Get(strpool.Handle{Offset: target.NameOffset, Length: target.NameLength}),
		Type:                   g.dependencyTypes.Get(e.DependencyType),
		VersionConstraint:      g.stringPool.Get(strpool.Handle{Offset: e.VersionConstraintOffset, Length: e.VersionConstraintLength}),
		ArchitectureConstraint: g.architectures.Get(e.ArchitectureConstraint),
	}
}

// ItemForDependency materializes the result item for an edge id.
func (g *DiskGraph) ItemForDependency(did types.DependencyID) types.DependencyItem {
	return g.itemForEdge(g.dependencyEdges.At(int(did)))
}

func (g *DiskGraph) createPackage(name string) (types.PackageID, bool, error) {
	if pid, ok := g.nameToPackageID.GetString(name); ok {
		return pid, false, nil
	}
	h, err := g.stringPool.Add(name)
	if err != nil {
		return 0, false, err
	}
	pid := types.PackageID(g.packageNodes.Len())
	if _, err := g.packageNodes.Push(packageNode{
		NameOffset:    h.Offset,
		NameLength:    h.Length,
		VersionListID: types.VersionListEnd,
	}); err != nil {
		return 0, false, err
	}
	g.nameToPackageID.Put(h, pid)
	metrics.IngestRecordsTotal.WithLabelValues("package").Inc()
	return pid, true, nil
}

func (g *DiskGraph) createVersion(
	pid types.PackageID, version string, arch types.ArchitectureID,
	didBegin types.DependencyID, dcount int,
) (types.VersionID, bool, error) {
	var existing types.VersionID
	found := false
	g.forEachPackageVersion(pid, func(vid types.VersionID) {
		if found {
			return
		}
		n := g.versionNodes.At(int(vid))
		if n.Architecture == arch &&
			g.stringPool.Get(strpool.Handle{Offset: n.VersionOffset, Length: n.VersionLength}) == version {
			existing, found = vid, true
		}
	})
	if found {
		return existing, false, nil
	}
	if dcount > maxDependencyRunLength {
		return 0, false, xerrors.NewUsageError("disk_graph.create_version", "dependency run exceeds u16").
			WithContext("count", dcount)
	}
	h, err := g.stringPool.Add(version)
	if err != nil {
		return 0, false, err
	}
	vid := types.VersionID(g.versionNodes.Len())
	if _, err := g.versionNodes.Push(versionNode{
		VersionOffset:     h.Offset,
		VersionLength:     h.Length,
		Architecture:      arch,
		DependencyCount:   uint16(dcount),
		DependencyIDBegin: didBegin,
	}); err != nil {
		return 0, false, err
	}
	metrics.IngestRecordsTotal.WithLabelValues("version").Inc()
	return vid, true, nil
}

func (g *DiskGraph) createDependency(
	fromVid types.VersionID, toPid types.PackageID, versionConstraint string,
	archConstraint types.ArchitectureID, depType types.DependencyTypeID, group types.GroupID,
) (types.DependencyID, error) {
	h, err := g.stringPool.Add(versionConstraint)
	if err != nil {
		return 0, err
	}
	did := types.DependencyID(g.dependencyEdges.Len())
	if _, err := g.dependencyEdges.Push(dependencyEdge{
		FromVersionID:           fromVid,
		ToPackageID:             toPid,
		VersionConstraintOffset: h.Offset,
		VersionConstraintLength: h.Length,
		ArchitectureConstraint:  archConstraint,
		DependencyType:          depType,
		Group:                   group,
	}); err != nil {
		return 0, err
	}
	metrics.IngestRecordsTotal.WithLabelValues("dependency").Inc()
	return did, nil
}

// attachVersions prepends a new contiguous version range to the package's
// chain. Old ranges are immutable; traversal sees newest ranges first.
func (g *DiskGraph) attachVersions(pid types.PackageID, vidBegin types.VersionID, vcount int) error {
	if vcount == 0 {
		return nil
	}
	if vcount > maxVersionRunLength {
		return xerrors.NewUsageError("disk_graph.attach_versions", "version run exceeds u16").
			WithContext("count", vcount)
	}
	vlid := types.VersionListID(g.versionLists.Len())
	if _, err := g.versionLists.Push(versionList{
		VersionCount:      uint16(vcount),
		VersionIDBegin:    vidBegin,
		NextVersionListID: g.packageNodes.At(int(pid)).VersionListID,
	}); err != nil {
		return err
	}
	g.packageNodes.At(int(pid)).VersionListID = vlid
	return nil
}

// Ingest drains a staged buffer into the store, assigning stable ids and
// de-duplicating packages and versions. For every version created, its
// edges occupy exactly [didBegin, didBegin+dcount) in order.
func (g *DiskGraph) Ingest(b *BufferGraph) error {
	for bpid := range b.packageNodes {
		bpnode := &b.packageNodes[bpid]
		vidBegin := types.VersionID(g.VersionCount())
		vcount := 0
		pid, _, err := g.createPackage(bpnode.name)
		if err != nil {
			return err
		}

		for _, bvid := range bpnode.versionIDs {
			bvnode := &b.versionNodes[bvid]
			didBegin := types.DependencyID(g.DependencyCount())
			dcount := len(bvnode.dependencyIDs)
			vid, inserted, err := g.createVersion(pid, bvnode.version, bvnode.architecture, didBegin, dcount)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			vcount++

			for _, bdid := range bvnode.dependencyIDs {
				bdedge := &b.dependencyEdges[bdid]
				target := &b.packageNodes[bdedge.toPackageID]
				tpid, _, err := g.createPackage(target.name)
				if err != nil {
					return err
				}
				if _, err := g.createDependency(
					vid, tpid, bdedge.versionConstraint,
					bdedge.architectureConstraint, bdedge.dependencyType, bdedge.group,
				); err != nil {
					return err
				}
			}
		}
		if vcount > 0 {
			if err := g.attachVersions(pid, vidBegin, vcount); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sync writes the control record from the current counts and flushes all
// files. A crash before Sync leaves the store recoverable: the control
// record stays behind the data files and recovery drops the tails.
func (g *DiskGraph) Sync() error {
	c := g.controlRecord()
	c.ArchitectureCount = uint64(g.architectures.Len())
	c.DependencyTypeCount = uint64(g.dependencyTypes.Len())
	c.PackageCount = uint64(g.PackageCount())
	c.VersionCount = uint64(g.VersionCount())
	c.DependencyCount = uint64(g.DependencyCount())
	c.VersionListCount = uint64(g.VersionListCount())
	c.StringPoolSize = uint64(g.stringPool.Size())

	syncs := []func() error{
		g.control.Sync, g.packageNodes.Sync, g.versionNodes.Sync,
		g.dependencyEdges.Sync, g.versionLists.Sync,
		g.architectures.Sync, g.dependencyTypes.Sync, g.stringPool.Sync,
	}
	for _, sync := range syncs {
		if err := sync(); err != nil {
			metrics.DiskSyncsTotal.WithLabelValues("error").Inc()
			return err
		}
	}
	metrics.DiskSyncsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Close syncs and unmaps every component file.
func (g *DiskGraph) Close() error {
	var firstErr error
	closes := []func() error{
		g.control.Close, g.packageNodes.Close, g.versionNodes.Close,
		g.dependencyEdges.Close, g.versionLists.Close,
		g.architectures.Close, g.dependencyTypes.Close, g.stringPool.Close,
	}
	for _, close := range closes {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
