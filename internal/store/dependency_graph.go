package store

import (
	"time"

	"go.uber.org/zap"

	"github.com/23skdu/crossbow/internal/diskvec"
	xerrors "github.com/23skdu/crossbow/internal/errors"
	"github.com/23skdu/crossbow/internal/gpu"
	"github.com/23skdu/crossbow/internal/metrics"
	"github.com/23skdu/crossbow/internal/store/types"
	"github.com/23skdu/crossbow/internal/strpool"
)

const (
	// DefaultMemoryLimit triggers a flush when the staging buffer grows
	// past one gibibyte.
	DefaultMemoryLimit = 1 * 1024 * 1024 * 1024
)

// Config parameterizes a DependencyGraph.
type Config struct {
	// Dir is the store directory holding the eight component files.
	Dir string
	// Mode selects Load, Create or LoadOrCreate for every component file.
	Mode diskvec.Mode
	// MemoryLimit is the staging buffer budget in bytes. Zero means
	// DefaultMemoryLimit; negative means never flush automatically.
	MemoryLimit int
	// MaxDeviceVectorBytes caps the device work vectors. Zero means the
	// device default.
	MaxDeviceVectorBytes int
	// ChunkBytes is the growth granularity of the data files. Zero means
	// the disk vector default.
	ChunkBytes int
	// Logger receives structural events. Nil means no logging.
	Logger *zap.Logger
}

// DependencyGraph composes the three storage tiers: the in-memory staging
// buffer, the mmap-backed persistent store, and an optional device
// snapshot. Writers stage into the buffer; when the estimated buffer
// footprint reaches the memory limit the buffer is ingested into the
// disk store and cleared. Readers expand against disk, buffer or device.
//
// Writers must not run concurrently with readers. A flush invalidates
// any outstanding view structs.
type DependencyGraph struct {
	log    *zap.Logger
	cfg    Config
	buffer *BufferGraph
	disk   *DiskGraph
	device *gpu.Graph

	deviceStale bool
}

// Open opens or creates the store under cfg.Dir.
func Open(cfg Config) (*DependencyGraph, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.ChunkBytes == 0 {
		cfg.ChunkBytes = diskvec.DefaultChunkBytes
	}
	disk, _, err := OpenDiskGraph(
		cfg.Dir, cfg.Mode,
		types.DefaultArchitectures, types.DefaultDependencyTypes,
		cfg.ChunkBytes, cfg.Logger,
	)
	if err != nil {
		return nil, err
	}
	return &DependencyGraph{
		log:         cfg.Logger,
		cfg:         cfg,
		buffer:      NewBufferGraph(),
		disk:        disk,
		device:      gpu.New(cfg.Logger),
		deviceStale: true,
	}, nil
}

// Disk exposes the persistent tier for read-only consumers.
func (dg *DependencyGraph) Disk() *DiskGraph { return dg.disk }

// MemoryLimit returns the staging buffer budget.
func (dg *DependencyGraph) MemoryLimit() int { return dg.cfg.MemoryLimit }

// EstimatedMemoryUsage returns the staging buffer footprint.
func (dg *DependencyGraph) EstimatedMemoryUsage() int { return dg.buffer.EstimatedMemoryUsage() }

// BufferPackageCount returns the number of staged packages.
func (dg *DependencyGraph) BufferPackageCount() int { return dg.buffer.PackageCount() }

// BufferVersionCount returns the number of staged versions.
func (dg *DependencyGraph) BufferVersionCount() int { return dg.buffer.VersionCount() }

// BufferDependencyCount returns the number of staged edges.
func (dg *DependencyGraph) BufferDependencyCount() int { return dg.buffer.DependencyCount() }

// PackageCount returns the number of persisted packages.
func (dg *DependencyGraph) PackageCount() int { return dg.disk.PackageCount() }

// VersionCount returns the number of persisted versions.
func (dg *DependencyGraph) VersionCount() int { return dg.disk.VersionCount() }

// DependencyCount returns the number of persisted edges.
func (dg *DependencyGraph) DependencyCount() int { return dg.disk.DependencyCount() }

// AddArchitecture interns an architecture symbol. Idempotent.
func (dg *DependencyGraph) AddArchitecture(s string) (types.ArchitectureID, error) {
	id, _, err := dg.disk.AddArchitecture(s)
	return id, err
}

// AddDependencyType interns a dependency-type symbol. Idempotent.
func (dg *DependencyGraph) AddDependencyType(s string) (types.DependencyTypeID, error) {
	id, _, err := dg.disk.AddDependencyType(s)
	return id, err
}

// CreatePackage stages a package and returns its buffer-local id.
// Calling it twice with the same name returns the same id; inserted is
// false the second time.
func (dg *DependencyGraph) CreatePackage(name string) (types.PackageID, bool, error) {
	if len(name) > strpool.MaxStringLen {
		return 0, false, xerrors.NewUsageError("create_package", "package name exceeds 255 bytes")
	}
	pid, inserted := dg.buffer.CreatePackage(name)
	return pid, inserted, nil
}

// CreateVersion stages a version under a buffer-local package id.
func (dg *DependencyGraph) CreateVersion(pid types.PackageID, version string, arch types.ArchitectureID) (types.VersionID, bool, error) {
	if len(version) > strpool.MaxStringLen {
		return 0, false, xerrors.NewUsageError("create_version", "version string exceeds 255 bytes")
	}
	vid, inserted := dg.buffer.CreateVersion(pid, version, arch)
	return vid, inserted, nil
}

// CreateDependency stages an edge between buffer-local ids. Duplicate
// edges are tolerated and collapse at query time.
func (dg *DependencyGraph) CreateDependency(
	fromVid types.VersionID, toPid types.PackageID, versionConstraint string,
	archConstraint types.ArchitectureID, depType types.DependencyTypeID, group types.GroupID,
) (types.DependencyID, error) {
	if len(versionConstraint) > strpool.MaxStringLen {
		return 0, xerrors.NewUsageError("create_dependency", "version constraint exceeds 255 bytes")
	}
	did, _ := dg.buffer.CreateDependency(fromVid, toPid, versionConstraint, archConstraint, depType, group)
	return did, nil
}

// FlushBufferIfNeeded flushes when the estimated buffer footprint has
// reached the memory limit. Returns whether a flush happened.
func (dg *DependencyGraph) FlushBufferIfNeeded() (bool, error) {
	usage := dg.buffer.EstimatedMemoryUsage()
	metrics.BufferMemoryBytes.Set(float64(usage))
	if dg.cfg.MemoryLimit < 0 || usage < dg.cfg.MemoryLimit {
		return false, nil
	}
	return true, dg.Flush()
}

// Flush ingests the staging buffer into the disk store, clears it, and
// syncs the control record. Any outstanding views are invalidated and
// the device snapshot becomes stale.
func (dg *DependencyGraph) Flush() error {
	start := time.Now()
	staged := [3]int{dg.buffer.PackageCount(), dg.buffer.VersionCount(), dg.buffer.DependencyCount()}
	if err := dg.disk.Ingest(dg.buffer); err != nil {
		return err
	}
	dg.buffer.Clear()
	metrics.BufferMemoryBytes.Set(float64(dg.buffer.EstimatedMemoryUsage()))
	if err := dg.disk.Sync(); err != nil {
		return err
	}
	dg.deviceStale = true
	metrics.FlushesTotal.Inc()
	metrics.FlushDurationSeconds.Observe(time.Since(start).Seconds())
	dg.log.Info("buffer flushed",
		zap.Int("staged_packages", staged[0]),
		zap.Int("staged_versions", staged[1]),
		zap.Int("staged_dependencies", staged[2]),
		zap.Int("disk_packages", dg.disk.PackageCount()),
		zap.Int("disk_versions", dg.disk.VersionCount()),
		zap.Int("disk_dependencies", dg.disk.DependencyCount()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// BuildDevice refreshes the device snapshot from the disk store.
func (dg *DependencyGraph) BuildDevice() error {
	syms := resolveExpansionSymbols(dg.disk.Architectures(), dg.disk.DependencyTypes())
	err := dg.device.Build(dg.disk, gpu.Params{
		Native: syms.native, HaveNative: syms.haveNative,
		Any: syms.anyArch, HaveAny: syms.haveAny,
		All: syms.all, HaveAll: syms.haveAll,
		Depends: syms.depends, HaveDepends: syms.haveDep,
		MaxVectorBytes: dg.cfg.MaxDeviceVectorBytes,
	})
	if err != nil {
		return err
	}
	dg.deviceStale = false
	return nil
}

// QueryDependencies expands the named package's dependency closure to the
// given depth against the persistent store, or against the device
// snapshot when useDevice is set. Empty version or arch strings disable
// that filter.
func (dg *DependencyGraph) QueryDependencies(name, version, arch string, depth int, useDevice bool) (types.DependencyResult, error) {
	if depth < 1 {
		return nil, xerrors.NewUsageError("query_dependencies", "depth must be at least 1")
	}
	backend := "disk"
	if useDevice {
		backend = "device"
	}
	start := time.Now()

	db := diskBackend{g: dg.disk}
	frontier := db.frontierVersions(name, version, arch)

	var result types.DependencyResult
	var err error
	if useDevice {
		result, err = dg.queryOnDevice(frontier, depth)
	} else {
		syms := resolveExpansionSymbols(dg.disk.Architectures(), dg.disk.DependencyTypes())
		result = expand(db, syms, frontier, depth)
	}
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(backend, "error").Inc()
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues(backend, "ok").Inc()
	metrics.QueryDurationSeconds.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	return result, nil
}

// QueryDependenciesOnBuffer runs the same expansion over the staging
// buffer. Used as a correctness oracle against the persistent backends.
func (dg *DependencyGraph) QueryDependenciesOnBuffer(name, version, arch string, depth int) (types.DependencyResult, error) {
	if depth < 1 {
		return nil, xerrors.NewUsageError("query_dependencies_on_buffer", "depth must be at least 1")
	}
	start := time.Now()
	bb := bufferBackend{b: dg.buffer, archs: dg.disk.Architectures(), dtypes: dg.disk.DependencyTypes()}
	syms := resolveExpansionSymbols(dg.disk.Architectures(), dg.disk.DependencyTypes())
	result := expand(bb, syms, bb.frontierVersions(name, version, arch), depth)
	metrics.QueriesTotal.WithLabelValues("buffer", "ok").Inc()
	metrics.QueryDurationSeconds.WithLabelValues("buffer").Observe(time.Since(start).Seconds())
	return result, nil
}

// queryOnDevice expands on the device snapshot and reconstructs result
// items against the host-side store. The snapshot is rebuilt lazily
// after a flush made it stale.
func (dg *DependencyGraph) queryOnDevice(frontier []types.VersionID, depth int) (types.DependencyResult, error) {
	if dg.deviceStale || !dg.device.Built() {
		if err := dg.BuildDevice(); err != nil {
			return nil, err
		}
	}
	levels, err := dg.device.Expand(frontier, depth)
	if err != nil {
		return nil, err
	}

	result := types.NewDependencyResult(depth)
	for level, touched := range levels {
		seenDirect := make(map[types.DependencyItem]struct{})
		type groupKey struct {
			vid   types.VersionID
			group types.GroupID
		}
		groupIndex := make(map[groupKey]int)
		groupSeen := make(map[groupKey]map[types.DependencyItem]struct{})

		for _, did := range touched {
			item := dg.disk.ItemForDependency(did)
			fromVid, group := dg.disk.EdgeOrigin(did)
			if group == 0 {
				if _, dup := seenDirect[item]; dup {
					continue
				}
				seenDirect[item] = struct{}{}
				result[level].DirectDependencies = append(result[level].DirectDependencies, item)
				continue
			}
			key := groupKey{vid: fromVid, group: group}
			idx, ok := groupIndex[key]
			if !ok {
				idx = len(result[level].OrDependencies)
				groupIndex[key] = idx
				groupSeen[key] = make(map[types.DependencyItem]struct{})
				result[level].OrDependencies = append(result[level].OrDependencies, types.DependencyGroup{})
			}
			if _, dup := groupSeen[key][item]; dup {
				continue
			}
			groupSeen[key][item] = struct{}{}
			result[level].OrDependencies[idx] = append(result[level].OrDependencies[idx], item)
		}
	}
	return result, nil
}

// Sync flushes the persistent tier without draining the buffer.
func (dg *DependencyGraph) Sync() error { return dg.disk.Sync() }

// Close flushes any staged records, syncs and unmaps the store.
func (dg *DependencyGraph) Close() error {
	var flushErr error
	if dg.buffer.PackageCount() > 0 {
		flushErr = dg.Flush()
	}
	dg.device.Free()
	if err := dg.disk.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}
