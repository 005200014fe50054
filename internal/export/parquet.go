// Package export dumps a persisted store into Parquet files for offline
// analytics. The store is read through its view accessors only.
package export

import (
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	xerrors "github.com/23skdu/crossbow/internal/errors"
	"github.com/23skdu/crossbow/internal/store"
	"github.com/23skdu/crossbow/internal/store/types"
)

const writeBatchSize = 1024

// PackageRow is one row of packages.parquet.
type PackageRow struct {
	Name         string `parquet:"name"`
	VersionCount int32  `parquet:"version_count"`
}

// VersionRow is one row of versions.parquet.
type VersionRow struct {
	Package         string `parquet:"package"`
	Version         string `parquet:"version"`
	Architecture    string `parquet:"architecture"`
	DependencyCount int32  `parquet:"dependency_count"`
}

// DependencyRow is one row of dependencies.parquet.
type DependencyRow struct {
	Package                string `parquet:"package"`
	Version                string `parquet:"version"`
	Target                 string `parquet:"target"`
	Type                   string `parquet:"type"`
	VersionConstraint      string `parquet:"version_constraint"`
	ArchitectureConstraint string `parquet:"architecture_constraint"`
	Group                  int32  `parquet:"group"`
}

// Store writes packages.parquet, versions.parquet and dependencies.parquet
// under dir.
func Store(g *store.DiskGraph, dir string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	start := time.Now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.WrapIOError(err, "export.store", "mkdir failed").WithContext("dir", dir)
	}

	packages, err := newFileWriter[PackageRow](filepath.Join(dir, "packages.parquet"))
	if err != nil {
		return err
	}
	defer packages.discard()
	versions, err := newFileWriter[VersionRow](filepath.Join(dir, "versions.parquet"))
	if err != nil {
		return err
	}
	defer versions.discard()
	dependencies, err := newFileWriter[DependencyRow](filepath.Join(dir, "dependencies.parquet"))
	if err != nil {
		return err
	}
	defer dependencies.discard()

	for pid := 0; pid < g.PackageCount(); pid++ {
		pview := g.Package(types.PackageID(pid))
		vviews := pview.Versions()
		if err := packages.write(PackageRow{
			Name:         pview.Name,
			VersionCount: int32(len(vviews)),
		}); err != nil {
			return err
		}
		for _, vview := range vviews {
			dviews := vview.Dependencies()
			if err := versions.write(VersionRow{
				Package:         pview.Name,
				Version:         vview.Version,
				Architecture:    vview.Architecture,
				DependencyCount: int32(len(dviews)),
			}); err != nil {
				return err
			}
			for _, dview := range dviews {
				if err := dependencies.write(DependencyRow{
					Package:                pview.Name,
					Version:                vview.Version,
					Target:                 dview.ToPackage().Name,
					Type:                   dview.DependencyType,
					VersionConstraint:      dview.VersionConstraint,
					ArchitectureConstraint: dview.ArchitectureConstraint,
					Group:                  int32(dview.Group),
				}); err != nil {
					return err
				}
			}
		}
	}

	for _, close := range []func() error{packages.close, versions.close, dependencies.close} {
		if err := close(); err != nil {
			return err
		}
	}
	log.Info("store exported",
		zap.String("dir", dir),
		zap.Int("packages", g.PackageCount()),
		zap.Int("versions", g.VersionCount()),
		zap.Int("dependencies", g.DependencyCount()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// fileWriter batches rows into a parquet writer over an output file.
type fileWriter[T any] struct {
	f      *os.File
	w      *parquet.GenericWriter[T]
	batch  []T
	closed bool
}

func newFileWriter[T any](path string) (*fileWriter[T], error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, xerrors.WrapIOError(err, "export.store", "create failed").WithContext("path", path)
	}
	return &fileWriter[T]{
		f:     f,
		w:     parquet.NewGenericWriter[T](f),
		batch: make([]T, 0, writeBatchSize),
	}, nil
}

func (fw *fileWriter[T]) write(row T) error {
	fw.batch = append(fw.batch, row)
	if len(fw.batch) < writeBatchSize {
		return nil
	}
	return fw.flush()
}

func (fw *fileWriter[T]) flush() error {
	if len(fw.batch) == 0 {
		return nil
	}
	if _, err := fw.w.Write(fw.batch); err != nil {
		return xerrors.WrapIOError(err, "export.store", "parquet write failed").WithContext("path", fw.f.Name())
	}
	fw.batch = fw.batch[:0]
	return nil
}

func (fw *fileWriter[T]) close() error {
	if fw.closed {
		return nil
	}
	fw.closed = true
	if err := fw.flush(); err != nil {
		_ = fw.f.Close()
		return err
	}
	if err := fw.w.Close(); err != nil {
		_ = fw.f.Close()
		return xerrors.WrapIOError(err, "export.store", "parquet close failed").WithContext("path", fw.f.Name())
	}
	return fw.f.Close()
}

func (fw *fileWriter[T]) discard() {
	if !fw.closed {
		fw.closed = true
		_ = fw.f.Close()
	}
}
