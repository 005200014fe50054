// Package diskvec provides a memory-mapped, growable, typed array of
// fixed-size records. The file layout is a 24-byte header followed by the
// elements, padded to a multiple of the chunk size. Records must be
// trivially copyable: no Go pointers, no internal references.
package diskvec

import (
	"os"
	"path/filepath"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"

	xerrors "github.com/23skdu/crossbow/internal/errors"
	"github.com/23skdu/crossbow/internal/metrics"
)

// Magic identifies a disk vector file ("DISKVECT" little-endian).
const Magic uint64 = 0x544345564b534944

const (
	KiB = 1024
	MiB = 1024 * KiB

	// DefaultChunkBytes is the growth granularity for data files.
	DefaultChunkBytes = 1 * MiB
	// SmallChunkBytes is the growth granularity for control and symbol files.
	SmallChunkBytes = 256
)

// Mode selects how Open treats an existing or missing file.
type Mode uint8

const (
	// Load requires the file to exist with a valid header.
	Load Mode = iota
	// Create truncates or creates the file and writes a fresh header.
	Create
	// LoadOrCreate tries Load first and falls back to Create.
	LoadOrCreate
)

// OpenCode reports the outcome of an Open call.
type OpenCode uint8

const (
	OpenFailed OpenCode = iota
	CreateSuccess
	LoadSuccess
)

type header struct {
	Magic       uint64
	ElementSize uint64
	Size        uint64
}

const headerSize = int(unsafe.Sizeof(header{}))

// Vector is an mmap-backed growable array of T. All raw pointers and
// slices obtained from it are invalidated by the next growth; accessors
// recompute from the mapping base on every call.
type Vector[T any] struct {
	f          *os.File
	m          mmap.MMap
	path       string
	chunkBytes int
}

// New returns a closed vector with the given growth granularity.
func New[T any](chunkBytes int) *Vector[T] {
	if chunkBytes < headerSize {
		chunkBytes = headerSize
	}
	return &Vector[T]{chunkBytes: chunkBytes}
}

// ElementSize returns the fixed on-disk size of one record.
func (v *Vector[T]) ElementSize() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// IsOpen reports whether the vector has a live mapping.
func (v *Vector[T]) IsOpen() bool { return v.m != nil }

// Path returns the backing file path of the last Open.
func (v *Vector[T]) Path() string { return v.path }

// ChunkBytes returns the growth granularity.
func (v *Vector[T]) ChunkBytes() int { return v.chunkBytes }

// SetChunkBytes changes the growth granularity for subsequent growth.
func (v *Vector[T]) SetChunkBytes(chunkBytes int) {
	if chunkBytes < headerSize {
		chunkBytes = headerSize
	}
	v.chunkBytes = chunkBytes
}

func (v *Vector[T]) header() *header {
	return (*header)(unsafe.Pointer(&v.m[0]))
}

func (v *Vector[T]) validateHeader() bool {
	h := v.header()
	return h.Magic == Magic && h.ElementSize == uint64(v.ElementSize())
}

// Open maps the file at path according to mode. The returned OpenCode is
// OpenFailed exactly when the error is non-nil.
func (v *Vector[T]) Open(path string, mode Mode) (OpenCode, error) {
	if v.IsOpen() {
		if err := v.Close(); err != nil {
			return OpenFailed, err
		}
	}
	v.path = path

	switch mode {
	case Load:
		return v.load(path)
	case Create:
		return v.create(path)
	case LoadOrCreate:
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() && fi.Size() >= int64(headerSize) {
			code, err := v.load(path)
			if err == nil {
				return code, nil
			}
		}
		return v.create(path)
	default:
		return OpenFailed, xerrors.NewUsageError("diskvec.open", "unknown open mode")
	}
}

func (v *Vector[T]) load(path string) (OpenCode, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return OpenFailed, xerrors.WrapOpenFailedError(err, "diskvec.load", "file missing or not regular").
			WithContext("path", path)
	}
	if fi.Size() < int64(headerSize) {
		return OpenFailed, xerrors.NewOpenFailedError("diskvec.load", "file shorter than header").
			WithContext("path", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return OpenFailed, xerrors.WrapOpenFailedError(err, "diskvec.load", "open failed").WithContext("path", path)
	}
	m, err := mmap.MapRegion(f, int(fi.Size()), mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		return OpenFailed, xerrors.WrapOpenFailedError(err, "diskvec.load", "mmap failed").WithContext("path", path)
	}
	v.f, v.m = f, m
	if !v.validateHeader() {
		_ = m.Unmap()
		_ = f.Close()
		v.f, v.m = nil, nil
		return OpenFailed, xerrors.NewOpenFailedError("diskvec.load", "magic or element size mismatch").
			WithContext("path", path).
			WithContext("element_size", v.ElementSize())
	}
	return LoadSuccess, nil
}

func (v *Vector[T]) create(path string) (OpenCode, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return OpenFailed, xerrors.WrapOpenFailedError(err, "diskvec.create", "mkdir failed").WithContext("path", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return OpenFailed, xerrors.WrapOpenFailedError(err, "diskvec.create", "open failed").WithContext("path", path)
	}
	if err := f.Truncate(int64(v.chunkBytes)); err != nil {
		_ = f.Close()
		return OpenFailed, xerrors.WrapOpenFailedError(err, "diskvec.create", "resize failed").WithContext("path", path)
	}
	m, err := mmap.MapRegion(f, v.chunkBytes, mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		return OpenFailed, xerrors.WrapOpenFailedError(err, "diskvec.create", "mmap failed").WithContext("path", path)
	}
	v.f, v.m = f, m
	h := v.header()
	h.Magic = Magic
	h.ElementSize = uint64(v.ElementSize())
	h.Size = 0
	return CreateSuccess, nil
}

// Len returns the number of live records.
func (v *Vector[T]) Len() int {
	if !v.IsOpen() {
		return 0
	}
	return int(v.header().Size)
}

// Cap returns the number of records the current mapping can hold.
func (v *Vector[T]) Cap() int {
	if !v.IsOpen() {
		return 0
	}
	return (len(v.m) - headerSize) / v.ElementSize()
}

func (v *Vector[T]) base() *T {
	return (*T)(unsafe.Pointer(&v.m[headerSize]))
}

// At returns a pointer to record i. The pointer is valid only until the
// next growth of the vector.
func (v *Vector[T]) At(i int) *T {
	return (*T)(unsafe.Add(unsafe.Pointer(v.base()), uintptr(i)*unsafe.Sizeof(*new(T))))
}

// Slice returns a view over all live records. The view is valid only
// until the next growth of the vector.
func (v *Vector[T]) Slice() []T {
	n := v.Len()
	if n == 0 {
		return nil
	}
	return unsafe.Slice(v.base(), n)
}

// Reserve grows the backing file so that at least capacity records fit,
// remapping if needed. All previously obtained pointers and views are
// invalidated when Reserve actually grows.
func (v *Vector[T]) Reserve(capacity int) error {
	if !v.IsOpen() {
		return xerrors.NewUsageError("diskvec.reserve", "vector is not open")
	}
	if capacity <= v.Cap() {
		return nil
	}
	if err := v.Sync(); err != nil {
		return err
	}
	if err := v.m.Unmap(); err != nil {
		v.m = nil
		return xerrors.WrapIOError(err, "diskvec.reserve", "unmap failed").WithContext("path", v.path)
	}
	v.m = nil
	need := headerSize + capacity*v.ElementSize()
	chunks := (need + v.chunkBytes - 1) / v.chunkBytes
	newSize := chunks * v.chunkBytes
	if err := v.f.Truncate(int64(newSize)); err != nil {
		return xerrors.WrapIOError(err, "diskvec.reserve", "resize failed").WithContext("path", v.path)
	}
	m, err := mmap.MapRegion(v.f, newSize, mmap.RDWR, 0, 0)
	if err != nil {
		return xerrors.WrapIOError(err, "diskvec.reserve", "remap failed").WithContext("path", v.path)
	}
	v.m = m
	metrics.DiskRemapsTotal.Inc()
	return nil
}

// Resize sets the logical size. Growing zero-fills the new tail; shrinking
// drops records without touching their bytes.
func (v *Vector[T]) Resize(n int) error {
	if !v.IsOpen() {
		return xerrors.NewUsageError("diskvec.resize", "vector is not open")
	}
	old := v.Len()
	if n > old {
		if err := v.Reserve(n); err != nil {
			return err
		}
		elem := v.ElementSize()
		tail := v.m[headerSize+old*elem : headerSize+n*elem]
		for i := range tail {
			tail[i] = 0
		}
	}
	v.header().Size = uint64(n)
	return nil
}

// Clear drops all records.
func (v *Vector[T]) Clear() error { return v.Resize(0) }

// Push appends one record and returns a pointer to it. The pointer is
// valid only until the next growth.
func (v *Vector[T]) Push(value T) (*T, error) {
	n := v.Len()
	if err := v.Reserve(n + 1); err != nil {
		return nil, err
	}
	slot := v.At(n)
	*slot = value
	v.header().Size = uint64(n + 1)
	return slot, nil
}

// Append appends all values.
func (v *Vector[T]) Append(values ...T) error {
	n := v.Len()
	if err := v.Reserve(n + len(values)); err != nil {
		return err
	}
	for i, val := range values {
		*v.At(n + i) = val
	}
	v.header().Size = uint64(n + len(values))
	return nil
}

// Sync flushes dirty pages to the backing file.
func (v *Vector[T]) Sync() error {
	if !v.IsOpen() {
		return nil
	}
	if err := v.m.Flush(); err != nil {
		return xerrors.WrapIOError(err, "diskvec.sync", "flush failed").WithContext("path", v.path)
	}
	return nil
}

// Close syncs, unmaps and closes the backing file.
func (v *Vector[T]) Close() error {
	if !v.IsOpen() {
		return nil
	}
	syncErr := v.Sync()
	if err := v.m.Unmap(); err != nil && syncErr == nil {
		syncErr = xerrors.WrapIOError(err, "diskvec.close", "unmap failed").WithContext("path", v.path)
	}
	v.m = nil
	if err := v.f.Close(); err != nil && syncErr == nil {
		syncErr = xerrors.WrapIOError(err, "diskvec.close", "close failed").WithContext("path", v.path)
	}
	v.f = nil
	return syncErr
}
