// Package strpool provides an append-only byte arena over a disk vector,
// addressed by compact (offset, length) handles, plus a hash map that can
// be probed with either a handle or raw bytes.
package strpool

import (
	"github.com/23skdu/crossbow/internal/diskvec"
	xerrors "github.com/23skdu/crossbow/internal/errors"
)

// MaxStringLen is the longest string a handle can address. Longer inputs
// are a usage error, not a truncation.
const MaxStringLen = 255

// Handle addresses a string inside a pool.
type Handle struct {
	Offset uint32
	Length uint8
}

// Pool is an append-only string arena. The null-terminated variant writes
// a trailing zero byte after every string so the arena can be re-iterated
// on load; handles never include the terminator.
type Pool struct {
	vec            *diskvec.Vector[byte]
	nullTerminated bool
}

// NewPool returns a closed pool with the given growth granularity.
func NewPool(chunkBytes int, nullTerminated bool) *Pool {
	return &Pool{vec: diskvec.New[byte](chunkBytes), nullTerminated: nullTerminated}
}

// Open maps the pool file according to mode.
func (p *Pool) Open(path string, mode diskvec.Mode) (diskvec.OpenCode, error) {
	return p.vec.Open(path, mode)
}

// IsOpen reports whether the pool has a live mapping.
func (p *Pool) IsOpen() bool { return p.vec.IsOpen() }

// Size returns the number of bytes in the arena, terminators included.
func (p *Pool) Size() int { return p.vec.Len() }

// Add appends the string and returns its handle.
func (p *Pool) Add(s string) (Handle, error) {
	if len(s) > MaxStringLen {
		return Handle{}, xerrors.NewUsageError("strpool.add", "string exceeds 255 bytes").
			WithContext("length", len(s))
	}
	offset := p.vec.Len()
	if err := p.vec.Append([]byte(s)...); err != nil {
		return Handle{}, err
	}
	if p.nullTerminated {
		if _, err := p.vec.Push(0); err != nil {
			return Handle{}, err
		}
	}
	return Handle{Offset: uint32(offset), Length: uint8(len(s))}, nil
}

// Bytes returns a view of the handle's bytes. The view is valid only
// until the next growth of the arena.
func (p *Pool) Bytes(h Handle) []byte {
	if h.Length == 0 {
		return nil
	}
	return p.vec.Slice()[h.Offset : uint32(h.Offset)+uint32(h.Length)]
}

// Get returns the handle's string as an owned copy.
func (p *Pool) Get(h Handle) string {
	return string(p.Bytes(h))
}

// Handles re-derives every handle in insertion order by walking the
// terminators. Only the null-terminated variant supports this.
func (p *Pool) Handles() ([]Handle, error) {
	if !p.nullTerminated {
		return nil, xerrors.NewUsageError("strpool.handles", "arena is not null-terminated")
	}
	var handles []Handle
	data := p.vec.Slice()
	start := 0
	for i, b := range data {
		if b == 0 {
			if i-start > MaxStringLen {
				return nil, xerrors.NewCorruptionError("strpool.handles", "symbol longer than 255 bytes")
			}
			handles = append(handles, Handle{Offset: uint32(start), Length: uint8(i - start)})
			start = i + 1
		}
	}
	if start != len(data) {
		return nil, xerrors.NewCorruptionError("strpool.handles", "arena does not end on a terminator")
	}
	return handles, nil
}

// Truncate drops all bytes at and beyond size. Used on load when the
// control record claims less than the file holds.
func (p *Pool) Truncate(size int) error {
	if size >= p.Size() {
		return nil
	}
	return p.vec.Resize(size)
}

// Sync flushes the arena to disk.
func (p *Pool) Sync() error { return p.vec.Sync() }

// Close syncs and unmaps the arena.
func (p *Pool) Close() error { return p.vec.Close() }
