// Package symtab maps small integer ids to interned symbol strings with
// O(1) lookup in both directions. Symbols live in a null-terminated
// string arena so the id assignment can be recovered on load by walking
// the arena in insertion order.
package symtab

import (
	"github.com/23skdu/crossbow/internal/diskvec"
	xerrors "github.com/23skdu/crossbow/internal/errors"
	"github.com/23skdu/crossbow/internal/strpool"
)

// Table interns symbols for an 8-bit id space.
type Table[ID ~uint8] struct {
	pool     *strpool.Pool
	idToName []strpool.Handle
	nameToID *strpool.HandleMap[ID]
}

// New returns a closed table with the given arena growth granularity.
func New[ID ~uint8](chunkBytes int) *Table[ID] {
	pool := strpool.NewPool(chunkBytes, true)
	return &Table[ID]{
		pool:     pool,
		nameToID: strpool.NewHandleMap[ID](pool),
	}
}

// Open maps the symbol arena. On Create the defaults are added in order,
// assigning ids 0..len(defaults)-1. On Load the ids are recovered by
// iterating the arena in insertion order.
func (t *Table[ID]) Open(path string, mode diskvec.Mode, defaults []string) (diskvec.OpenCode, error) {
	code, err := t.pool.Open(path, mode)
	if err != nil {
		return code, err
	}
	t.idToName = t.idToName[:0]
	t.nameToID.Clear()

	switch code {
	case diskvec.LoadSuccess:
		handles, err := t.pool.Handles()
		if err != nil {
			return diskvec.OpenFailed, err
		}
		if len(handles) > maxSymbols[ID]() {
			return diskvec.OpenFailed, xerrors.NewCorruptionError("symtab.open", "too many symbols for id width").
				WithContext("count", len(handles))
		}
		for i, h := range handles {
			t.idToName = append(t.idToName, h)
			t.nameToID.Put(h, ID(i))
		}
	case diskvec.CreateSuccess:
		for _, s := range defaults {
			if _, _, err := t.Add(s); err != nil {
				return diskvec.OpenFailed, err
			}
		}
	}
	return code, nil
}

func maxSymbols[ID ~uint8]() int { return int(^ID(0)) + 1 }

// Len returns the number of interned symbols.
func (t *Table[ID]) Len() int { return len(t.idToName) }

// Get returns the symbol string for id.
func (t *Table[ID]) Get(id ID) string {
	return t.pool.Get(t.idToName[id])
}

// ID returns the id for a symbol, if interned.
func (t *Table[ID]) ID(symbol string) (ID, bool) {
	return t.nameToID.GetString(symbol)
}

// Add interns the symbol and returns its id. Adding an existing symbol
// returns the existing id with inserted == false.
func (t *Table[ID]) Add(symbol string) (ID, bool, error) {
	if id, ok := t.nameToID.GetString(symbol); ok {
		return id, false, nil
	}
	if len(t.idToName) >= maxSymbols[ID]() {
		return 0, false, xerrors.NewUsageError("symtab.add", "symbol table full").
			WithContext("symbol", symbol)
	}
	h, err := t.pool.Add(symbol)
	if err != nil {
		return 0, false, err
	}
	id := ID(len(t.idToName))
	t.idToName = append(t.idToName, h)
	t.nameToID.Put(h, id)
	return id, true, nil
}

// TruncateTo drops symbols with ids >= n. Used on load when the control
// record claims fewer symbols than the arena holds.
func (t *Table[ID]) TruncateTo(n int) error {
	if n >= len(t.idToName) {
		return nil
	}
	end := 0
	if n > 0 {
		last := t.idToName[n-1]
		end = int(last.Offset) + int(last.Length) + 1
	}
	if err := t.pool.Truncate(end); err != nil {
		return err
	}
	t.idToName = t.idToName[:n]
	t.nameToID.Clear()
	for i, h := range t.idToName {
		t.nameToID.Put(h, ID(i))
	}
	return nil
}

// Sync flushes the arena.
func (t *Table[ID]) Sync() error { return t.pool.Sync() }

// Close syncs and unmaps the arena.
func (t *Table[ID]) Close() error { return t.pool.Close() }
