package session

import (
	"fmt"

	"github.com/kgbplus/tnfsd/internal/dirhandle"
	"github.com/kgbplus/tnfsd/internal/vfs"
)

// MaxFileHandles and MaxDirHandles are the fixed per-session capacities from
// spec.md §3/§5 (MAX_FD_PER_CONN / MAX_DHND_PER_CONN).
const (
	MaxFileHandles = 16
	MaxDirHandles  = 8
)

// ErrTableFull is returned by Alloc when every slot is occupied.
var ErrTableFull = fmt.Errorf("session: handle table full")

// fileTable is a fixed-size array of optional open handles, indexed by the
// slot number that travels on the wire — a first-free-slot allocator over
// an array, exactly the structure spec.md §9 asks for in place of a hash
// map, mirroring Session.fd in the reference daemon.
type fileTable struct {
	slots [MaxFileHandles]vfs.Handle
}

func (t *fileTable) Alloc(h vfs.Handle) (int, error) {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = h
			return i, nil
		}
	}
	return 0, ErrTableFull
}

func (t *fileTable) Get(idx int) (vfs.Handle, bool) {
	if idx < 0 || idx >= MaxFileHandles || t.slots[idx] == nil {
		return nil, false
	}
	return t.slots[idx], true
}

func (t *fileTable) Free(idx int) {
	if idx < 0 || idx >= MaxFileHandles {
		return
	}
	t.slots[idx] = nil
}

// CloseAll closes every live handle, ignoring individual close errors (used
// on session teardown; a close failure there has no client to report to).
func (t *fileTable) CloseAll() {
	for i, s := range t.slots {
		if s != nil {
			_ = s.Close()
			t.slots[i] = nil
		}
	}
}

// dirTable is the directory-cursor analogue of fileTable.
type dirTable struct {
	slots [MaxDirHandles]*dirhandle.Cursor
}

func (t *dirTable) Alloc(c *dirhandle.Cursor) (int, error) {
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = c
			return i, nil
		}
	}
	return 0, ErrTableFull
}

func (t *dirTable) Get(idx int) (*dirhandle.Cursor, bool) {
	if idx < 0 || idx >= MaxDirHandles || t.slots[idx] == nil {
		return nil, false
	}
	return t.slots[idx], true
}

func (t *dirTable) Free(idx int) {
	if idx < 0 || idx >= MaxDirHandles {
		return
	}
	t.slots[idx] = nil
}

func (t *dirTable) CloseAll() {
	for i := range t.slots {
		t.slots[i] = nil
	}
}
