// Package dirhandle implements the directory cursor: a stable snapshot of a
// directory's children taken at OPENDIR/OPENDIRX time, with synthesized
// dot entries. The cursor stores a signed counter (-2 for '.', -1 for '..')
// and exposes it through the tagged Position variant that spec.md §9
// recommends.
package dirhandle

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/kgbplus/tnfsd/internal/vfs"
)

// Position is a tagged cursor state, as suggested by spec.md §9:
// {Dot, DotDot, At(index), Done}.
type Position struct {
	kind positionKind
	idx  int // valid only when kind == positionAt
}

type positionKind int

const (
	positionDot positionKind = iota
	positionDotDot
	positionAt
	positionDone
)

// DotPosition, DotDotPosition, and DonePosition are the three non-indexed
// cursor states.
var (
	DotPosition    = Position{kind: positionDot}
	DotDotPosition = Position{kind: positionDotDot}
	DonePosition   = Position{kind: positionDone}
)

// AtPosition returns the tagged state for a real snapshot index.
func AtPosition(i int) Position { return Position{kind: positionAt, idx: i} }

// Cursor is the server-side state of one OPENDIR/OPENDIRX handle. The
// snapshot is captured once, at open time, and never re-read from the host
// directory for the lifetime of the handle (spec.md §3 "Directory Cursor"
// invariant).
type Cursor struct {
	Path     string
	Entries  []vfs.FileInfo // stable snapshot
	pos      int32          // -2=dot, -1=dotdot, 0..N-1=index into Entries, N=done
	Pattern  string
	MaxCap   int
}

// Open snapshots the directory's entries. order controls sort behaviour:
// OrderDefault leaves host enumeration order (legacy OPENDIR); OrderByName
// sorts case-insensitively by name (OPENDIRX default).
type Order int

const (
	OrderDefault Order = iota
	OrderByName
)

// NewCursor builds a cursor over entries already filtered/sorted by the
// caller (OpenFiltered does that for OPENDIRX; plain Open below covers the
// legacy, unfiltered OPENDIR case).
func NewCursor(path string, entries []vfs.FileInfo) *Cursor {
	return &Cursor{Path: path, Entries: entries, pos: -2}
}

// Open takes a raw entry listing (as returned by vfs.Adapter.List) and
// applies ordering only; no glob filtering, no result cap — this is the
// legacy OPENDIR contract.
func Open(path string, entries []vfs.FileInfo, order Order) *Cursor {
	out := make([]vfs.FileInfo, len(entries))
	copy(out, entries)
	if order == OrderByName {
		sortByName(out)
	}
	return NewCursor(path, out)
}

// OpenFiltered applies an optional glob pattern and an optional result cap
// on top of ordering, for OPENDIRX.
func OpenFiltered(path string, entries []vfs.FileInfo, order Order, pattern string, maxResults int) *Cursor {
	filtered := entries
	if pattern != "" {
		filtered = make([]vfs.FileInfo, 0, len(entries))
		for _, e := range entries {
			if ok, _ := matchGlob(pattern, e.Name); ok {
				filtered = append(filtered, e)
			}
		}
	} else {
		tmp := make([]vfs.FileInfo, len(entries))
		copy(tmp, entries)
		filtered = tmp
	}
	if order == OrderByName {
		sortByName(filtered)
	}
	if maxResults > 0 && len(filtered) > maxResults {
		filtered = filtered[:maxResults]
	}
	c := NewCursor(path, filtered)
	c.Pattern = pattern
	c.MaxCap = maxResults
	return c
}

func sortByName(entries []vfs.FileInfo) {
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

func matchGlob(pattern, name string) (bool, error) {
	return filepath.Match(pattern, name)
}

// Tell returns the current cursor position as the tagged Position variant.
func (c *Cursor) Tell() Position {
	switch {
	case c.pos == -2:
		return DotPosition
	case c.pos == -1:
		return DotDotPosition
	case int(c.pos) >= len(c.Entries):
		return DonePosition
	default:
		return AtPosition(int(c.pos))
	}
}

// TellWire returns the position the way TELLDIR reports it on the wire: a
// uint32 where dot/dotdot occupy the two values immediately below 0 wrapped
// into the unsigned space is avoided — instead TELLDIR reports the raw
// signed cursor shifted so 0 means "before the first real entry" is not
// representable pre-dot; per spec.md §4.5 TELLDIR returns "the current
// cursor position as a 32-bit unsigned integer", so we report the internal
// monotone counter directly (0 at the '.' state, 1 at '..', 2+ into
// Entries), which SEEKDIR below accepts back symmetrically.
func (c *Cursor) TellWire() uint32 {
	return uint32(c.pos + 2)
}

// SeekWire sets the cursor from a TELLDIR-style wire position, clamping to
// [0, len(Entries)+2] (i.e. from the '.' state to the done state) per
// spec.md §4.5.
func (c *Cursor) SeekWire(wirePos uint32) {
	p := int64(wirePos) - 2
	min := int64(-2)
	max := int64(len(c.Entries))
	if p < min {
		p = min
	}
	if p > max {
		p = max
	}
	c.pos = int32(p)
}

// ErrEOF is returned by Next once the cursor has been exhausted.
var ErrEOF = errEOF{}

type errEOF struct{}

func (errEOF) Error() string { return "dirhandle: end of directory" }

// Next advances the cursor and returns the next logical entry: first Dot,
// then DotDot, then the snapshot entries in order. dotInfo/dotDotInfo
// supply the metadata for the synthesized entries (stat of the directory
// itself and its parent respectively); callers that can't stat the parent
// pass a zero-value FileInfo, matching the reference daemon's fallback.
func (c *Cursor) Next(dotInfo, dotDotInfo vfs.FileInfo) (vfs.FileInfo, string, error) {
	switch c.Tell() {
	case DotPosition:
		c.pos++
		return dotInfo, ".", nil
	case DotDotPosition:
		c.pos++
		return dotDotInfo, "..", nil
	case DonePosition:
		return vfs.FileInfo{}, "", ErrEOF
	default:
		e := c.Entries[c.pos]
		c.pos++
		return e, e.Name, nil
	}
}

// Remaining reports how many snapshot entries (excluding dot/dotdot) are
// still unread from the current position.
func (c *Cursor) Remaining() int {
	if c.pos < 0 {
		return len(c.Entries)
	}
	if int(c.pos) >= len(c.Entries) {
		return 0
	}
	return len(c.Entries) - int(c.pos)
}

// AtEnd reports whether the cursor has consumed the whole snapshot
// (dot/dotdot included).
func (c *Cursor) AtEnd() bool {
	return c.Tell() == DonePosition
}
