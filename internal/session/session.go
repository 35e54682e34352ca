package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kgbplus/tnfsd/internal/dirhandle"
	"github.com/kgbplus/tnfsd/internal/vfs"
)

// Transport identifies which listener a session was bound from.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
)

// Session is the server-side state for one mounted client, matching
// spec.md §3's attribute list.
type Session struct {
	SID         uint16
	Addr        net.Addr
	Transport   Transport
	Root        string
	TraceID     string // per-session unique id; not on the wire and not included in any log line
	Mountpoint  string

	mu          sync.Mutex
	lastContact time.Time

	ReplyCache ReplyCache
	fileHandles fileTable
	dirHandles  dirTable
}

// newSession constructs a session bound to addr over transport, exporting
// root, with a fresh trace id (SIDs wrap and get reused, a trace id does
// not). The wire protocol never sees the trace id, and no log line
// includes it.
func newSession(sid uint16, addr net.Addr, transport Transport, root, mountpoint string) *Session {
	return &Session{
		SID:         sid,
		Addr:        addr,
		Transport:   transport,
		Root:        root,
		Mountpoint:  mountpoint,
		TraceID:     uuid.NewString(),
		lastContact: time.Now(),
	}
}

// Touch stamps last-contact to now (called by the dispatcher on every
// packet addressed to this session).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastContact = time.Now()
	s.mu.Unlock()
}

// LastContact returns the last-contact timestamp.
func (s *Session) LastContact() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContact
}

// Close releases every file and directory handle the session owns. Safe to
// call more than once.
func (s *Session) Close() {
	s.fileHandles.CloseAll()
	s.dirHandles.CloseAll()
}

// AllocFile/GetFile/FreeFile and AllocDir/GetDir/FreeDir forward to the
// embedded fixed-size tables; exported here so the dispatcher never reaches
// into Session's unexported fields directly.

func (s *Session) AllocFile(h vfs.Handle) (int, error) { return s.fileHandles.Alloc(h) }
func (s *Session) GetFile(idx int) (vfs.Handle, bool)  { return s.fileHandles.Get(idx) }
func (s *Session) FreeFile(idx int)                    { s.fileHandles.Free(idx) }

func (s *Session) AllocDir(c *dirhandle.Cursor) (int, error) { return s.dirHandles.Alloc(c) }
func (s *Session) GetDir(idx int) (*dirhandle.Cursor, bool)  { return s.dirHandles.Get(idx) }
func (s *Session) FreeDir(idx int)                           { s.dirHandles.Free(idx) }
