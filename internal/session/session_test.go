package session

import (
	"net"
	"testing"
	"time"

	"github.com/kgbplus/tnfsd/internal/dirhandle"
	"github.com/kgbplus/tnfsd/internal/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(t *testing.T) net.Addr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:16384")
	require.NoError(t, err)
	return addr
}

func TestNewSessionDefaults(t *testing.T) {
	s := newSession(7, testAddr(t), TransportUDP, "/export", "/")
	assert.Equal(t, uint16(7), s.SID)
	assert.NotEmpty(t, s.TraceID)
	assert.WithinDuration(t, time.Now(), s.LastContact(), time.Second)
}

func TestTouchUpdatesLastContact(t *testing.T) {
	s := newSession(1, testAddr(t), TransportUDP, "/export", "/")
	first := s.LastContact()
	time.Sleep(time.Millisecond)
	s.Touch()
	assert.True(t, s.LastContact().After(first) || s.LastContact().Equal(first))
}

func TestFileHandleLifecycle(t *testing.T) {
	s := newSession(1, testAddr(t), TransportUDP, "/export", "/")
	idx, err := s.AllocFile(&stubHandle{})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	h, ok := s.GetFile(idx)
	require.True(t, ok)
	assert.NotNil(t, h)

	s.FreeFile(idx)
	_, ok = s.GetFile(idx)
	assert.False(t, ok)
}

func TestFileHandleTableFull(t *testing.T) {
	s := newSession(1, testAddr(t), TransportUDP, "/export", "/")
	for i := 0; i < MaxFileHandles; i++ {
		_, err := s.AllocFile(&stubHandle{})
		require.NoError(t, err)
	}
	_, err := s.AllocFile(&stubHandle{})
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestDirHandleLifecycle(t *testing.T) {
	s := newSession(1, testAddr(t), TransportUDP, "/export", "/")
	c := dirhandle.NewCursor("/export", nil)
	idx, err := s.AllocDir(c)
	require.NoError(t, err)

	got, ok := s.GetDir(idx)
	require.True(t, ok)
	assert.Same(t, c, got)

	s.FreeDir(idx)
	_, ok = s.GetDir(idx)
	assert.False(t, ok)
}

func TestCloseReleasesAllHandles(t *testing.T) {
	s := newSession(1, testAddr(t), TransportUDP, "/export", "/")
	fh := &stubHandle{}
	idx, err := s.AllocFile(fh)
	require.NoError(t, err)

	s.Close()

	_, ok := s.GetFile(idx)
	assert.False(t, ok)
	assert.True(t, fh.closed)
}

func TestReplyCacheFieldRoundTrip(t *testing.T) {
	s := newSession(1, testAddr(t), TransportUDP, "/export", "/")
	s.ReplyCache.Store(3, []byte{1, 2, 3})
	resp, ok := s.ReplyCache.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, resp)
}

type stubHandle struct {
	closed bool
}

func (h *stubHandle) Read(n int) ([]byte, error)            { return nil, nil }
func (h *stubHandle) Write(p []byte) (int, error)           { return len(p), nil }
func (h *stubHandle) Seek(offset int64, whence int) (int64, error) { return 0, nil }
func (h *stubHandle) Close() error                          { h.closed = true; return nil }

var _ vfs.Handle = (*stubHandle)(nil)
