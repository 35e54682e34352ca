package dispatcher

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kgbplus/tnfsd/fstest"
	"github.com/kgbplus/tnfsd/internal/session"
	"github.com/kgbplus/tnfsd/internal/vfs"
	"github.com/kgbplus/tnfsd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLocalAdapterEndToEnd exercises MOUNT, OPENFILE, WRITEBLOCK, SEEKFILE
// and READBLOCK against a real on-disk export root rather than the
// in-memory adapter, to catch anything the memory fake papers over (flag
// translation, host path separators, actual file contents).
func TestLocalAdapterEndToEnd(t *testing.T) {
	root, cleanup := fstest.TempRoot(t)
	defer cleanup()

	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.txt"), []byte("0123456789"), 0o644))

	d := &Dispatcher{
		Root:     root,
		FS:       vfs.NewLocal(),
		Sessions: session.NewManager(time.Hour),
	}
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9100")
	require.NoError(t, err)
	sid := mustMount(t, d, addr)

	// Create and write a new file.
	openPayload := append([]byte{0x03, 0x01, 0xA4, 0x01}, wire.PutNulString(nil, "/new.txt")...) // RDWR|CREATE, mode 0644
	openResp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 1, wire.CmdOpenfile, openPayload))
	hdr, body, err := decodeResponse(openResp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, hdr.status)
	fd := body[0]

	payload := []byte("hello tnfs")
	writePayload := append([]byte{fd, byte(len(payload)), byte(len(payload) >> 8)}, payload...)
	writeResp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 2, wire.CmdWriteblock, writePayload))
	wh, wpayload, err := decodeResponse(writeResp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, wh.status)
	assert.Equal(t, len(payload), int(uint16(wpayload[0])|uint16(wpayload[1])<<8))

	closeResp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 3, wire.CmdClosefile, []byte{fd}))
	ch, _, err := decodeResponse(closeResp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, ch.status)

	onDisk, err := os.ReadFile(filepath.Join(root, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello tnfs", string(onDisk))

	// Read back the pre-existing file via SEEKFILE + READBLOCK.
	openExisting := append([]byte{0x01, 0x00, 0xA4, 0x01}, wire.PutNulString(nil, "/existing.txt")...)
	openResp2 := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 4, wire.CmdOpenfile, openExisting))
	h2, b2, err := decodeResponse(openResp2)
	require.NoError(t, err)
	require.Equal(t, wire.Success, h2.status)
	fd2 := b2[0]

	seekPayload := []byte{fd2, 0x00, 5, 0, 0, 0} // SET, offset=5
	seekResp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 5, wire.CmdSeekfile, seekPayload))
	sh, spayload, err := decodeResponse(seekResp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, sh.status)
	assert.Equal(t, uint32(5), uint32(spayload[0])|uint32(spayload[1])<<8|uint32(spayload[2])<<16|uint32(spayload[3])<<24)

	readResp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 6, wire.CmdReadblock, []byte{fd2, 0x00, 0x02}))
	rh, rpayload, err := decodeResponse(readResp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, rh.status)
	n := int(uint16(rpayload[0]) | uint16(rpayload[1])<<8)
	assert.Equal(t, "56789", string(rpayload[2:2+n]))
}

// TestLocalAdapterPathEscapeRejected confirms the jail check holds for the
// real filesystem adapter too, not just the lexical Resolve helper.
func TestLocalAdapterPathEscapeRejected(t *testing.T) {
	root, cleanup := fstest.TempRoot(t)
	defer cleanup()

	d := &Dispatcher{
		Root:     root,
		FS:       vfs.NewLocal(),
		Sessions: session.NewManager(time.Hour),
	}
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9101")
	require.NoError(t, err)
	sid := mustMount(t, d, addr)

	req := wire.EncodeRequest(sid, 1, wire.CmdStatfile, wire.PutNulString(nil, "/../../etc/passwd"))
	hdr, _, err := decodeResponse(d.Dispatch(addr, session.TransportUDP, req))
	require.NoError(t, err)
	assert.Equal(t, wire.EACCES, hdr.status)
}
