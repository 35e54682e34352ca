package dispatcher

import (
	"net"
	"testing"
	"time"

	"github.com/kgbplus/tnfsd/internal/session"
	"github.com/kgbplus/tnfsd/internal/vfs"
	"github.com/kgbplus/tnfsd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(t *testing.T, port int) net.Addr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr.Port = port
	return addr
}

func mountPayload(version uint16, mountpoint, user, pass string) []byte {
	payload := []byte{byte(version), byte(version >> 8)}
	payload = wire.PutNulString(payload, mountpoint)
	payload = wire.PutNulString(payload, user)
	payload = wire.PutNulString(payload, pass)
	return payload
}

func newTestDispatcher(idleTimeout time.Duration) (*Dispatcher, *vfs.Memory) {
	fs := vfs.NewMemory()
	d := &Dispatcher{
		Root:     "/",
		FS:       fs,
		Sessions: session.NewManager(idleTimeout),
	}
	return d, fs
}

func mustMount(t *testing.T, d *Dispatcher, addr net.Addr) uint16 {
	t.Helper()
	req := wire.EncodeRequest(0, 0, wire.CmdMount, mountPayload(2, "/", "user", "pass"))
	resp := d.Dispatch(addr, session.TransportUDP, req)
	require.NotNil(t, resp)
	hdr, _, err := decodeResponse(resp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, hdr.status)
	return hdr.sid
}

type respHeader struct {
	sid    uint16
	seq    uint8
	cmd    wire.Command
	status wire.Status
}

func decodeResponse(data []byte) (respHeader, []byte, error) {
	if len(data) < wire.ResponseHeaderSize {
		return respHeader{}, nil, wire.ErrMalformedHeader
	}
	h := respHeader{
		sid:    uint16(data[0]) | uint16(data[1])<<8,
		seq:    data[2],
		cmd:    wire.Command(data[3]),
		status: wire.Status(data[4]),
	}
	return h, data[wire.ResponseHeaderSize:], nil
}

func TestMountReturnsFixedProtocolPayload(t *testing.T) {
	d, _ := newTestDispatcher(time.Hour)
	addr := testAddr(t, 9001)

	req := wire.EncodeRequest(0, 0, wire.CmdMount, mountPayload(2, "/", "user", "pass"))
	resp := d.Dispatch(addr, session.TransportUDP, req)
	require.NotNil(t, resp)

	hdr, payload, err := decodeResponse(resp)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(0), hdr.sid)
	assert.Equal(t, uint8(0), hdr.seq)
	assert.Equal(t, wire.CmdMount, hdr.cmd)
	assert.Equal(t, wire.Success, hdr.status)
	assert.Equal(t, []byte{0x02, 0x01, 0xE8, 0x03}, payload)
}

func TestOpendirReaddirDotEntriesThenEOFOnEmptyRoot(t *testing.T) {
	d, _ := newTestDispatcher(time.Hour)
	addr := testAddr(t, 9002)
	sid := mustMount(t, d, addr)

	openReq := wire.EncodeRequest(sid, 1, wire.CmdOpendir, wire.PutNulString(nil, "/"))
	openResp := d.Dispatch(addr, session.TransportUDP, openReq)
	hdr, payload, err := decodeResponse(openResp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, hdr.status)
	require.Len(t, payload, 1)
	handle := payload[0]

	readReq := wire.EncodeRequest(sid, 2, wire.CmdReaddir, []byte{handle})
	r1, _, err := decodeResponse(d.Dispatch(addr, session.TransportUDP, readReq))
	require.NoError(t, err)
	assert.Equal(t, wire.Success, r1.status)

	readReq2 := wire.EncodeRequest(sid, 3, wire.CmdReaddir, []byte{handle})
	r2, _, err := decodeResponse(d.Dispatch(addr, session.TransportUDP, readReq2))
	require.NoError(t, err)
	assert.Equal(t, wire.Success, r2.status)

	readReq3 := wire.EncodeRequest(sid, 4, wire.CmdReaddir, []byte{handle})
	r3, _, err := decodeResponse(d.Dispatch(addr, session.TransportUDP, readReq3))
	require.NoError(t, err)
	assert.Equal(t, wire.StatusEOF, r3.status)
}

func TestOpenfileReadblockThenZeroLengthSuccess(t *testing.T) {
	d, fs := newTestDispatcher(time.Hour)
	fs.PutFile("/readme.txt", make([]byte, 600))
	addr := testAddr(t, 9003)
	sid := mustMount(t, d, addr)

	openPayload := append([]byte{0x01, 0x00, 0xA4, 0x01}, wire.PutNulString(nil, "/readme.txt")...)
	openResp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 1, wire.CmdOpenfile, openPayload))
	hdr, payload, err := decodeResponse(openResp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, hdr.status)
	require.Len(t, payload, 1)
	fd := payload[0]

	readPayload := []byte{fd, 0x00, 0x02} // size=512 LE
	readResp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 2, wire.CmdReadblock, readPayload))
	rh, rpayload, err := decodeResponse(readResp)
	require.NoError(t, err)
	require.Equal(t, wire.Success, rh.status)
	require.GreaterOrEqual(t, len(rpayload), 2)
	n := int(uint16(rpayload[0]) | uint16(rpayload[1])<<8)
	assert.Equal(t, 512, n)

	read2Resp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 3, wire.CmdReadblock, readPayload))
	r2h, r2payload, err := decodeResponse(read2Resp)
	require.NoError(t, err)
	assert.Equal(t, wire.Success, r2h.status)
	n2 := int(uint16(r2payload[0]) | uint16(r2payload[1])<<8)
	assert.Equal(t, 88, n2) // remaining 600-512 bytes

	read3Resp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 4, wire.CmdReadblock, readPayload))
	r3h, r3payload, err := decodeResponse(read3Resp)
	require.NoError(t, err)
	assert.Equal(t, wire.Success, r3h.status)
	require.GreaterOrEqual(t, len(r3payload), 2)
	n3 := int(uint16(r3payload[0]) | uint16(r3payload[1])<<8)
	assert.Equal(t, 0, n3) // at end of file: zero-length SUCCESS
}

func TestOpendirPathEscapeRejected(t *testing.T) {
	d, _ := newTestDispatcher(time.Hour)
	// Under a root of "/" a leading ".." is clamped at the root itself, so
	// export a nested root to make "/../etc" an actual escape.
	d.Root = "/export"
	addr := testAddr(t, 9004)
	sid := mustMount(t, d, addr)

	req := wire.EncodeRequest(sid, 1, wire.CmdOpendir, wire.PutNulString(nil, "/../etc"))
	hdr, _, err := decodeResponse(d.Dispatch(addr, session.TransportUDP, req))
	require.NoError(t, err)
	assert.Equal(t, wire.EACCES, hdr.status)
}

func TestRetransmitReturnsByteIdenticalResponse(t *testing.T) {
	d, fs := newTestDispatcher(time.Hour)
	fs.PutFile("/readme.txt", []byte("hello world"))
	addr := testAddr(t, 9005)
	sid := mustMount(t, d, addr)

	openPayload := append([]byte{0x01, 0x00, 0xA4, 0x01}, wire.PutNulString(nil, "/readme.txt")...)
	openResp := d.Dispatch(addr, session.TransportUDP, wire.EncodeRequest(sid, 1, wire.CmdOpenfile, openPayload))
	_, openBody, err := decodeResponse(openResp)
	require.NoError(t, err)
	fd := openBody[0]

	readReq := wire.EncodeRequest(sid, 2, wire.CmdReadblock, []byte{fd, 0x00, 0x02})
	first := d.Dispatch(addr, session.TransportUDP, readReq)
	second := d.Dispatch(addr, session.TransportUDP, readReq) // same seq: retransmit
	assert.Equal(t, first, second)
}

func TestIdleSessionExpiresAndRemountGetsNewSID(t *testing.T) {
	d, _ := newTestDispatcher(10 * time.Millisecond)
	addr := testAddr(t, 9006)
	sid := mustMount(t, d, addr)

	time.Sleep(30 * time.Millisecond)
	d.Sessions.Sweep()

	req := wire.EncodeRequest(sid, 1, wire.CmdOpendir, wire.PutNulString(nil, "/"))
	resp := d.Dispatch(addr, session.TransportUDP, req)
	assert.Nil(t, resp, "command against an expired session must be dropped silently")

	newSID := mustMount(t, d, addr)
	assert.NotEqual(t, sid, newSID)
}

func TestChmodfileRespondsENOSYS(t *testing.T) {
	d, _ := newTestDispatcher(time.Hour)
	addr := testAddr(t, 9007)
	sid := mustMount(t, d, addr)

	req := wire.EncodeRequest(sid, 1, wire.CmdChmodfile, wire.PutNulString(nil, "/readme.txt"))
	hdr, _, err := decodeResponse(d.Dispatch(addr, session.TransportUDP, req))
	require.NoError(t, err)
	assert.Equal(t, wire.ENOSYS, hdr.status)
}

func TestUnknownCommandRespondsENOSYS(t *testing.T) {
	d, _ := newTestDispatcher(time.Hour)
	addr := testAddr(t, 9008)
	sid := mustMount(t, d, addr)

	req := wire.EncodeRequest(sid, 1, wire.Command(0xFF), nil)
	hdr, _, err := decodeResponse(d.Dispatch(addr, session.TransportUDP, req))
	require.NoError(t, err)
	assert.Equal(t, wire.ENOSYS, hdr.status)
}
