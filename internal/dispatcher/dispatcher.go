// Package dispatcher implements spec.md §4.8: decode a request, resolve its
// session, route by command, and produce exactly one response. It is the
// only component that knows how to translate between wire bytes, the
// path-jailed VFS, and the session/handle state the other packages own.
package dispatcher

import (
	"errors"
	"io"
	"net"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kgbplus/tnfsd/internal/dirhandle"
	"github.com/kgbplus/tnfsd/internal/log"
	"github.com/kgbplus/tnfsd/internal/metrics"
	"github.com/kgbplus/tnfsd/internal/pathjail"
	"github.com/kgbplus/tnfsd/internal/session"
	"github.com/kgbplus/tnfsd/internal/vfs"
	"github.com/kgbplus/tnfsd/internal/wire"
)

// Protocol version advertised in the MOUNT response: 1.2, the version the
// reference daemon speaks.
const (
	protocolVersionMinor = 0x02
	protocolVersionMajor = 0x01
)

// maxIOSize bounds a single READBLOCK/WRITEBLOCK transfer (spec.md §4.8).
const maxIOSize = 512

// readdirxFixedPrefix is READDIRX's response prefix: count, flags, and a
// 16-bit starting position, ahead of the packed entries.
const readdirxFixedPrefix = 4

// Dispatcher ties the session manager, the VFS adapter, and the wire codec
// together.
type Dispatcher struct {
	Root     string
	FS       vfs.Adapter
	Sessions *session.Manager
	Metrics  *metrics.Recorder
}

// Dispatch decodes one request packet addressed from addr over transport
// and returns the bytes to send back, or nil if nothing should be sent.
func (d *Dispatcher) Dispatch(addr net.Addr, transport session.Transport, data []byte) []byte {
	hdr, body, err := wire.DecodeRequestHeader(data)
	if err != nil {
		log.Debugf(addr, "malformed header: %v", err)
		return nil
	}

	if hdr.Cmd == wire.CmdMount {
		return d.handleMount(addr, transport, hdr, body)
	}

	sess, ok := d.Sessions.Lookup(hdr.SID)
	if !ok {
		log.Debugf(addr, "%s against unknown sid 0x%04x dropped", hdr.Cmd, hdr.SID)
		return nil
	}

	if cached, hit := sess.ReplyCache.Lookup(hdr.Seq); hit {
		d.Metrics.ObserveReplyCacheHit()
		return cached
	}

	resp := d.execute(sess, hdr, body)
	sess.ReplyCache.Store(hdr.Seq, resp)
	return resp
}

func (d *Dispatcher) execute(sess *session.Session, hdr wire.RequestHeader, body []byte) []byte {
	status, payload := d.route(sess, hdr.Cmd, body)
	d.Metrics.ObserveRequest(hdr.Cmd.String(), status.String())
	if status != wire.Success {
		payload = nil
	}
	return wire.EncodeResponse(sess.SID, hdr.Seq, hdr.Cmd, status, payload)
}

func (d *Dispatcher) route(sess *session.Session, cmd wire.Command, body []byte) (wire.Status, []byte) {
	switch cmd {
	case wire.CmdUmount:
		return d.handleUmount(sess)
	case wire.CmdOpendir:
		return d.handleOpendir(sess, body)
	case wire.CmdReaddir:
		return d.handleReaddir(sess, body)
	case wire.CmdClosedir:
		return d.handleClosedir(sess, body)
	case wire.CmdMkdir:
		return d.handleMkdir(sess, body)
	case wire.CmdRmdir:
		return d.handleRmdir(sess, body)
	case wire.CmdTelldir:
		return d.handleTelldir(sess, body)
	case wire.CmdSeekdir:
		return d.handleSeekdir(sess, body)
	case wire.CmdOpendirx:
		return d.handleOpendirx(sess, body)
	case wire.CmdReaddirx:
		return d.handleReaddirx(sess, body)
	case wire.CmdOpenfileOld:
		return d.handleOpenfileOld(sess, body)
	case wire.CmdOpenfile:
		return d.handleOpenfile(sess, body)
	case wire.CmdReadblock:
		return d.handleReadblock(sess, body)
	case wire.CmdWriteblock:
		return d.handleWriteblock(sess, body)
	case wire.CmdClosefile:
		return d.handleClosefile(sess, body)
	case wire.CmdStatfile:
		return d.handleStatfile(sess, body)
	case wire.CmdSeekfile:
		return d.handleSeekfile(sess, body)
	case wire.CmdUnlinkfile:
		return d.handleUnlinkfile(sess, body)
	case wire.CmdChmodfile:
		return wire.ENOSYS, nil
	case wire.CmdRenamefile:
		return d.handleRenamefile(sess, body)
	default:
		return wire.ENOSYS, nil
	}
}

// handleMount bypasses session lookup (it is the only command valid
// without one) and creates or rebinds a session. Payload shape follows
// SPEC_FULL.md §14's resolution of spec.md §9's open question:
// [version:u16 LE][mountpoint\0][user\0][pass\0].
func (d *Dispatcher) handleMount(addr net.Addr, transport session.Transport, hdr wire.RequestHeader, body []byte) []byte {
	fail := func(status wire.Status) []byte {
		return wire.EncodeResponse(0, hdr.Seq, hdr.Cmd, status, nil)
	}

	if len(body) < 2 {
		return fail(wire.EINVAL)
	}
	rest := body[2:]
	mountpoint, rest, err := wire.NulString(rest)
	if err != nil {
		return fail(wire.EINVAL)
	}
	user, rest, err := wire.NulString(rest)
	if err != nil {
		return fail(wire.EINVAL)
	}
	if _, _, err = wire.NulString(rest); err != nil { // password: parsed, no policy effect
		return fail(wire.EINVAL)
	}

	sess := d.Sessions.Mount(addr, transport, d.Root, mountpoint)
	log.Logf(addr, "MOUNT %q user=%q -> sid=0x%04x", mountpoint, user, sess.SID)
	d.Metrics.SetActiveSessions(d.Sessions.Count())

	retryMS := uint16(session.DefaultRetryTimeout / time.Millisecond)
	payload := []byte{protocolVersionMinor, protocolVersionMajor}
	payload = append(payload, le16(retryMS)...)

	d.Metrics.ObserveRequest(hdr.Cmd.String(), wire.Success.String())
	return wire.EncodeResponse(sess.SID, hdr.Seq, hdr.Cmd, wire.Success, payload)
}

func (d *Dispatcher) handleUmount(sess *session.Session) (wire.Status, []byte) {
	d.Sessions.Unmount(sess.SID)
	d.Metrics.SetActiveSessions(d.Sessions.Count())
	return wire.Success, nil
}

func (d *Dispatcher) resolve(sess *session.Session, clientPath string) (string, wire.Status) {
	resolved, err := pathjail.Resolve(sess.Root, clientPath)
	if err != nil {
		return "", wire.EACCES
	}
	return resolved, wire.Success
}

func (d *Dispatcher) handleOpendir(sess *session.Session, body []byte) (wire.Status, []byte) {
	path, _, err := wire.NulString(body)
	if err != nil {
		return wire.EINVAL, nil
	}
	resolved, status := d.resolve(sess, path)
	if status != wire.Success {
		return status, nil
	}
	info, verr := d.FS.Stat(resolved)
	if verr != nil {
		return mapVFSErr(verr), nil
	}
	if !info.IsDir {
		return wire.ENOTDIR, nil
	}
	entries, verr := d.FS.List(resolved)
	if verr != nil {
		return mapVFSErr(verr), nil
	}
	cursor := dirhandle.Open(resolved, entries, dirhandle.OrderDefault)
	idx, err := sess.AllocDir(cursor)
	if err != nil {
		return wire.EMFILE, nil
	}
	return wire.Success, []byte{byte(idx)}
}

// dotEntries stats a directory and its parent for synthesizing "." and
// "..", tolerating stat failure on either (the legacy daemon falls back to
// zero-value metadata rather than failing the whole read).
func (d *Dispatcher) dotEntries(path string) (vfs.FileInfo, vfs.FileInfo) {
	dot, _ := d.FS.Stat(path)
	dotdot, _ := d.FS.Stat(filepath.Dir(path))
	return dot, dotdot
}

func (d *Dispatcher) handleReaddir(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 1 {
		return wire.EINVAL, nil
	}
	cursor, ok := sess.GetDir(int(body[0]))
	if !ok {
		return wire.EBADF, nil
	}
	dotInfo, dotDotInfo := d.dotEntries(cursor.Path)
	_, name, err := cursor.Next(dotInfo, dotDotInfo)
	if err == dirhandle.ErrEOF {
		return wire.StatusEOF, nil
	}
	return wire.Success, wire.PutNulString(nil, name)
}

func (d *Dispatcher) handleClosedir(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 1 {
		return wire.EINVAL, nil
	}
	sess.FreeDir(int(body[0]))
	return wire.Success, nil
}

func (d *Dispatcher) handleMkdir(sess *session.Session, body []byte) (wire.Status, []byte) {
	path, _, err := wire.NulString(body)
	if err != nil {
		return wire.EINVAL, nil
	}
	resolved, status := d.resolve(sess, path)
	if status != wire.Success {
		return status, nil
	}
	if verr := d.FS.Mkdir(resolved); verr != nil {
		return mapVFSErr(verr), nil
	}
	return wire.Success, nil
}

func (d *Dispatcher) handleRmdir(sess *session.Session, body []byte) (wire.Status, []byte) {
	path, _, err := wire.NulString(body)
	if err != nil {
		return wire.EINVAL, nil
	}
	resolved, status := d.resolve(sess, path)
	if status != wire.Success {
		return status, nil
	}
	if verr := d.FS.Rmdir(resolved); verr != nil {
		return mapVFSErr(verr), nil
	}
	return wire.Success, nil
}

func (d *Dispatcher) handleTelldir(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 1 {
		return wire.EINVAL, nil
	}
	cursor, ok := sess.GetDir(int(body[0]))
	if !ok {
		return wire.EBADF, nil
	}
	return wire.Success, le32(cursor.TellWire())
}

func (d *Dispatcher) handleSeekdir(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 5 {
		return wire.EINVAL, nil
	}
	cursor, ok := sess.GetDir(int(body[0]))
	if !ok {
		return wire.EBADF, nil
	}
	cursor.SeekWire(readLE32(body[1:5]))
	return wire.Success, nil
}

func (d *Dispatcher) handleOpendirx(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 4 {
		return wire.EINVAL, nil
	}
	// body[0] is dir-options, currently unused by this implementation.
	sortOptions := body[1]
	maxResults := int(uint16(body[2]) | uint16(body[3])<<8)
	rest := body[4:]
	pattern, rest, err := wire.NulString(rest)
	if err != nil {
		return wire.EINVAL, nil
	}
	path, _, err := wire.NulString(rest)
	if err != nil {
		return wire.EINVAL, nil
	}
	resolved, status := d.resolve(sess, path)
	if status != wire.Success {
		return status, nil
	}
	info, verr := d.FS.Stat(resolved)
	if verr != nil {
		return mapVFSErr(verr), nil
	}
	if !info.IsDir {
		return wire.ENOTDIR, nil
	}
	entries, verr := d.FS.List(resolved)
	if verr != nil {
		return mapVFSErr(verr), nil
	}
	// Sort option 0 is "by name"; anything else is unsorted passthrough,
	// per SPEC_FULL.md §14's resolution of this open question.
	order := dirhandle.OrderDefault
	if sortOptions == 0 {
		order = dirhandle.OrderByName
	}
	cursor := dirhandle.OpenFiltered(resolved, entries, order, pattern, maxResults)
	idx, err := sess.AllocDir(cursor)
	if err != nil {
		return wire.EMFILE, nil
	}
	payload := []byte{byte(idx)}
	payload = append(payload, le16(uint16(len(cursor.Entries)))...)
	return wire.Success, payload
}

func (d *Dispatcher) handleReaddirx(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 2 {
		return wire.EINVAL, nil
	}
	cursor, ok := sess.GetDir(int(body[0]))
	if !ok {
		return wire.EBADF, nil
	}
	requested := int(body[1])
	startPos := cursor.TellWire()
	dotInfo, dotDotInfo := d.dotEntries(cursor.Path)

	var entries []byte
	count := 0
	eof := false
	for requested == 0 || count < requested {
		info, name, err := cursor.Next(dotInfo, dotDotInfo)
		if err == dirhandle.ErrEOF {
			eof = true
			break
		}
		enc := encodeDirEntry(info, name)
		if readdirxFixedPrefix+len(entries)+len(enc) > wire.MaxPayload {
			// Doesn't fit this response; rewind so the next call
			// starts from the entry we just read but didn't pack.
			cursor.SeekWire(startPos + uint32(count))
			break
		}
		entries = append(entries, enc...)
		count++
	}

	flags := byte(0)
	if eof {
		flags |= 0x01
	}
	payload := []byte{byte(count), flags}
	payload = append(payload, le16(uint16(startPos))...)
	payload = append(payload, entries...)
	return wire.Success, payload
}

func encodeDirEntry(info vfs.FileInfo, name string) []byte {
	flags := byte(0)
	if info.IsDir {
		flags |= 0x01
	}
	if len(name) > 0 && name[0] == '.' && name != "." && name != ".." {
		flags |= 0x02
	}
	if len(name) > 255 {
		name = name[:255]
	}
	out := []byte{flags}
	out = append(out, le32(uint32(info.Size))...)
	out = append(out, le32(uint32(info.ModTime.Unix()))...)
	out = append(out, le32(uint32(info.ChangeTime.Unix()))...)
	return wire.PutNulString(out, name)
}

func (d *Dispatcher) handleOpenfileOld(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 3 {
		return wire.EINVAL, nil
	}
	// Legacy flags are narrower than the current OPENFILE bitfield;
	// translate and inject the default mode 0644, matching the reference
	// daemon's handle_openfile_old.
	flagsLo := body[0]
	flagsHi := body[1]
	if flagsHi&0x01 != 0 {
		flagsLo &= 0x08
	}
	translated := []byte{flagsLo, (flagsHi >> 1) & 0xFF, 0xA4, 0x01}
	translated = append(translated, body[2:]...)
	return d.handleOpenfile(sess, translated)
}

func (d *Dispatcher) handleOpenfile(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 4 {
		return wire.EINVAL, nil
	}
	flags := uint16(body[0]) | uint16(body[1])<<8
	mode := uint16(body[2]) | uint16(body[3])<<8
	path, _, err := wire.NulString(body[4:])
	if err != nil {
		return wire.EINVAL, nil
	}
	resolved, status := d.resolve(sess, path)
	if status != wire.Success {
		return status, nil
	}

	handle, verr := d.FS.Open(resolved, translateOpenFlags(flags), uint32(mode))
	if verr != nil {
		return mapVFSErr(verr), nil
	}
	idx, err := sess.AllocFile(handle)
	if err != nil {
		_ = handle.Close()
		return wire.EMFILE, nil
	}
	return wire.Success, []byte{byte(idx)}
}

func translateOpenFlags(flags uint16) int {
	out := 0
	switch flags & 0x0003 {
	case 0x0001:
		out |= vfs.OpenRead
	case 0x0002:
		out |= vfs.OpenWrite
	case 0x0003:
		out |= vfs.OpenRead | vfs.OpenWrite
	}
	if flags&0x0008 != 0 {
		out |= vfs.OpenAppend
	}
	if flags&0x0100 != 0 {
		out |= vfs.OpenCreate
	}
	if flags&0x0200 != 0 {
		out |= vfs.OpenTruncate
	}
	if flags&0x0400 != 0 {
		out |= vfs.OpenExclusive
	}
	return out
}

func (d *Dispatcher) handleReadblock(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 3 {
		return wire.EINVAL, nil
	}
	idx := int(body[0])
	requested := int(uint16(body[1]) | uint16(body[2])<<8)
	if requested > maxIOSize {
		requested = maxIOSize
	}
	h, ok := sess.GetFile(idx)
	if !ok {
		return wire.EBADF, nil
	}
	data, err := h.Read(requested)
	if err != nil && !errors.Is(err, io.EOF) {
		return wire.EIO, nil
	}
	// A zero-length read is reported as SUCCESS with an empty payload
	// (spec.md §7(f) and §8 scenario 3; the original daemon never
	// special-cases EOF here either).
	payload := le16(uint16(len(data)))
	payload = append(payload, data...)
	return wire.Success, payload
}

func (d *Dispatcher) handleWriteblock(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 3 {
		return wire.EINVAL, nil
	}
	idx := int(body[0])
	size := int(uint16(body[1]) | uint16(body[2])<<8)
	if len(body) < 3+size {
		return wire.EINVAL, nil
	}
	h, ok := sess.GetFile(idx)
	if !ok {
		return wire.EBADF, nil
	}
	n, err := h.Write(body[3 : 3+size])
	if err != nil {
		return wire.EIO, nil
	}
	return wire.Success, le16(uint16(n))
}

func (d *Dispatcher) handleClosefile(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 1 {
		return wire.EINVAL, nil
	}
	idx := int(body[0])
	h, ok := sess.GetFile(idx)
	if !ok {
		return wire.EBADF, nil
	}
	_ = h.Close()
	sess.FreeFile(idx)
	return wire.Success, nil
}

func (d *Dispatcher) handleStatfile(sess *session.Session, body []byte) (wire.Status, []byte) {
	path, _, err := wire.NulString(body)
	if err != nil {
		return wire.EINVAL, nil
	}
	resolved, status := d.resolve(sess, path)
	if status != wire.Success {
		return status, nil
	}
	info, verr := d.FS.Stat(resolved)
	if verr != nil {
		return mapVFSErr(verr), nil
	}
	log.Debugf(sess.Addr, "STATFILE %s: sid=0x%04x size=%s", path, sess.SID, humanize.Bytes(uint64(info.Size)))
	payload := le16(uint16(info.Mode))
	payload = append(payload, le16(0)...) // uid: single-user export, always 0
	payload = append(payload, le16(0)...) // gid: ditto
	payload = append(payload, le32(uint32(info.Size))...)
	payload = append(payload, le32(uint32(info.AccessTime.Unix()))...)
	payload = append(payload, le32(uint32(info.ModTime.Unix()))...)
	payload = append(payload, le32(uint32(info.ChangeTime.Unix()))...)
	return wire.Success, payload
}

func (d *Dispatcher) handleSeekfile(sess *session.Session, body []byte) (wire.Status, []byte) {
	if len(body) < 6 {
		return wire.EINVAL, nil
	}
	idx := int(body[0])
	whence := body[1]
	offset := int64(int32(readLE32(body[2:6])))
	h, ok := sess.GetFile(idx)
	if !ok {
		return wire.EBADF, nil
	}
	var osWhence int
	switch whence {
	case 0:
		osWhence = io.SeekStart
	case 1:
		osWhence = io.SeekCurrent
	case 2:
		osWhence = io.SeekEnd
	default:
		return wire.EINVAL, nil
	}
	pos, err := h.Seek(offset, osWhence)
	if err != nil {
		return wire.EIO, nil
	}
	return wire.Success, le32(uint32(pos))
}

func (d *Dispatcher) handleUnlinkfile(sess *session.Session, body []byte) (wire.Status, []byte) {
	path, _, err := wire.NulString(body)
	if err != nil {
		return wire.EINVAL, nil
	}
	resolved, status := d.resolve(sess, path)
	if status != wire.Success {
		return status, nil
	}
	if verr := d.FS.Unlink(resolved); verr != nil {
		return mapVFSErr(verr), nil
	}
	return wire.Success, nil
}

func (d *Dispatcher) handleRenamefile(sess *session.Session, body []byte) (wire.Status, []byte) {
	from, rest, err := wire.NulString(body)
	if err != nil {
		return wire.EINVAL, nil
	}
	to, _, err := wire.NulString(rest)
	if err != nil {
		return wire.EINVAL, nil
	}
	resolvedFrom, status := d.resolve(sess, from)
	if status != wire.Success {
		return status, nil
	}
	resolvedTo, status := d.resolve(sess, to)
	if status != wire.Success {
		return status, nil
	}
	if verr := d.FS.Rename(resolvedFrom, resolvedTo); verr != nil {
		return mapVFSErr(verr), nil
	}
	return wire.Success, nil
}

func mapVFSErr(err error) wire.Status {
	var verr *vfs.Error
	if errors.As(err, &verr) {
		switch verr.Kind {
		case vfs.KindNotFound:
			return wire.ENOENT
		case vfs.KindPermissionDenied:
			return wire.EACCES
		case vfs.KindExists:
			return wire.EEXIST
		case vfs.KindNotDirectory:
			return wire.ENOTDIR
		case vfs.KindIsDirectory:
			return wire.EISDIR
		case vfs.KindNotEmpty:
			return wire.ENOTEMPTY
		case vfs.KindInvalid:
			return wire.EINVAL
		default:
			return wire.EIO
		}
	}
	return wire.EIO
}

func le16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func readLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
