package vfs

import (
	"errors"
	"io"
	"os"
	"syscall"
)

// Local is the production Adapter: plain host filesystem calls, binary-safe
// by construction (os.OpenFile on unix never does CRLF translation; the
// extra nofollowFlag closes the symlink-race window between the path
// jailer's canonicalization and the open itself, the way a defensive daemon
// should — see internal/vfs/local_linux.go).
type Local struct{}

// NewLocal returns a Local adapter. There is no state: every call takes an
// already-jailed absolute path.
func NewLocal() *Local { return &Local{} }

func (l *Local) Open(path string, flags int, mode uint32) (Handle, error) {
	osFlags := nofollowFlag
	switch {
	case flags&OpenWrite != 0 && flags&OpenRead != 0:
		osFlags |= os.O_RDWR
	case flags&OpenWrite != 0:
		osFlags |= os.O_WRONLY
	default:
		osFlags |= os.O_RDONLY
	}
	if flags&OpenAppend != 0 {
		osFlags |= os.O_APPEND
	}
	if flags&OpenCreate != 0 {
		osFlags |= os.O_CREATE
	}
	if flags&OpenTruncate != 0 {
		osFlags |= os.O_TRUNC
	}
	if flags&OpenExclusive != 0 {
		osFlags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, osFlags, os.FileMode(mode))
	if err != nil {
		return nil, mapOSError("open", path, err)
	}
	return &localHandle{f: f}, nil
}

func (l *Local) Stat(path string) (FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, mapOSError("stat", path, err)
	}
	return toFileInfo(fi), nil
}

func (l *Local) List(path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, mapOSError("list", path, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			// A file can disappear between ReadDir and Info (rename/unlink
			// race from another session); skip it rather than failing the
			// whole listing, matching the host-OS-defined race semantics
			// of §5.
			continue
		}
		out = append(out, toFileInfo(fi))
	}
	return out, nil
}

func (l *Local) Mkdir(path string) error {
	if err := os.Mkdir(path, 0777); err != nil {
		return mapOSError("mkdir", path, err)
	}
	return nil
}

func (l *Local) Rmdir(path string) error {
	if err := os.Remove(path); err != nil {
		return mapOSError("rmdir", path, err)
	}
	return nil
}

func (l *Local) Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		return mapOSError("unlink", path, err)
	}
	return nil
}

func (l *Local) Rename(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return mapOSError("rename", from, err)
	}
	return nil
}

type localHandle struct {
	f *os.File
}

func (h *localHandle) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := h.f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, mapOSError("read", h.f.Name(), err)
	}
	return buf[:read], nil
}

func (h *localHandle) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	if err != nil {
		return n, mapOSError("write", h.f.Name(), err)
	}
	return n, nil
}

func (h *localHandle) Seek(offset int64, whence int) (int64, error) {
	pos, err := h.f.Seek(offset, whence)
	if err != nil {
		return 0, mapOSError("seek", h.f.Name(), err)
	}
	return pos, nil
}

func (h *localHandle) Close() error {
	if err := h.f.Close(); err != nil {
		return mapOSError("close", h.f.Name(), err)
	}
	return nil
}

func toFileInfo(fi os.FileInfo) FileInfo {
	info := FileInfo{
		Name:    fi.Name(),
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		Mode:    uint32(fi.Mode().Perm()),
		ModTime: fi.ModTime(),
	}
	fillPlatformTimes(&info, fi)
	return info
}

func mapOSError(op, path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return newErr(KindNotFound, op, path, err)
	case errors.Is(err, os.ErrPermission):
		return newErr(KindPermissionDenied, op, path, err)
	case errors.Is(err, os.ErrExist):
		return newErr(KindExists, op, path, err)
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return mapErrno(op, path, linkErr.Err, err)
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return mapErrno(op, path, pathErr.Err, err)
	}
	return newErr(KindIO, op, path, err)
}

func mapErrno(op, path string, errno error, orig error) error {
	switch errno {
	case syscall.ENOTDIR:
		return newErr(KindNotDirectory, op, path, orig)
	case syscall.EISDIR:
		return newErr(KindIsDirectory, op, path, orig)
	case syscall.ENOTEMPTY:
		return newErr(KindNotEmpty, op, path, orig)
	case syscall.EACCES:
		return newErr(KindPermissionDenied, op, path, orig)
	case syscall.EEXIST:
		return newErr(KindExists, op, path, orig)
	case syscall.ENOENT:
		return newErr(KindNotFound, op, path, orig)
	case syscall.EINVAL:
		return newErr(KindInvalid, op, path, orig)
	}
	return newErr(KindIO, op, path, orig)
}
