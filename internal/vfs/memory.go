package vfs

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Adapter used for fast protocol-level tests without
// touching disk, the same role object.MemoryFs plays in the teacher's
// cmd/serve/nfs cache tests.
type Memory struct {
	mu    sync.Mutex
	nodes map[string]*memNode
}

type memNode struct {
	isDir   bool
	data    []byte
	modTime time.Time
}

// NewMemory returns an empty in-memory filesystem with just the root
// directory present.
func NewMemory() *Memory {
	m := &Memory{nodes: map[string]*memNode{}}
	m.nodes["/"] = &memNode{isDir: true, modTime: time.Now()}
	return m
}

func clean(p string) string {
	p = path.Clean("/" + p)
	return p
}

// PutFile seeds a file into the tree, for test setup.
func (m *Memory) PutFile(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[clean(p)] = &memNode{data: append([]byte(nil), data...), modTime: time.Now()}
}

// PutDir seeds a directory into the tree, for test setup.
func (m *Memory) PutDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[clean(p)] = &memNode{isDir: true, modTime: time.Now()}
}

func (m *Memory) Stat(p string) (FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[clean(p)]
	if !ok {
		return FileInfo{}, newErr(KindNotFound, "stat", p, nil)
	}
	return m.toInfo(clean(p), n), nil
}

func (m *Memory) toInfo(p string, n *memNode) FileInfo {
	return FileInfo{
		Name:    path.Base(p),
		IsDir:   n.isDir,
		Size:    int64(len(n.data)),
		Mode:    0644,
		ModTime: n.modTime,
	}
}

func (m *Memory) List(p string) ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir := clean(p)
	n, ok := m.nodes[dir]
	if !ok {
		return nil, newErr(KindNotFound, "list", p, nil)
	}
	if !n.isDir {
		return nil, newErr(KindNotDirectory, "list", p, nil)
	}
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	var out []FileInfo
	for child, cn := range m.nodes {
		if child == dir {
			continue
		}
		if !strings.HasPrefix(child, prefix) {
			continue
		}
		rest := child[len(prefix):]
		if strings.Contains(rest, "/") {
			continue // not a direct child
		}
		out = append(out, m.toInfo(child, cn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clean(p)
	if _, ok := m.nodes[key]; ok {
		return newErr(KindExists, "mkdir", p, nil)
	}
	parent := path.Dir(key)
	if pn, ok := m.nodes[parent]; !ok || !pn.isDir {
		return newErr(KindNotFound, "mkdir", p, nil)
	}
	m.nodes[key] = &memNode{isDir: true, modTime: time.Now()}
	return nil
}

func (m *Memory) Rmdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clean(p)
	n, ok := m.nodes[key]
	if !ok {
		return newErr(KindNotFound, "rmdir", p, nil)
	}
	if !n.isDir {
		return newErr(KindNotDirectory, "rmdir", p, nil)
	}
	prefix := key
	if prefix != "/" {
		prefix += "/"
	}
	for child := range m.nodes {
		if child != key && strings.HasPrefix(child, prefix) {
			return newErr(KindNotEmpty, "rmdir", p, nil)
		}
	}
	delete(m.nodes, key)
	return nil
}

func (m *Memory) Unlink(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clean(p)
	n, ok := m.nodes[key]
	if !ok {
		return newErr(KindNotFound, "unlink", p, nil)
	}
	if n.isDir {
		return newErr(KindIsDirectory, "unlink", p, nil)
	}
	delete(m.nodes, key)
	return nil
}

func (m *Memory) Rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fromKey, toKey := clean(from), clean(to)
	n, ok := m.nodes[fromKey]
	if !ok {
		return newErr(KindNotFound, "rename", from, nil)
	}
	delete(m.nodes, fromKey)
	m.nodes[toKey] = n
	return nil
}

func (m *Memory) Open(p string, flags int, mode uint32) (Handle, error) {
	m.mu.Lock()
	key := clean(p)
	n, ok := m.nodes[key]
	if !ok {
		if flags&OpenCreate == 0 {
			m.mu.Unlock()
			return nil, newErr(KindNotFound, "open", p, nil)
		}
		n = &memNode{modTime: time.Now()}
		m.nodes[key] = n
	} else if flags&OpenExclusive != 0 && flags&OpenCreate != 0 {
		m.mu.Unlock()
		return nil, newErr(KindExists, "open", p, nil)
	}
	if n.isDir {
		m.mu.Unlock()
		return nil, newErr(KindIsDirectory, "open", p, nil)
	}
	if flags&OpenTruncate != 0 {
		n.data = nil
	}
	m.mu.Unlock()
	h := &memHandle{m: m, key: key, writable: flags&OpenWrite != 0}
	if flags&OpenAppend != 0 {
		h.pos = int64(len(n.data))
	}
	return h, nil
}

type memHandle struct {
	m        *Memory
	key      string
	pos      int64
	writable bool
}

func (h *memHandle) node() *memNode {
	return h.m.nodes[h.key]
}

func (h *memHandle) Read(n int) ([]byte, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	node := h.node()
	if node == nil || h.pos >= int64(len(node.data)) {
		return nil, nil
	}
	end := h.pos + int64(n)
	if end > int64(len(node.data)) {
		end = int64(len(node.data))
	}
	out := append([]byte(nil), node.data[h.pos:end]...)
	h.pos = end
	return out, nil
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	node := h.node()
	if node == nil {
		return 0, newErr(KindNotFound, "write", h.key, nil)
	}
	end := h.pos + int64(len(p))
	if end > int64(len(node.data)) {
		grown := make([]byte, end)
		copy(grown, node.data)
		node.data = grown
	}
	copy(node.data[h.pos:end], p)
	h.pos = end
	node.modTime = time.Now()
	return len(p), nil
}

func (h *memHandle) Seek(offset int64, whence int) (int64, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	node := h.node()
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = h.pos
	case 2:
		if node != nil {
			base = int64(len(node.data))
		}
	}
	h.pos = base + offset
	if h.pos < 0 {
		h.pos = 0
	}
	return h.pos, nil
}

func (h *memHandle) Close() error { return nil }
