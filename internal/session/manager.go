package session

import (
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultIdleTimeout matches spec.md §4.6/§4.9's default of 21,600 seconds
// (6h) of inactivity before a session is torn down on the next sweep tick.
const DefaultIdleTimeout = 6 * time.Hour

// DefaultRetryTimeout is the recommended client-side retry interval
// advertised in the MOUNT response.
const DefaultRetryTimeout = 1000 * time.Millisecond

// Manager owns the live session table, indexed by SID and by client
// address, and sweeps idle sessions on a timer driven by the event loop
// (spec.md §4.6). The SID table rides on patrickmn/go-cache so per-session
// TTL refresh (on Touch) and expiry both fall out of the cache's own
// janitor instead of a hand-rolled timer wheel.
type Manager struct {
	mu          sync.Mutex
	idleTimeout time.Duration
	cache       *gocache.Cache
	byAddr      map[string]*Session // addrKey -> session, same transport only
	nextSID     uint16
}

// NewManager builds a Manager with the given idle timeout. Pass 0 to use
// DefaultIdleTimeout.
func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	m := &Manager{
		idleTimeout: idleTimeout,
		// No global expiration: sessions get a per-item TTL via
		// cache.Set so a recent Touch resets its own clock without
		// affecting the others. The cleanup interval just needs to be
		// finer than the timeout so stale entries don't linger long
		// past expiry.
		cache:  gocache.New(gocache.NoExpiration, idleTimeout/4),
		byAddr: make(map[string]*Session),
	}
	m.cache.OnEvicted(func(_ string, v interface{}) {
		s := v.(*Session)
		m.mu.Lock()
		if existing, ok := m.byAddr[addrKey(s.Addr, s.Transport)]; ok && existing == s {
			delete(m.byAddr, addrKey(s.Addr, s.Transport))
		}
		m.mu.Unlock()
		s.Close()
	})
	return m
}

func addrKey(addr net.Addr, transport Transport) string {
	kind := "udp"
	if transport == TransportTCP {
		kind = "tcp"
	}
	return kind + ":" + addr.String()
}

func sidKey(sid uint16) string {
	// go-cache keys on string; encode the uint16 directly rather than
	// formatting it, keeping SID lookups allocation-light.
	return string([]byte{byte(sid), byte(sid >> 8)})
}

// Mount allocates a new session bound to addr, evicting any prior session
// already bound to that (address, transport) pair per spec.md §3/§4.6.
func (m *Manager) Mount(addr net.Addr, transport Transport, root, mountpoint string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := addrKey(addr, transport)
	if old, ok := m.byAddr[key]; ok {
		m.removeLocked(old)
	}

	sid := m.allocSIDLocked()
	s := newSession(sid, addr, transport, root, mountpoint)
	m.byAddr[key] = s
	m.cache.Set(sidKey(sid), s, m.idleTimeout)
	return s
}

// allocSIDLocked increments the rolling counter modulo 2^16, skipping 0 and
// any SID currently in use, per spec.md §4.6. Called with m.mu held.
func (m *Manager) allocSIDLocked() uint16 {
	for {
		m.nextSID++
		if m.nextSID == 0 {
			m.nextSID = 1
		}
		if _, found := m.cache.Get(sidKey(m.nextSID)); !found {
			return m.nextSID
		}
	}
}

// Lookup returns the live session for sid, touching its last-contact
// timestamp and refreshing its TTL.
func (m *Manager) Lookup(sid uint16) (*Session, bool) {
	v, ok := m.cache.Get(sidKey(sid))
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	s.Touch()
	m.cache.Set(sidKey(sid), s, m.idleTimeout)
	return s, true
}

// LookupAddr returns the live session bound to addr/transport, if any.
func (m *Manager) LookupAddr(addr net.Addr, transport Transport) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.byAddr[addrKey(addr, transport)]
	m.mu.Unlock()
	return s, ok
}

// Unmount tears down the session for sid, freeing its handles and dropping
// it from both indices. No-op if the SID is already gone.
func (m *Manager) Unmount(sid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cache.Get(sidKey(sid))
	if !ok {
		return
	}
	m.removeLocked(v.(*Session))
}

// removeLocked deletes s from both indices and closes its handles. Called
// with m.mu held; the lock is released around the cache delete because the
// cache's eviction callback takes m.mu itself.
func (m *Manager) removeLocked(s *Session) {
	delete(m.byAddr, addrKey(s.Addr, s.Transport))
	m.mu.Unlock()
	m.cache.Delete(sidKey(s.SID))
	m.mu.Lock()
	s.Close()
}

// Sweep is a hook for callers that drive an explicit event loop tick
// (spec.md §4.6's "background sweep runs on each tick"); expiry itself is
// also handled by the cache's own janitor goroutine, so this only forces an
// immediate pass rather than waiting for the janitor's interval.
func (m *Manager) Sweep() {
	m.cache.DeleteExpired()
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	return m.cache.ItemCount()
}
