package session

import "sync"

// ReplyCache is a dedicated sub-object (per spec.md §9's note that it
// should not alias the codec's encoding buffer) holding the last request's
// sequence number and the exact response bytes produced for it. A
// retransmitted request with the same sequence number gets the cached bytes
// resent verbatim instead of the command re-executing (spec.md §4.7).
type ReplyCache struct {
	mu       sync.Mutex
	hasReply bool
	lastSeq  uint8
	lastResp []byte
}

// Lookup returns the cached response for seq, if the cache holds one for
// exactly that sequence number.
func (c *ReplyCache) Lookup(seq uint8) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasReply && c.lastSeq == seq {
		// Defensive copy: the caller must never be able to mutate our
		// cached buffer in place.
		out := make([]byte, len(c.lastResp))
		copy(out, c.lastResp)
		return out, true
	}
	return nil, false
}

// Store records the response produced for seq, replacing whatever was
// cached before.
func (c *ReplyCache) Store(seq uint8, resp []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasReply = true
	c.lastSeq = seq
	c.lastResp = append([]byte(nil), resp...)
}
