package socket

import (
	"errors"

	"github.com/johnsiilver/localsocks/errno"
)

// errNotConnected is returned by lockPair when h has no consistent peer. Callers
// translate it to ENOTCONN, EPIPE or EOF.
var errNotConnected = errors.New("socket is not connected")

// lockPair locks h and its peer without ever blocking on the second lock, so two
// goroutines locking the same pair from opposite ends cannot deadlock.
//
// It locks s0 and tries s1 = s0.peer. If the try fails it releases s0 and starts
// over from s1. Once both are held the pair must still point at each other and
// must contain h; a pair that changed in between is reported as not connected.
//
// On success self is h's descriptor, peer is the other end, and both are locked.
// A handle c does not own is EBADF.
func (t *Table) lockPair(c call, h Handle) (self, peer *desc, err error) {
	s0 := t.get(h)
	if s0 == nil {
		return nil, nil, errno.EBADF
	}

	for {
		s0.mu.Lock()
		if s0.handle == h && !c.owns(s0) {
			s0.mu.Unlock()
			return nil, nil, errno.EBADF
		}
		if !s0.used || !s0.connected() {
			s0.mu.Unlock()
			return nil, nil, errNotConnected
		}

		s1 := t.get(s0.peer)
		if s1 == nil || s1 == s0 {
			s0.mu.Unlock()
			return nil, nil, errNotConnected
		}

		if !s1.mu.TryLock() {
			s0.mu.Unlock()
			s0 = s1
			continue
		}

		if !s1.used || !s1.hasPeer || s1.peer != s0.handle || (s0.handle != h && s1.handle != h) {
			s1.mu.Unlock()
			s0.mu.Unlock()
			return nil, nil, errNotConnected
		}

		self, peer = s0, s1
		if s1.handle == h {
			self, peer = s1, s0
		}
		if !c.owns(self) {
			s1.mu.Unlock()
			s0.mu.Unlock()
			return nil, nil, errno.EBADF
		}
		return self, peer, nil
	}
}
