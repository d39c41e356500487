package socket

import (
	"golang.org/x/sys/unix"

	"github.com/johnsiilver/localsocks/errno"
)

// Flags accepted by Send() and Recv(). MSG_NOSIGNAL is accepted and ignored,
// there are no signals to suppress.
const (
	MsgDontWait = unix.MSG_DONTWAIT
	MsgNoSignal = unix.MSG_NOSIGNAL

	ioFlags = MsgDontWait | MsgNoSignal
)

// peerGone converts a failed lockPair on h into whether h was ever connected.
func (t *Table) peerGone(c call, h Handle, err error) (wasConnected bool, _ error) {
	if err != errNotConnected {
		return false, err
	}
	d := t.get(h)
	d.mu.Lock()
	defer d.mu.Unlock()

	if !c.owns(d) {
		return false, errno.EBADF
	}
	return d.wasConnected, nil
}

// Send writes data into the send buffer of h, where its peer reads it. It
// returns the number of bytes written.
//
// A blocking send waits for room until all of data is written. It returns a short
// count if the connection breaks part way. A non-blocking send (or MSG_DONTWAIT)
// writes what fits and returns EWOULDBLOCK only if nothing did.
func (t *Table) Send(h Handle, data []byte, flags int) (int, error) {
	return t.send(call{}, h, data, flags)
}

func (t *Table) send(c call, h Handle, data []byte, flags int) (int, error) {
	if flags&^ioFlags != 0 {
		return 0, errno.EOPNOTSUPP
	}

	written := 0
	for {
		self, peer, err := t.lockPair(c, h)
		if err != nil {
			if written > 0 {
				return written, nil
			}
			was, err := t.peerGone(c, h, err)
			switch {
			case err != nil:
				return 0, err
			case was:
				return 0, errno.EPIPE
			}
			return 0, errno.ENOTCONN
		}
		self.sending = false

		if c.aborted() {
			unlockPair(self, peer)
			if written > 0 {
				return written, nil
			}
			return 0, errAborted
		}
		if !self.canSend || !peer.canRecv {
			unlockPair(self, peer)
			if written > 0 {
				return written, nil
			}
			return 0, errno.EPIPE
		}
		if len(data) == 0 {
			unlockPair(self, peer)
			return 0, nil
		}

		w := &wakeups{}
		n := self.buf.write(data[written:])
		written += n
		if n > 0 {
			w.broadcast(self.buf.wakeReader())
			w.notify(peer.handle, EventRead, peer.readers.Drain())
		}

		if written == len(data) || self.nonBlock || flags&MsgDontWait != 0 {
			unlockPair(self, peer)
			t.flush(w)
			if written == 0 {
				return 0, errno.EWOULDBLOCK
			}
			return written, nil
		}

		wait := self.buf.waitWrite()
		self.sending = true
		unlockPair(self, peer)
		t.flush(w)

		select {
		case <-wait:
		case <-c.done():
		}
	}
}

// Recv reads up to n bytes sent by the peer of h. An empty, non-nil result is
// end of file: the peer shut down or closed and everything it sent was read.
//
// Reading the last byte a closed peer left behind frees that peer.
func (t *Table) Recv(h Handle, n int, flags int) ([]byte, error) {
	return t.recv(call{}, h, n, flags)
}

func (t *Table) recv(c call, h Handle, n int, flags int) ([]byte, error) {
	if flags&^ioFlags != 0 {
		return nil, errno.EOPNOTSUPP
	}
	if n < 0 {
		return nil, errno.EINVAL
	}

	for {
		self, peer, err := t.lockPair(c, h)
		if err != nil {
			was, err := t.peerGone(c, h, err)
			switch {
			case err != nil:
				return nil, err
			case was:
				return []byte{}, nil
			}
			return nil, errno.ENOTCONN
		}
		self.recving = false

		if c.aborted() {
			unlockPair(self, peer)
			return nil, errAborted
		}
		if !self.canRecv || n == 0 {
			unlockPair(self, peer)
			return []byte{}, nil
		}

		w := &wakeups{}
		buf := peer.buf
		if l := buf.len(); l > 0 {
			if l > n {
				l = n
			}
			out := make([]byte, l)
			out = out[:buf.read(out)]

			w.broadcast(buf.wakeWriter())
			w.notify(peer.handle, EventWrite, peer.writers.Drain())
			if peer.draining && buf.len() == 0 {
				t.finishDrain(self, peer)
			}
			unlockPair(self, peer)
			t.flush(w)
			return out, nil
		}

		if !peer.canSend {
			if peer.draining {
				t.finishDrain(self, peer)
			}
			unlockPair(self, peer)
			return []byte{}, nil
		}

		if self.nonBlock || flags&MsgDontWait != 0 {
			unlockPair(self, peer)
			return nil, errno.EWOULDBLOCK
		}

		wait := buf.waitRead()
		self.recving = true
		unlockPair(self, peer)
		t.flush(w)

		select {
		case <-wait:
		case <-c.done():
		}
	}
}

// finishDrain frees the closed peer of self once its buffer is empty. Both locks
// must be held.
func (t *Table) finishDrain(self, peer *desc) {
	self.hasPeer, self.peer = false, NoHandle
	peer.hasPeer, peer.peer = false, NoHandle
	t.release(peer)
}
