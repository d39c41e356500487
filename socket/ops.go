package socket

import (
	"errors"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/johnsiilver/localsocks/errno"
)

// FIONREAD is the Ioctl() command that returns the number of bytes readable
// without blocking. x/sys/unix names it TIOCINQ on linux.
const FIONREAD = unix.TIOCINQ

// Arguments to Shutdown().
const (
	ShutRead      = unix.SHUT_RD
	ShutWrite     = unix.SHUT_WR
	ShutReadWrite = unix.SHUT_RDWR
)

// errStale is returned by linkAccepted when the dequeued request was already
// resolved by its connector.
var errStale = errors.New("connect request is stale")

// checkType validates the arguments of Socket() and Socketpair() and reports if
// SOCK_NONBLOCK was passed.
func checkType(domain, typ, proto int) (nonBlock bool, err error) {
	if domain != unix.AF_UNIX {
		return false, errno.EAFNOSUPPORT
	}
	if typ&^(unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC) != unix.SOCK_STREAM {
		return false, errno.EPROTONOSUPPORT
	}
	if proto != 0 {
		return false, errno.EPROTONOSUPPORT
	}
	return typ&unix.SOCK_NONBLOCK != 0, nil
}

// Socket creates a new unbound socket for owner.
func (t *Table) Socket(domain, typ, proto int, owner Owner) (Handle, error) {
	nonBlock, err := checkType(domain, typ, proto)
	if err != nil {
		return NoHandle, err
	}

	d, err := t.reserve()
	if err != nil {
		return NoHandle, err
	}
	d.mu.Lock()
	t.init(d, owner, nonBlock)
	d.mu.Unlock()

	log.V(1).Infof("socket %d: created for %s", d.handle, owner)
	return d.handle, nil
}

// Socketpair creates two sockets connected to each other.
func (t *Table) Socketpair(domain, typ, proto int, owner Owner) (Handle, Handle, error) {
	nonBlock, err := checkType(domain, typ, proto)
	if err != nil {
		return NoHandle, NoHandle, err
	}

	a, err := t.reserve()
	if err != nil {
		return NoHandle, NoHandle, err
	}
	b, err := t.reserve()
	if err != nil {
		t.unreserve(a)
		return NoHandle, NoHandle, err
	}

	// Neither is visible yet, so nobody else waits on these locks.
	a.mu.Lock()
	b.mu.Lock()
	t.init(a, owner, nonBlock)
	t.init(b, owner, nonBlock)
	t.link(a, b, PhaseConnect, PhaseConnect)
	b.mu.Unlock()
	a.mu.Unlock()

	log.V(1).Infof("socket %d<->%d: socketpair for %s", a.handle, b.handle, owner)
	return a.handle, b.handle, nil
}

// link connects a and b with fresh buffers. Both locks must be held.
func (t *Table) link(a, b *desc, pa, pb Phase) {
	a.phase, b.phase = pa, pb
	for _, d := range []*desc{a, b} {
		d.canSend, d.canRecv = true, true
		d.hasPeer, d.wasConnected = true, true
		d.buf = newRing(t.bufferSize)
	}
	a.peer, b.peer = b.handle, a.handle
}

// Bind binds h to path.
func (t *Table) Bind(h Handle, path string) error {
	return t.bind(call{}, h, path)
}

func (t *Table) bind(c call, h Handle, path string) error {
	d := t.get(h)
	if d == nil {
		return errno.EBADF
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !c.owns(d) {
		return errno.EBADF
	}
	if d.phase != PhaseNil || d.connect != nil || d.wasConnected {
		return errno.EINVAL
	}

	i, err := t.addrs.allocate(path, h)
	if err != nil {
		return err
	}
	d.addr = i
	d.phase = PhaseBind
	log.V(1).Infof("socket %d: bound to %q", h, path)
	return nil
}

// Listen makes a bound socket accept connections. backlog is clamped to
// [1, MaxBacklog]. Calling it on a listening socket only changes the backlog.
func (t *Table) Listen(h Handle, backlog int) error {
	return t.listen(call{}, h, backlog)
}

func (t *Table) listen(c call, h Handle, backlog int) error {
	d := t.get(h)
	if d == nil {
		return errno.EBADF
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !c.owns(d) {
		return errno.EBADF
	}

	switch {
	case backlog < 1:
		backlog = 1
	case backlog > t.maxBacklog:
		backlog = t.maxBacklog
	}

	switch {
	case d.phase == PhaseListen:
		d.backlog = backlog
		return nil
	case d.phase != PhaseBind || d.connect != nil:
		return errno.EINVAL
	}
	if owner := t.addrs.owner(d.addr); owner != h {
		log.Errorf("bug: socket %d is bound to address %d owned by socket %d", h, d.addr, owner)
		return errno.EINVAL
	}

	d.phase = PhaseListen
	d.backlog = backlog
	d.lq = newListenQueue(t.maxBacklog)
	log.V(1).Infof("socket %d: listening, backlog %d", h, backlog)
	return nil
}

// Connect connects h to the socket listening on path.
//
// A blocking socket waits until the connection is accepted, for at most the
// ConnectTimeout, or until its caller gives up. A non-blocking socket waits only if an Accept() is already
// waiting to take the request, otherwise it returns EINPROGRESS and the
// connection completes in the background.
func (t *Table) Connect(h Handle, path string) error {
	return t.connect(call{}, h, path)
}

func (t *Table) connect(c call, h Handle, path string) error {
	if err := validPath(path); err != nil {
		return err
	}

	d := t.get(h)
	if d == nil {
		return errno.EBADF
	}
	d.mu.Lock()
	switch {
	case !c.owns(d):
		d.mu.Unlock()
		return errno.EBADF
	case d.connected() || d.wasConnected:
		d.mu.Unlock()
		return errno.EISCONN
	case d.connect != nil:
		d.mu.Unlock()
		return errno.EALREADY
	case d.phase == PhaseListen:
		d.mu.Unlock()
		return errno.EINVAL
	case !d.stream:
		d.mu.Unlock()
		return errno.EOPNOTSUPP
	}
	req := newConnReq(h, t.addrs.path(d.addr))
	d.connect = req
	nonBlock := d.nonBlock
	d.mu.Unlock()

	target, ok := t.addrs.lookupOwner(path)
	if !ok {
		return t.abortConnect(d, req, errno.ECONNREFUSED)
	}
	lq, waiting, err := t.enqueue(target, path, req)
	if err != nil {
		return t.abortConnect(d, req, err)
	}
	log.V(1).Infof("socket %d: connect to %q(%d) queued", h, path, target)

	if nonBlock && !waiting {
		return errno.EINPROGRESS
	}

	timer := time.NewTimer(t.connectTimeout)
	defer timer.Stop()

	var gaveUp error = errno.ETIMEDOUT
	select {
	case <-req.done:
		return req.err
	case <-timer.C:
	case <-c.done():
		gaveUp = errAborted
	}

	if !req.resolve(gaveUp) {
		// Accepted or aborted in the meantime.
		<-req.done
		return req.err
	}
	d.mu.Lock()
	if d.connect == req {
		d.connect = nil
	}
	d.mu.Unlock()
	lq.remove(req)
	req.wake()

	log.V(1).Infof("socket %d: connect to %q gave up: %s", h, path, gaveUp)
	return gaveUp
}

// abortConnect fails a request that never reached a connect queue.
func (t *Table) abortConnect(d *desc, req *connReq, err error) error {
	if req.resolve(err) {
		d.mu.Lock()
		if d.connect == req {
			d.connect = nil
		}
		d.mu.Unlock()
		req.wake()
	}
	return err
}

// enqueue puts req on the connect queue of the socket listening on path. It
// reports if enough acceptors are waiting that req will be taken right away.
func (t *Table) enqueue(target Handle, path string, req *connReq) (*listenQueue, bool, error) {
	l := t.get(target)
	if l == nil {
		return nil, false, errno.ECONNREFUSED
	}
	l.mu.Lock()

	if !l.visible() || l.phase != PhaseListen || t.addrs.path(l.addr) != path {
		l.mu.Unlock()
		return nil, false, errno.ECONNREFUSED
	}
	lq := l.lq
	if lq.q.Len() >= l.backlog {
		l.mu.Unlock()
		return nil, false, errno.ECONNREFUSED
	}

	req.setQueue(lq)
	lq.q.Push(req)
	waiting := l.accepting >= lq.q.Len()

	w := &wakeups{}
	w.post(lq.pending)
	w.notify(l.handle, EventRead, l.readers.Drain())
	l.mu.Unlock()

	t.flush(w)
	return lq, waiting, nil
}

// Accept takes the oldest pending connection of the listening socket h. It
// returns the new socket and the address of the connecting socket, which is ""
// if it is not bound.
func (t *Table) Accept(h Handle) (Handle, string, error) {
	return t.accept(call{}, h)
}

func (t *Table) accept(c call, h Handle) (Handle, string, error) {
	l := t.get(h)
	if l == nil {
		return NoHandle, "", errno.EBADF
	}

	n, err := t.reserve()
	if err != nil {
		return NoHandle, "", err
	}

	fail := func(err error) (Handle, string, error) {
		t.unreserve(n)
		return NoHandle, "", err
	}

	l.mu.Lock()
	switch {
	case !c.owns(l):
		l.mu.Unlock()
		return fail(errno.EBADF)
	case l.phase != PhaseListen:
		l.mu.Unlock()
		return fail(errno.EINVAL)
	}
	lq := l.lq
	owner := l.owner

	for {
		if c.aborted() {
			// The token this acceptor may have taken belongs to someone else.
			w := &wakeups{}
			if lq.q.Len() > 0 {
				w.post(lq.pending)
			}
			l.mu.Unlock()
			t.flush(w)
			return fail(errAborted)
		}

		req, ok := lq.q.Pop()
		if !ok {
			if l.nonBlock {
				l.mu.Unlock()
				return fail(errno.EWOULDBLOCK)
			}

			l.accepting++
			l.mu.Unlock()
			select {
			case <-lq.pending:
			case <-lq.aborted:
			case <-c.done():
			}
			l.mu.Lock()
			if l.lq != lq {
				l.mu.Unlock()
				return fail(errno.ECONNABORTED)
			}
			l.accepting--
			continue
		}
		l.mu.Unlock()

		path, err := t.linkAccepted(n, req, owner)
		if err == nil {
			log.V(1).Infof("socket %d: accepted socket %d from socket %d", h, n.handle, req.h)
			return n.handle, path, nil
		}

		log.V(2).Infof("socket %d: skipped stale connect request from socket %d", h, req.h)
		l.mu.Lock()
		if l.lq != lq {
			l.mu.Unlock()
			return fail(errno.ECONNABORTED)
		}
	}
}

// linkAccepted connects the reserved socket n to the requester of req.
func (t *Table) linkAccepted(n *desc, req *connReq, owner Owner) (string, error) {
	c := t.get(req.h)
	c.mu.Lock()
	if c.connect != req || !req.resolve(nil) {
		c.mu.Unlock()
		return "", errStale
	}

	// n is reserved and not visible, so nobody else waits on its lock.
	n.mu.Lock()
	t.init(n, owner, false)
	c.connect = nil
	t.link(c, n, PhaseConnect, PhaseAccept)

	w := &wakeups{}
	w.after(req.wake)
	w.notify(c.handle, EventWrite, c.writers.Drain())
	n.mu.Unlock()
	c.mu.Unlock()

	t.flush(w)
	return req.path, nil
}

// refuse fails a queued request because its listening socket closed.
func (t *Table) refuse(req *connReq) {
	if !req.resolve(errno.ECONNREFUSED) {
		return
	}

	w := &wakeups{}
	c := t.get(req.h)
	c.mu.Lock()
	if c.connect == req {
		c.connect = nil
		w.notifyAll(c)
	}
	c.mu.Unlock()

	req.wake()
	t.flush(w)
}

// Shutdown disables sending, receiving or both on a connected socket. Blocked
// readers and writers on both ends are woken so they see the change.
func (t *Table) Shutdown(h Handle, how int) error {
	return t.shutdown(call{}, h, how)
}

func (t *Table) shutdown(c call, h Handle, how int) error {
	switch how {
	case ShutRead, ShutWrite, ShutReadWrite:
	default:
		return errno.EINVAL
	}

	self, peer, err := t.lockPair(c, h)
	if err != nil {
		if err == errNotConnected {
			if _, err := t.peerGone(c, h, err); err != nil {
				return err
			}
			return errno.ENOTCONN
		}
		return err
	}

	switch how {
	case ShutRead:
		if !self.canRecv {
			unlockPair(self, peer)
			return errno.ENOTCONN
		}
		self.canRecv = false
	case ShutWrite:
		if !self.canSend {
			unlockPair(self, peer)
			return errno.ENOTCONN
		}
		self.canSend = false
	case ShutReadWrite:
		if !self.canRecv && !self.canSend {
			unlockPair(self, peer)
			return errno.ENOTCONN
		}
		self.canRecv, self.canSend = false, false
	}

	w := &wakeups{}
	w.broadcast(self.buf.wakeAll()...)
	w.broadcast(peer.buf.wakeAll()...)
	w.notifyAll(self)
	w.notifyAll(peer)
	unlockPair(self, peer)

	t.flush(w)
	log.V(1).Infof("socket %d: shutdown(%d)", h, how)
	return nil
}

// Close closes h.
//
// An unconnected socket is freed at once, along with its address. Pending
// connects to a listening socket fail with ECONNREFUSED and blocked Accept()
// calls with ECONNABORTED. A pending connect of h itself fails with ECONNABORTED.
//
// A connected socket is shut down. If its peer has not read everything h sent,
// h stays allocated, invisible to clients, until the peer drains it or closes.
func (t *Table) Close(h Handle) error {
	return t.close(call{}, h)
}

func (t *Table) close(c call, h Handle) error {
	d := t.get(h)
	if d == nil {
		return errno.EBADF
	}

	for {
		d.mu.Lock()
		if !c.owns(d) {
			d.mu.Unlock()
			return errno.EBADF
		}
		if !d.connected() {
			t.closeUnconnected(d)
			return nil
		}
		d.mu.Unlock()

		self, peer, err := t.lockPair(c, h)
		switch {
		case err == errNotConnected:
			// The peer went away in between, try again as unconnected.
			continue
		case err != nil:
			return err
		}
		t.closeConnected(self, peer)
		return nil
	}
}

// closeUnconnected frees d. d.mu must be held and is released.
func (t *Table) closeUnconnected(d *desc) {
	var refused []*connReq
	if d.lq != nil {
		refused = d.lq.q.Drain()
		close(d.lq.aborted)
	}
	req := d.connect
	h := d.handle
	t.release(d)
	d.mu.Unlock()

	for _, r := range refused {
		t.refuse(r)
	}
	if req != nil && req.resolve(errno.ECONNABORTED) {
		req.dequeue()
		req.wake()
	}
	log.V(1).Infof("socket %d: closed", h)
}

// closeConnected shuts down self and frees it unless peer still has bytes to
// read. Both locks must be held and are released.
func (t *Table) closeConnected(self, peer *desc) {
	h := self.handle
	self.canSend, self.canRecv = false, false
	if self.addr >= 0 {
		t.addrs.free(self.addr)
		self.addr = -1
	}

	w := &wakeups{}
	w.broadcast(self.buf.wakeAll()...)
	w.broadcast(peer.buf.wakeAll()...)
	w.notifyAll(peer)

	drain := self.buf.len() > 0 && peer.canRecv && !peer.draining
	if drain {
		self.draining = true
		self.readers.Drain()
		self.writers.Drain()
		self.excepts.Drain()
	} else {
		self.hasPeer, self.peer = false, NoHandle
		peer.hasPeer, peer.peer = false, NoHandle
		if peer.draining {
			t.release(peer)
		}
		t.release(self)
	}
	unlockPair(self, peer)

	t.flush(w)
	if drain {
		log.V(1).Infof("socket %d: closed, draining", h)
		return
	}
	log.V(1).Infof("socket %d: closed", h)
}

// Fcntl implements F_GETFL and F_SETFL. Only O_NONBLOCK can be changed.
func (t *Table) Fcntl(h Handle, cmd int, arg int) (int, error) {
	return t.fcntl(call{}, h, cmd, arg)
}

func (t *Table) fcntl(c call, h Handle, cmd int, arg int) (int, error) {
	d := t.get(h)
	if d == nil {
		return 0, errno.EBADF
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !c.owns(d) {
		return 0, errno.EBADF
	}

	switch cmd {
	case unix.F_GETFL:
		fl := unix.O_RDWR
		if d.nonBlock {
			fl |= unix.O_NONBLOCK
		}
		return fl, nil
	case unix.F_SETFL:
		d.nonBlock = arg&unix.O_NONBLOCK != 0
		return 0, nil
	}
	return 0, errno.EINVAL
}

// Ioctl implements FIONREAD, the number of bytes that can be read from h
// without blocking. It is 0 when h is not connected.
func (t *Table) Ioctl(h Handle, cmd int) (int, error) {
	return t.ioctl(call{}, h, cmd)
}

func (t *Table) ioctl(c call, h Handle, cmd int) (int, error) {
	self, peer, err := t.lockAny(c, h)
	if err != nil {
		return 0, err
	}
	if cmd != FIONREAD {
		unlockPair(self, peer)
		return 0, errno.EINVAL
	}
	n := 0
	if peer != nil && self.canRecv {
		n = peer.buf.len()
	}
	unlockPair(self, peer)
	return n, nil
}
