package socket

import (
	"strings"

	log "github.com/golang/glog"

	"github.com/johnsiilver/localsocks/errno"
)

// Event is a set of readiness events.
type Event uint8

const (
	// EventRead means a read will not block.
	EventRead Event = 1 << iota
	// EventWrite means a write will not block.
	EventWrite
	// EventExcept means the connection was torn down or shut down.
	EventExcept
)

func (e Event) String() string {
	var s []string
	if e&EventRead != 0 {
		s = append(s, "READ")
	}
	if e&EventWrite != 0 {
		s = append(s, "WRITE")
	}
	if e&EventExcept != 0 {
		s = append(s, "EXCEPT")
	}
	if len(s) == 0 {
		return "NONE"
	}
	return strings.Join(s, "|")
}

// Subscriber identifies who is waiting for a readiness event.
type Subscriber struct {
	// Client identifies the connection the event is delivered to.
	Client string
	// Tag is returned with the event so the client can match it to its request.
	Tag uint64
}

// Notifier delivers readiness events. Notify is never called with a socket lock held.
type Notifier interface {
	Notify(sub Subscriber, h Handle, ev Event)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(sub Subscriber, h Handle, ev Event)

// Notify implements Notifier.Notify().
func (f NotifierFunc) Notify(sub Subscriber, h Handle, ev Event) {
	f(sub, h, ev)
}

type discard struct{}

func (discard) Notify(sub Subscriber, h Handle, ev Event) {
	log.V(2).Infof("socket %d: dropped %s event for %s", h, ev, sub.Client)
}

type delivery struct {
	sub Subscriber
	h   Handle
	ev  Event
}

// wakeups collects semaphore posts and events while locks are held, to be
// released by flush() once they are not.
type wakeups struct {
	sems    []chan struct{}
	closes  []chan struct{}
	events  []delivery
	results []func()
}

func (w *wakeups) post(sems ...chan struct{}) {
	for _, s := range sems {
		if s != nil {
			w.sems = append(w.sems, s)
		}
	}
}

// broadcast queues channels to close, waking everything waiting on them.
func (w *wakeups) broadcast(chs ...chan struct{}) {
	for _, c := range chs {
		if c != nil {
			w.closes = append(w.closes, c)
		}
	}
}

func (w *wakeups) notify(h Handle, ev Event, subs []Subscriber) {
	for _, s := range subs {
		w.events = append(w.events, delivery{sub: s, h: h, ev: ev})
	}
}

// after queues f to run in flush(), after the semaphores are posted.
func (w *wakeups) after(f func()) {
	w.results = append(w.results, f)
}

// notifyAll drains every queue of d. d.mu must be held.
func (w *wakeups) notifyAll(d *desc) {
	w.notify(d.handle, EventRead, d.readers.Drain())
	w.notify(d.handle, EventWrite, d.writers.Drain())
	w.notify(d.handle, EventExcept, d.excepts.Drain())
}

func (t *Table) flush(w *wakeups) {
	for _, s := range w.sems {
		post(s)
	}
	for _, c := range w.closes {
		close(c)
	}
	for _, f := range w.results {
		f()
	}
	for _, d := range w.events {
		t.notifier.Notify(d.sub, d.h, d.ev)
	}
}

// readWouldBlock reports if a read on self would block. peer is nil when self is
// not connected. Locks of both must be held.
func (t *Table) readWouldBlock(self, peer *desc) bool {
	if peer != nil {
		if !self.canRecv || !peer.canSend || peer.draining {
			return false
		}
		return peer.buf.len() == 0
	}
	switch {
	case self.phase == PhaseListen:
		return self.lq.q.Len() == 0
	case self.connect != nil:
		return true
	}
	// Unconnected sockets have an error or EOF pending.
	return false
}

// writeWouldBlock is the write side of readWouldBlock.
func (t *Table) writeWouldBlock(self, peer *desc) bool {
	if peer != nil {
		if !self.canSend || !peer.canRecv {
			return false
		}
		return self.buf.free() == 0
	}
	// A socket that lost its peer has EPIPE pending.
	return !self.wasConnected
}

// lockAny locks h alone if it is not connected, or both ends if it is. It returns
// peer == nil in the first case.
func (t *Table) lockAny(c call, h Handle) (self, peer *desc, err error) {
	for {
		self, peer, err = t.lockPair(c, h)
		if err == nil {
			return self, peer, nil
		}
		if err != errNotConnected {
			return nil, nil, err
		}

		self = t.get(h)
		self.mu.Lock()
		if !c.owns(self) {
			self.mu.Unlock()
			return nil, nil, errno.EBADF
		}
		if !self.connected() {
			return self, nil, nil
		}
		// Connected between the two attempts.
		self.mu.Unlock()
	}
}

func unlockPair(self, peer *desc) {
	if peer != nil {
		peer.mu.Unlock()
	}
	self.mu.Unlock()
}

// Register subscribes sub to the events in mask on h. An event that would not
// block is delivered at once instead of queued. Subscriptions are single shot:
// delivering an event removes it.
func (t *Table) Register(h Handle, sub Subscriber, mask Event) error {
	return t.register(call{}, h, sub, mask)
}

func (t *Table) register(c call, h Handle, sub Subscriber, mask Event) error {
	self, peer, err := t.lockAny(c, h)
	if err != nil {
		return err
	}

	w := &wakeups{}
	if mask&EventRead != 0 {
		if t.readWouldBlock(self, peer) {
			self.readers.Push(sub)
		} else {
			w.notify(h, EventRead, []Subscriber{sub})
		}
	}
	if mask&EventWrite != 0 {
		if t.writeWouldBlock(self, peer) {
			self.writers.Push(sub)
		} else {
			w.notify(h, EventWrite, []Subscriber{sub})
		}
	}
	if mask&EventExcept != 0 {
		self.excepts.Push(sub)
	}
	unlockPair(self, peer)

	t.flush(w)
	return nil
}

// Deregister removes the subscriptions of sub for the events in mask on h.
func (t *Table) Deregister(h Handle, sub Subscriber, mask Event) error {
	return t.deregister(call{}, h, sub, mask)
}

func (t *Table) deregister(c call, h Handle, sub Subscriber, mask Event) error {
	d := t.get(h)
	if d == nil {
		return errno.EBADF
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !c.owns(d) {
		return errno.EBADF
	}

	match := func(s Subscriber) bool { return s == sub }
	if mask&EventRead != 0 {
		d.readers.RemoveAll(match)
	}
	if mask&EventWrite != 0 {
		d.writers.RemoveAll(match)
	}
	if mask&EventExcept != 0 {
		d.excepts.RemoveAll(match)
	}
	return nil
}

// DeregisterClient removes every subscription delivered to client, on every socket.
func (t *Table) DeregisterClient(client string) {
	match := func(s Subscriber) bool { return s.Client == client }
	for i := range t.socks {
		d := &t.socks[i]
		d.mu.Lock()
		d.readers.RemoveAll(match)
		d.writers.RemoveAll(match)
		d.excepts.RemoveAll(match)
		d.mu.Unlock()
	}
}
