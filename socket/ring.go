package socket

import (
	"errors"

	log "github.com/golang/glog"
	"github.com/smallnest/ringbuffer"
)

// ring is the send buffer of one end of a connection. It is guarded by the locks
// of the connected pair. A blocked reader or writer sets its flag, takes the wait
// channel, releases the locks and waits on it. Waking closes the channel and puts
// a fresh one in its place, so every goroutine blocked on it wakes.
type ring struct {
	rb *ringbuffer.RingBuffer

	readBlocked  bool
	writeBlocked bool

	readWait  chan struct{}
	writeWait chan struct{}
}

func newRing(size int) *ring {
	return &ring{
		rb:        ringbuffer.New(size),
		readWait:  make(chan struct{}),
		writeWait: make(chan struct{}),
	}
}

func (r *ring) len() int {
	return r.rb.Length()
}

func (r *ring) free() int {
	return r.rb.Free()
}

func (r *ring) capacity() int {
	return r.rb.Capacity()
}

// write copies as much of p as fits and returns the number of bytes copied.
func (r *ring) write(p []byte) int {
	n := r.free()
	if n == 0 || len(p) == 0 {
		return 0
	}
	if n > len(p) {
		n = len(p)
	}
	w, err := r.rb.Write(p[:n])
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		log.Errorf("bug: ring write of %d bytes with %d free: %s", n, r.free(), err)
	}
	return w
}

// read moves up to len(p) bytes into p and returns the number of bytes moved.
func (r *ring) read(p []byte) int {
	if len(p) == 0 || r.len() == 0 {
		return 0
	}
	n, err := r.rb.Read(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		log.Errorf("bug: ring read of %d bytes with %d buffered: %s", len(p), r.len(), err)
	}
	return n
}

// waitRead marks a reader blocked and returns the channel to wait on.
func (r *ring) waitRead() <-chan struct{} {
	r.readBlocked = true
	return r.readWait
}

// waitWrite marks a writer blocked and returns the channel to wait on.
func (r *ring) waitWrite() <-chan struct{} {
	r.writeBlocked = true
	return r.writeWait
}

// wakeReader clears the read blocked flag and returns the channel to close, or nil.
func (r *ring) wakeReader() chan struct{} {
	if !r.readBlocked {
		return nil
	}
	r.readBlocked = false
	ch := r.readWait
	r.readWait = make(chan struct{})
	return ch
}

// wakeWriter clears the write blocked flag and returns the channel to close, or nil.
func (r *ring) wakeWriter() chan struct{} {
	if !r.writeBlocked {
		return nil
	}
	r.writeBlocked = false
	ch := r.writeWait
	r.writeWait = make(chan struct{})
	return ch
}

// wakeAll wakes every blocked reader and writer, for teardown.
func (r *ring) wakeAll() []chan struct{} {
	return []chan struct{}{r.wakeReader(), r.wakeWriter()}
}

// post signals a semaphore without blocking. A token already pending is enough.
func post(sem chan struct{}) {
	if sem == nil {
		return
	}
	select {
	case sem <- struct{}{}:
	default:
	}
}
