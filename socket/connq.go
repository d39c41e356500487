package socket

import (
	"sync"

	"github.com/johnsiilver/localsocks/queue/fifo"
)

// connReq is a pending connect(). It is resolved exactly once: by Accept()
// linking it, by the connect timing out, or by either end closing.
type connReq struct {
	// h is the connecting socket.
	h Handle
	// path is the address of the connecting socket, if it is bound.
	path string

	once sync.Once
	// done is the connect semaphore. It is closed when the request is resolved.
	done chan struct{}
	err  error

	mu sync.Mutex
	lq *listenQueue
}

func newConnReq(h Handle, path string) *connReq {
	return &connReq{h: h, path: path, done: make(chan struct{})}
}

// resolve sets the outcome of the request. It returns false if it was already resolved.
func (r *connReq) resolve(err error) bool {
	won := false
	r.once.Do(func() {
		r.err = err
		won = true
	})
	return won
}

// wake releases the connecting goroutine. Only the winner of resolve() calls it.
func (r *connReq) wake() {
	close(r.done)
}

// setQueue records the queue the request waits in.
func (r *connReq) setQueue(lq *listenQueue) {
	r.mu.Lock()
	r.lq = lq
	r.mu.Unlock()
}

// dequeue removes the request from the queue it waits in, if any.
func (r *connReq) dequeue() {
	r.mu.Lock()
	lq := r.lq
	r.mu.Unlock()

	if lq != nil {
		lq.remove(r)
	}
}

// listenQueue is the connect queue of a listening socket. pending is a counting
// semaphore with a token per enqueued request; tokens are hints, so an acceptor
// always rechecks the queue after taking one.
type listenQueue struct {
	q       fifo.Queue[*connReq]
	pending chan struct{}
	// aborted is closed when the listening socket is closed.
	aborted chan struct{}
}

func newListenQueue(maxBacklog int) *listenQueue {
	return &listenQueue{
		pending: make(chan struct{}, maxBacklog),
		aborted: make(chan struct{}),
	}
}

func (l *listenQueue) remove(r *connReq) bool {
	_, ok := l.q.Remove(func(x *connReq) bool { return x == r })
	return ok
}
