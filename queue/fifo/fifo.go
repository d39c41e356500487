/*
Package fifo holds an unbounded FIFO queue that grows and shrinks to accommodate
entries.

Usage is simple:
	q := fifo.Queue[*request]{}

	// This will never block.
	q.Push(req)

	// Gets the next item from the queue, but returns !ok if the queue is empty.
	v, ok := q.Pop()
	if !ok {
		fmt.Println("nothing in the queue")
	}

	// Removes the first entry matching a predicate, wherever it sits in the queue.
	q.Remove(func(r *request) bool { return r == req })

There is no blocking Pull(). Callers that need to wait for an entry pair the
queue with a semaphore of their own, so that they can also wait on other events.
*/
package fifo

import "sync"

type entry[T any] struct {
	v    T
	next *entry[T]
}

// Queue is a FIFO queue. The queue can grow to infinite size and pushing an
// item will never fail. The zero value is ready to use. A Queue must not be
// copied once used.
type Queue[T any] struct {
	mu   sync.Mutex
	ptr  *entry[T]
	last *entry[T]
	n    int
}

// Push pushes an item onto the back of the Queue.
func (q *Queue[T]) Push(item T) {
	e := &entry[T]{v: item}

	q.mu.Lock()
	if q.ptr == nil {
		q.ptr = e
		q.last = e
	} else {
		q.last.next = e
		q.last = e
	}
	q.n++
	q.mu.Unlock()
}

// Pop pops the oldest item from the Queue. If the Queue is empty, it returns ok == false.
func (q *Queue[T]) Pop() (val T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ptr == nil {
		return val, false
	}
	e := q.ptr
	q.ptr = e.next
	if q.ptr == nil {
		q.last = nil
	}
	q.n--
	return e.v, true
}

// Peek returns the oldest item without removing it.
func (q *Queue[T]) Peek() (val T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ptr == nil {
		return val, false
	}
	return q.ptr.v, true
}

// Len returns the number of items in the Queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Remove removes the oldest item for which match returns true. It returns the
// removed item and true, or false if nothing matched.
func (q *Queue[T]) Remove(match func(T) bool) (val T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var prev *entry[T]
	for e := q.ptr; e != nil; e = e.next {
		if !match(e.v) {
			prev = e
			continue
		}
		if prev == nil {
			q.ptr = e.next
		} else {
			prev.next = e.next
		}
		if q.last == e {
			q.last = prev
		}
		q.n--
		return e.v, true
	}
	return val, false
}

// RemoveAll removes every item for which match returns true and returns how
// many were removed.
func (q *Queue[T]) RemoveAll(match func(T) bool) int {
	removed := 0
	for {
		if _, ok := q.Remove(match); !ok {
			return removed
		}
		removed++
	}
}

// Drain empties the Queue, returning its items oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return nil
	}
	out := make([]T, 0, q.n)
	for e := q.ptr; e != nil; e = e.next {
		out = append(out, e.v)
	}
	q.ptr, q.last, q.n = nil, nil, 0
	return out
}
