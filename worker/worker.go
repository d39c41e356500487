/*
Package worker provides a pool of goroutines that run blocking jobs for one client
connection.

A job that blocks (an accept waiting for a connector, a recv waiting for data)
holds its worker until it finishes. When it does, the worker either parks, if the
pool wants more idle workers, or replies to the job itself and exits. A parked
worker hands its finished job to the pool's Completed() channel, so the dispatcher
side of the connection sends the reply, and waits to be handed the next job.

	p := worker.New(worker.MaxIdle(2))
	defer p.Close()

	go func() {
		for j := range p.Completed() {
			j.Reply()
		}
	}()

	id, err := p.Submit(job)
*/
package worker

import (
	"sync"

	log "github.com/golang/glog"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"

	"github.com/johnsiilver/localsocks/signal"
)

// ErrClosed is returned by Submit() after Close().
var ErrClosed = errors.New("worker pool is closed")

// Job is a unit of work.
type Job interface {
	// Execute does the work on the worker with the given id. It may block.
	Execute(worker uint64)
	// Reply sends the result of Execute to whoever asked for it.
	Reply()
}

// Spawner starts task on a new goroutine.
type Spawner func(task func()) error

// Option is an optional argument to New().
type Option func(p *Pool)

// MaxIdle sets how many finished workers are kept for reuse. The default is 2.
func MaxIdle(n int) Option {
	return func(p *Pool) {
		p.maxIdle = n
	}
}

// WithSpawner replaces the function that starts workers. The default is ants.Submit.
func WithSpawner(s Spawner) Option {
	return func(p *Pool) {
		p.spawn = s
	}
}

// Stats are counters of a Pool.
type Stats struct {
	// Spawned is the number of workers started.
	Spawned uint64
	// Reused is the number of jobs handed to an idle worker.
	Reused uint64
	// Idle is the number of parked workers.
	Idle int
	// Live is the number of workers that have not exited.
	Live int
}

type worker struct {
	id  uint64
	sig signal.Signaler[Job]
}

// Pool runs jobs on workers. It must be created with New().
type Pool struct {
	maxIdle int
	spawn   Spawner

	completed chan Job
	stop      chan struct{}

	mu     sync.Mutex
	idle   []*worker
	closed bool
	nextID uint64
	stats  Stats
}

// New is the constructor for Pool.
func New(options ...Option) *Pool {
	p := &Pool{
		maxIdle: 2,
		spawn:   ants.Submit,
		stop:    make(chan struct{}),
	}
	for _, o := range options {
		o(p)
	}
	if p.maxIdle < 0 {
		p.maxIdle = 0
	}
	p.completed = make(chan Job, p.maxIdle+1)
	return p
}

// Completed returns the jobs finished by workers that parked. The receiver must
// call Reply() on each of them.
func (p *Pool) Completed() <-chan Job {
	return p.completed
}

// Submit runs j on an idle worker, or a new one if none is idle. It returns the
// id of the worker.
func (p *Pool) Submit(j Job) (uint64, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}

	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		// A parked worker has drained its last signal, so there is room for this one.
		if w.sig.TrySignal(j) {
			p.stats.Reused++
			p.mu.Unlock()
			return w.id, nil
		}
		log.Errorf("bug: idle worker %d still has a job pending", w.id)
	}

	p.nextID++
	w := &worker{id: p.nextID, sig: signal.New[Job]()}
	p.stats.Spawned++
	p.stats.Live++
	p.mu.Unlock()

	if err := p.spawn(func() { p.run(w, j) }); err != nil {
		p.mu.Lock()
		p.stats.Live--
		p.mu.Unlock()
		return 0, errors.Wrap(err, "could not start a worker")
	}
	return w.id, nil
}

func (p *Pool) run(w *worker, j Job) {
	for {
		j.Execute(w.id)

		if !p.park(w) {
			j.Reply()
			log.V(2).Infof("worker %d: exited", w.id)
			return
		}

		select {
		case p.completed <- j:
		case <-p.stop:
			j.Reply()
		}

		next, ok := <-w.sig.Receive()
		if !ok {
			p.mu.Lock()
			p.stats.Live--
			p.mu.Unlock()
			log.V(2).Infof("worker %d: stopped while idle", w.id)
			return
		}
		j = next
	}
}

// park puts w on the idle list and reports if it did. A worker that is not
// parked is no longer counted as live.
func (p *Pool) park(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle) >= p.maxIdle {
		p.stats.Live--
		return false
	}
	p.idle = append(p.idle, w)
	return true
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Idle = len(p.idle)
	return s
}

// Close stops idle workers. Workers running a job finish it, reply and exit.
// Jobs parked workers finish after Close are replied by the worker, not sent on
// Completed().
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.stop)
	for _, w := range p.idle {
		w.sig.Close()
	}
	p.idle = nil
}
