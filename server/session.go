package server

import (
	"context"
	"sync"

	log "github.com/golang/glog"

	"github.com/johnsiilver/localsocks/ipc/uds"
	"github.com/johnsiilver/localsocks/socket"
	"github.com/johnsiilver/localsocks/worker"
)

// session is the server side state of one client connection.
type session struct {
	id    string
	owner socket.Owner
	pool  *worker.Pool
	done  chan struct{}

	// ctx is the parent of every job of the session. It ends with the session.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// calls are the cancel funcs of running jobs, by client call id.
	calls map[uint64]context.CancelFunc
}

// track records the cancel func of the job for call. A call of 0 is not tracked.
func (sess *session) track(call uint64, cancel context.CancelFunc) {
	if call == 0 {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if old, ok := sess.calls[call]; ok {
		log.Errorf("session %s: call id %d reused while running", sess.id, call)
		old()
	}
	sess.calls[call] = cancel
}

// untrack forgets call once its job is done.
func (sess *session) untrack(call uint64) {
	sess.mu.Lock()
	delete(sess.calls, call)
	sess.mu.Unlock()
}

// cancelCall makes the job of call give up. It reports if call was running.
func (sess *session) cancelCall(call uint64) bool {
	sess.mu.Lock()
	cancel, ok := sess.calls[call]
	sess.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// replies answers the jobs of workers that parked, until the session ends.
func (sess *session) replies() {
	for {
		select {
		case j := <-sess.pool.Completed():
			j.Reply()
		case <-sess.done:
			return
		}
	}
}

func (s *Server) connect(connID string, cred uds.Cred) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     connID,
		owner:  socket.Owner{PID: cred.PID.Int(), UID: cred.UID.Int()},
		pool:   worker.New(worker.MaxIdle(s.cfg.IdleWorkers)),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		calls:  map[uint64]context.CancelFunc{},
	}
	go sess.replies()

	s.mu.Lock()
	s.sessions[connID] = sess
	s.owners[sess.owner]++
	s.mu.Unlock()

	log.Infof("session %s: started for %s", connID, sess.owner)
}

func (s *Server) disconnect(connID string, _ uds.Cred) {
	s.mu.Lock()
	sess, ok := s.sessions[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, connID)
	s.owners[sess.owner]--
	last := s.owners[sess.owner] == 0
	if last {
		delete(s.owners, sess.owner)
	}
	s.mu.Unlock()

	s.table.DeregisterClient(connID)
	// Jobs still blocked give up, nobody is left to answer.
	sess.cancel()
	sess.pool.Close()
	close(sess.done)

	closed := 0
	if last {
		// Wakes workers of this session still blocked on the owner's sockets.
		closed = s.table.CloseOwned(sess.owner)
	}
	log.Infof("session %s: ended for %s, closed %d sockets", connID, sess.owner, closed)
}

func (s *Server) session(connID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[connID]
}
