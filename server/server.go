/*
Package server binds a socket.Table to the RPC transport. It is the localsocks daemon minus
its command line.

Every client connection gets a session: the owner read from its credentials and a worker pool.
Calls that cannot block are answered inline. Calls that can (connect, accept and blocking
send/recv) are turned into a socket.Job, run on a worker and answered with a deferred reply, so
the connection keeps serving while they wait.

When the last connection of a process closes, every socket the process owned is closed.
*/
package server

import (
	"context"
	"encoding/json"
	"sync"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/johnsiilver/localsocks/config"
	"github.com/johnsiilver/localsocks/ipc/uds"
	"github.com/johnsiilver/localsocks/ipc/uds/rpc"
	"github.com/johnsiilver/localsocks/socket"
	"github.com/johnsiilver/localsocks/wire"
	"github.com/johnsiilver/localsocks/worker"
)

// Server serves a socket table to local clients.
type Server struct {
	cfg   config.Config
	table *socket.Table
	rpc   *rpc.Server

	mu       sync.Mutex
	sessions map[string]*session
	owners   map[socket.Owner]int
}

// New creates the server socket at cfg.SocketPath. Call Start() to serve.
func New(cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		sessions: map[string]*session{},
		owners:   map[socket.Owner]int{},
	}

	table, err := socket.New(
		socket.MaxSockets(cfg.MaxSockets),
		socket.MaxBacklog(cfg.MaxBacklog),
		socket.BufferSize(cfg.BufferSize),
		socket.ConnectTimeout(cfg.ConnectTimeout),
		socket.WithNotifier(socket.NotifierFunc(s.notify)),
	)
	if err != nil {
		return nil, err
	}
	s.table = table

	r, err := rpc.NewServer(
		cfg.SocketPath, -1, -1, cfg.SocketMode,
		rpc.ServerMaxSize(cfg.MaxMessageSize),
		rpc.OnConnect(s.connect),
		rpc.OnDisconnect(s.disconnect),
	)
	if err != nil {
		return nil, err
	}
	s.rpc = r
	s.register()
	return s, nil
}

// Start serves until Stop() is called or the listener fails.
func (s *Server) Start() error {
	return s.rpc.Start()
}

// Stop closes all client connections and waits for their sessions to end, or for ctx.
// Sessions still alive when ctx expires are torn down anyway.
func (s *Server) Stop(ctx context.Context) error {
	err := s.rpc.Stop(ctx)

	s.mu.Lock()
	left := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		left = append(left, sess)
	}
	s.mu.Unlock()

	for _, sess := range left {
		err = multierr.Append(err, errors.Errorf("session %s of %s did not end in time", sess.id, sess.owner))
		s.disconnect(sess.id, uds.Cred{})
	}
	return err
}

// Stats are counters of a Server.
type Stats struct {
	socket.Stats
	// Sessions is the number of client connections.
	Sessions int
	// Workers sums the worker pool counters of every session.
	Workers worker.Stats
}

// Stats returns the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Stats: s.table.Stats(), Sessions: len(s.sessions)}
	for _, sess := range s.sessions {
		ws := sess.pool.Stats()
		st.Workers.Spawned += ws.Spawned
		st.Workers.Reused += ws.Reused
		st.Workers.Idle += ws.Idle
		st.Workers.Live += ws.Live
	}
	return st
}

// notify pushes a readiness event to the connection that asked for it.
func (s *Server) notify(sub socket.Subscriber, h socket.Handle, ev socket.Event) {
	b, err := json.Marshal(wire.SelectEvent{Handle: int(h), Events: uint8(ev), Tag: sub.Tag})
	if err != nil {
		log.Errorf("bug: could not marshal select event: %s", err)
		return
	}
	if err := s.rpc.Push(sub.Client, wire.MethodSelectEvent, b); err != nil {
		log.V(1).Infof("socket %d: %s event for conn %s not delivered: %s", h, ev, sub.Client, err)
	}
}
