package server

import (
	"context"
	"encoding/json"

	log "github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/johnsiilver/localsocks/errno"
	"github.com/johnsiilver/localsocks/ipc/uds/rpc"
	"github.com/johnsiilver/localsocks/socket"
	"github.com/johnsiilver/localsocks/wire"
)

// handler is a method implementation. It returns the response to marshal, or nil if the reply
// is deferred.
type handler func(ctx context.Context, sess *session, req []byte) (interface{}, error)

func (s *Server) register() {
	methods := map[string]handler{
		wire.MethodSocket:     s.socket,
		wire.MethodSocketpair: s.socketpair,
		wire.MethodBind:       s.bind,
		wire.MethodListen:     s.listen,
		wire.MethodConnect:    s.connectTo,
		wire.MethodAccept:     s.accept,
		wire.MethodSend:       s.send(socket.OpSend),
		wire.MethodWrite:      s.send(socket.OpWrite),
		wire.MethodRecv:       s.recv(socket.OpRecv),
		wire.MethodRead:       s.recv(socket.OpRead),
		wire.MethodShutdown:   s.shutdown,
		wire.MethodClose:      s.close,
		wire.MethodFcntl:      s.fcntl,
		wire.MethodIoctl:      s.ioctl,

		wire.MethodSelectRequest: s.selectRequest,
		wire.MethodSelectClear:   s.selectClear,
		wire.MethodCancel:        s.cancel,
	}
	for name, h := range methods {
		s.rpc.RegisterMethod(name, s.wrap(name, h))
	}
}

// wrap adapts h to an rpc.RequestHandler.
func (s *Server) wrap(method string, h handler) rpc.RequestHandler {
	return func(ctx context.Context, req []byte) ([]byte, error) {
		sess := s.session(rpc.ConnIDFromCtx(ctx))
		if sess == nil {
			return nil, rpc.Errorf(rpc.ETServer, "no session for connection")
		}

		resp, err := h(ctx, sess, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, rpc.ErrDeferred
		}
		b, err := json.Marshal(resp)
		if err != nil {
			log.Errorf("bug: %s: could not marshal response: %s", method, err)
			return nil, rpc.Errorf(rpc.ETServer, "could not marshal response")
		}
		return b, nil
	}
}

func decode(req []byte, v interface{}) error {
	if err := json.Unmarshal(req, v); err != nil {
		return rpc.Errorf(rpc.ETBadData, "could not decode %T: %s", v, err)
	}
	return nil
}

// as returns the Table as seen by the session's process. Operations on a socket the
// process does not own fail with EBADF.
func (s *Server) as(sess *session) socket.Caller {
	return s.table.As(sess.owner)
}

func (s *Server) socket(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.SocketReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	h, err := s.table.Socket(r.Domain, r.Type, r.Protocol, sess.owner)
	return wire.SocketResp{Status: wire.StatusOf(int(h), err)}, nil
}

func (s *Server) socketpair(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.SocketReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	a, b, err := s.table.Socketpair(r.Domain, r.Type, r.Protocol, sess.owner)
	return wire.SocketpairResp{Status: wire.StatusOf(0, err), Handles: [2]int{int(a), int(b)}}, nil
}

func (s *Server) bind(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.AddrReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	err := s.as(sess).Bind(socket.Handle(r.Handle), r.Path)
	return wire.Resp{Status: wire.StatusOf(0, err)}, nil
}

func (s *Server) listen(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.ListenReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	err := s.as(sess).Listen(socket.Handle(r.Handle), r.Backlog)
	return wire.Resp{Status: wire.StatusOf(0, err)}, nil
}

func (s *Server) connectTo(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.AddrReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	j := &socket.Job{Op: socket.OpConnect, Handle: socket.Handle(r.Handle), Path: r.Path}
	return s.dispatch(ctx, sess, r.Call, j)
}

func (s *Server) accept(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.HandleReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	j := &socket.Job{Op: socket.OpAccept, Handle: socket.Handle(r.Handle)}
	if s.cfg.SyncIO && s.as(sess).NonBlocking(j.Handle) {
		return s.runNow(sess, j), nil
	}
	return s.dispatch(ctx, sess, r.Call, j)
}

func (s *Server) send(op socket.Op) handler {
	return func(ctx context.Context, sess *session, req []byte) (interface{}, error) {
		r := wire.SendReq{}
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		j := &socket.Job{Op: op, Handle: socket.Handle(r.Handle), Data: r.Data}
		if op == socket.OpSend {
			j.Flags = r.Flags
		}
		if s.cfg.SyncIO && (j.Flags&socket.MsgDontWait != 0 || s.as(sess).NonBlocking(j.Handle)) {
			return s.runNow(sess, j), nil
		}
		return s.dispatch(ctx, sess, r.Call, j)
	}
}

func (s *Server) recv(op socket.Op) handler {
	return func(ctx context.Context, sess *session, req []byte) (interface{}, error) {
		r := wire.RecvReq{}
		if err := decode(req, &r); err != nil {
			return nil, err
		}
		j := &socket.Job{Op: op, Handle: socket.Handle(r.Handle), Len: r.Len}
		if op == socket.OpRecv {
			j.Flags = r.Flags
		}
		if s.cfg.SyncIO && (j.Flags&socket.MsgDontWait != 0 || s.as(sess).NonBlocking(j.Handle)) {
			return s.runNow(sess, j), nil
		}
		return s.dispatch(ctx, sess, r.Call, j)
	}
}

func (s *Server) shutdown(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.ShutdownReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	err := s.as(sess).Shutdown(socket.Handle(r.Handle), r.How)
	return wire.Resp{Status: wire.StatusOf(0, err)}, nil
}

func (s *Server) close(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.HandleReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	err := s.as(sess).Close(socket.Handle(r.Handle))
	return wire.Resp{Status: wire.StatusOf(0, err)}, nil
}

func (s *Server) fcntl(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.CtlReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	ret, err := s.as(sess).Fcntl(socket.Handle(r.Handle), r.Cmd, r.Arg)
	return wire.Resp{Status: wire.StatusOf(ret, err)}, nil
}

func (s *Server) ioctl(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.CtlReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	ret, err := s.as(sess).Ioctl(socket.Handle(r.Handle), r.Cmd)
	return wire.Resp{Status: wire.StatusOf(ret, err)}, nil
}

// selectRequest is one-way. A registration that fails is answered with an EXCEPT event, so
// the client does not wait for an event that never comes.
func (s *Server) selectRequest(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.SelectReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	sub := socket.Subscriber{Client: sess.id, Tag: r.Tag}
	h := socket.Handle(r.Handle)

	if err := s.as(sess).Register(h, sub, socket.Event(r.Events)); err != nil {
		log.V(1).Infof("session %s: select on socket %d: %s", sess.id, r.Handle, err)
		s.notify(sub, h, socket.EventExcept)
	}
	return wire.Resp{}, nil
}

func (s *Server) selectClear(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.SelectReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	sub := socket.Subscriber{Client: sess.id, Tag: r.Tag}
	if err := s.as(sess).Deregister(socket.Handle(r.Handle), sub, socket.Event(r.Events)); err != nil {
		log.V(1).Infof("session %s: select clear on socket %d: %s", sess.id, r.Handle, err)
	}
	return wire.Resp{}, nil
}

// cancel is one-way. It makes a blocking call of the session give up, see wire.CancelReq.
func (s *Server) cancel(ctx context.Context, sess *session, req []byte) (interface{}, error) {
	r := wire.CancelReq{}
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if !sess.cancelCall(r.Call) {
		log.V(2).Infof("session %s: cancel of call %d that is not running", sess.id, r.Call)
	}
	return wire.Resp{}, nil
}

// response builds the response of a finished job.
func response(j *socket.Job) interface{} {
	switch j.Op {
	case socket.OpAccept:
		return wire.AcceptResp{Status: wire.StatusOf(j.Ret, j.Err), Path: j.OutPath}
	case socket.OpRecv, socket.OpRead:
		return wire.RecvResp{Status: wire.StatusOf(j.Ret, j.Err), Data: j.Out}
	case socket.OpConnect:
		return wire.Resp{Status: wire.StatusOf(0, j.Err)}
	}
	return wire.Resp{Status: wire.StatusOf(j.Ret, j.Err)}
}

// runNow runs a job that will not block on the connection's goroutine.
func (s *Server) runNow(sess *session, j *socket.Job) interface{} {
	j.ID = uuid.NewString()
	j.Caller = sess.owner
	s.table.Run(j)
	return response(j)
}

// job adapts a socket.Job to a worker.Job.
type job struct {
	*socket.Job
	table *socket.Table
}

func (j job) Execute(worker uint64) {
	j.Worker = worker
	j.table.Run(j.Job)
}

func (j job) Reply() {
	j.Job.Reply(j.Job)
}

// dispatch runs j on a worker of the session and defers the reply until it finishes. A call
// id other than 0 lets the client cancel j with MethodCancel. j also gives up when the session
// ends or the request deadline passes.
func (s *Server) dispatch(ctx context.Context, sess *session, call uint64, j *socket.Job) (interface{}, error) {
	r := rpc.ReplierFromCtx(ctx)

	jctx, cancel := context.WithCancel(sess.ctx)
	if d, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		jctx, cancelDeadline = context.WithDeadline(jctx, d)
		cancelCall := cancel
		cancel = func() {
			cancelDeadline()
			cancelCall()
		}
	}
	sess.track(call, cancel)

	j.ID = uuid.NewString()
	j.Caller = sess.owner
	j.Ctx = jctx
	j.Reply = func(j *socket.Job) {
		defer func() {
			sess.untrack(call)
			cancel()
		}()

		b, err := json.Marshal(response(j))
		if err != nil {
			log.Errorf("bug: job %s: could not marshal response: %s", j.ID, err)
			r.Error(rpc.ETServer, err)
			return
		}
		if err := r.Reply(b); err != nil {
			log.V(1).Infof("job %s: reply to %s on worker %d not sent: %s", j.ID, j.Caller, j.Worker, err)
		}
	}

	if _, err := sess.pool.Submit(job{Job: j, table: s.table}); err != nil {
		sess.untrack(call)
		cancel()
		log.Errorf("session %s: could not run job %s: %s", sess.id, j.ID, err)
		return response(&socket.Job{Op: j.Op, Err: errno.ENOMEM}), nil
	}
	return nil, nil
}
