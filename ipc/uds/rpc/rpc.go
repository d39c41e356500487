/*
Package rpc provides an RPC service over Unix Domain Sockets for []byte in and []byte out data,
encoded in a JSON payload. Note that this package is usually used to build higher-level rpc
packages and not directly.

Besides request/response calls it supports:
	- one-way calls (Client.Send()), which the server never answers
	- deferred replies, where a handler returns ErrDeferred and answers later with the Replier
	  from its Context
	- server push (Server.Push()), delivered on Client.Notifications()

A simple client works like:
	client, err := New(pathToSocket)
	if err != nil {
		// Do something
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
	defer cancel()

	var resp []byte
	retry:
		if err := client.Call(ctx, "method", req, &resp); err != nil {
			if Retryable(err) {
				goto retry
			}
			// Do something here, cause you have a non-retryable error.
		}

Note: The server only returns errors to clients when something goes wrong in the RPC layer.
Service errors belong in the response.

Requests of one connection are handled in order, one at a time. A handler that would block
must defer its reply and do the work elsewhere.
*/
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"

	"github.com/johnsiilver/localsocks/ipc/uds"
	"github.com/johnsiilver/localsocks/ipc/uds/chunk"
	"github.com/johnsiilver/localsocks/queue/fifo"
)

// payload is the frame of every message. A request with ID 0 is one-way. A message from the
// server with ID 0 is a push.
type payload struct {
	ID          uint64
	ExpUnixNano int64   `json:",omitempty"`
	Method      string  `json:",omitempty"`
	Data        []byte  `json:",omitempty"`
	ErrType     ErrType `json:",omitempty"`
	Err         string  `json:",omitempty"`
}

// Notification is a message pushed by the server.
type Notification struct {
	Method string
	Data   []byte
}

// ErrClientClosed is returned by calls on a closed Client.
var ErrClientClosed = &Error{Type: ETClosed, Msg: "client is closed"}

// Client provides an RPC client with []byte in and []byte out.
type Client struct {
	udsClient *uds.Client
	chunker   *chunk.Client

	maxSize int64

	id uint64 // protected with atomic

	mu      sync.Mutex
	pending map[uint64]chan payload
	closed  bool

	notes   fifo.Queue[Notification]
	noteSem chan struct{}
	notify  chan Notification
	done    chan struct{}
}

// Option is an optional argument to New.
type Option func(c *Client)

// MaxSize is the maximum size a read message is allowed to be. If a message is larger than this, the
// underlying connection will be closed.
func MaxSize(size int64) Option {
	return func(c *Client) {
		c.maxSize = size
	}
}

// New is the constructor for Client.
func New(socketAddr string, options ...Option) (*Client, error) {
	udsClient, err := uds.NewClient(socketAddr, nil)
	if err != nil {
		return nil, err
	}

	client := &Client{
		udsClient: udsClient,
		pending:   map[uint64]chan payload{},
		noteSem:   make(chan struct{}, 1),
		notify:    make(chan Notification),
		done:      make(chan struct{}),
	}
	for _, o := range options {
		o(client)
	}

	chunker, err := chunk.New(udsClient, chunk.MaxSize(client.maxSize))
	if err != nil {
		udsClient.Close()
		return nil, err
	}
	client.chunker = chunker

	go client.readAndRoute()
	go client.deliver()
	return client, nil
}

// Close closes the underlying connection. Calls waiting for a reply fail with ErrClientClosed.
func (c *Client) Close() error {
	return c.udsClient.Close()
}

// Notifications returns messages pushed by the server. The channel is closed when the
// connection closes. Notifications are queued, not dropped, while nobody receives them.
func (c *Client) Notifications() <-chan Notification {
	return c.notify
}

// Call calls the RPC service. If ctx has no deadline the call waits until the server answers or
// the connection closes.
func (c *Client) Call(ctx context.Context, method string, req []byte, resp *[]byte) error {
	if resp == nil {
		return errors.New("must pass non-nil resp arg")
	}
	p, err := c.start(ctx, method, req)
	if err != nil {
		return err
	}
	return p.Wait(ctx, resp)
}

// Pending is a call whose request was written and whose reply has not been read.
type Pending struct {
	c  *Client
	id uint64
	ch chan payload
}

// Start writes a request that carries no deadline and returns without waiting for the reply.
// Requests on a Client reach the server in the order they were written, so a one-way Send()
// after Start() returns is handled after this request. Wait() must be called.
func (c *Client) Start(method string, req []byte) (*Pending, error) {
	return c.start(context.Background(), method, req)
}

func (c *Client) start(ctx context.Context, method string, req []byte) (*Pending, error) {
	if method == "" {
		return nil, errors.New("must pass non-empty method arg")
	}
	if c.maxSize > 0 && len(req) > int(c.maxSize) {
		return nil, errors.New("data has a size greater than your max size limit")
	}

	id := atomic.AddUint64(&c.id, 1)
	p := payload{
		ID:     id,
		Method: method,
		Data:   req,
	}
	if d, ok := ctx.Deadline(); ok {
		p.ExpUnixNano = d.UnixNano()
	}

	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal the JSON payload for the request")
	}

	pend := &Pending{c: c, id: id, ch: make(chan payload, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = pend.ch
	c.mu.Unlock()

	if err := c.chunker.Write(b); err != nil {
		pend.forget()
		return nil, errors.Wrap(err, "chunk could not be written")
	}
	return pend, nil
}

func (p *Pending) forget() {
	p.c.mu.Lock()
	delete(p.c.pending, p.id)
	p.c.mu.Unlock()
}

// Wait waits for the reply and stores it in resp. If ctx ends first the reply is dropped when
// it arrives.
func (p *Pending) Wait(ctx context.Context, resp *[]byte) error {
	defer p.forget()

	if resp == nil {
		return errors.New("must pass non-nil resp arg")
	}

	select {
	case <-ctx.Done():
		return Errorf(ETDeadlineExceeded, "%s", ctx.Err())
	case r, ok := <-p.ch:
		if !ok {
			return ErrClientClosed
		}
		if r.ErrType != ETUnknown || r.Err != "" {
			return Errorf(r.ErrType, "%s", r.Err)
		}
		*resp = r.Data
		return nil
	}
}

// Send sends a one-way request. The server never replies to it.
func (c *Client) Send(method string, req []byte) error {
	if method == "" {
		return errors.New("must pass non-empty method arg")
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	b, err := json.Marshal(payload{Method: method, Data: req})
	if err != nil {
		return errors.Wrap(err, "could not marshal the JSON payload for the request")
	}
	if err := c.chunker.Write(b); err != nil {
		return errors.Wrap(err, "chunk could not be written")
	}
	return nil
}

func (c *Client) readAndRoute() {
	defer c.shutdown()

	for {
		buff, err := c.chunker.Read()
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.V(1).Infof("rpc client: chunk could not be read (client is now closed): %s", err)
			}
			return
		}

		p := payload{}
		err = json.Unmarshal(buff.Bytes(), &p)
		c.chunker.Recycle(buff)
		if err != nil {
			log.Errorf("rpc client: received a set of bytes that could not be unmarshalled to a payload: %s", err)
			continue
		}

		if p.ID == 0 {
			c.notes.Push(Notification{Method: p.Method, Data: p.Data})
			select {
			case c.noteSem <- struct{}{}:
			default:
			}
			continue
		}

		c.mu.Lock()
		ch := c.pending[p.ID]
		c.mu.Unlock()
		// This happens if the call has already met a deadline, so we just drop this.
		if ch == nil {
			continue
		}
		ch <- p
	}
}

// shutdown fails every pending call and stops notification delivery.
func (c *Client) shutdown() {
	c.udsClient.Close()

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) deliver() {
	defer close(c.notify)

	for {
		n, ok := c.notes.Pop()
		if !ok {
			select {
			case <-c.noteSem:
				continue
			case <-c.done:
				return
			}
		}
		select {
		case c.notify <- n:
		case <-c.done:
			return
		}
	}
}

type ctxKey int

const (
	credKey ctxKey = iota
	connIDKey
	replierKey
)

// CredFromCtx will extract the Cred from the Context object.
func CredFromCtx(ctx context.Context) uds.Cred {
	return ctx.Value(credKey).(uds.Cred)
}

// ConnIDFromCtx will extract the ID of the connection the request arrived on.
func ConnIDFromCtx(ctx context.Context) string {
	return ctx.Value(connIDKey).(string)
}

// ReplierFromCtx returns the Replier for the request. It is only valid for handlers that
// return ErrDeferred.
func ReplierFromCtx(ctx context.Context) *Replier {
	return ctx.Value(replierKey).(*Replier)
}

// ErrDeferred is returned by a RequestHandler that will reply later with its Replier.
var ErrDeferred = errors.New("reply deferred")

// RequestHandler will receive a Context object with a Deadline set if the caller had one. You can
// retrieve the calling process creds with CredFromCtx. An error returned is sent with its ErrType
// if it is an *Error, as an ETServer error otherwise, unless it is ErrDeferred. The returned response of a one-way request is
// dropped.
type RequestHandler func(ctx context.Context, req []byte) (resp []byte, err error)

// ConnHook is called when a connection opens or closes.
type ConnHook func(connID string, cred uds.Cred)

// Replier answers a request after its handler returned.
type Replier struct {
	conn *serverConn
	id   uint64
	once sync.Once
}

// Reply sends resp as the response. Only the first Reply() or Error() call of a Replier is sent.
func (r *Replier) Reply(resp []byte) error {
	return r.send(payload{ID: r.id, Data: resp})
}

// Error sends err as an RPC error of type code.
func (r *Replier) Error(code ErrType, err error) error {
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) {
		msg = e.Msg
	}
	return r.send(payload{ID: r.id, ErrType: code, Err: msg})
}

func (r *Replier) send(p payload) error {
	if r.id == 0 {
		return nil
	}
	err := errors.New("reply already sent")
	r.once.Do(func() {
		err = r.conn.write(p)
	})
	return err
}

type serverConn struct {
	conn    *uds.Conn
	chunker *chunk.Client
}

func (c *serverConn) write(p payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "could not marshal payload")
	}
	return c.chunker.Write(b)
}

// Server provides a json RPC server.
type Server struct {
	udsServ  *uds.Server
	pool     *sync.Pool
	maxSize  int64
	handlers map[string]RequestHandler

	onConnect, onDisconnect ConnHook

	stop     chan struct{}
	stopOnce sync.Once
	inFlight sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*serverConn
}

// ServerOption is an optional argument to NewServer.
type ServerOption func(s *Server)

// ServerMaxSize is the maximum size of a request. A connection sending a larger one is closed.
func ServerMaxSize(size int64) ServerOption {
	return func(s *Server) {
		s.maxSize = size
	}
}

// OnConnect sets a hook called for every new connection, before its first request is read.
func OnConnect(h ConnHook) ServerOption {
	return func(s *Server) {
		s.onConnect = h
	}
}

// OnDisconnect sets a hook called when a connection closes, after its last handler returned.
func OnDisconnect(h ConnHook) ServerOption {
	return func(s *Server) {
		s.onDisconnect = h
	}
}

// NewServer is the constructor for a Server. It creates the socket at socketAddr, see uds.NewServer().
func NewServer(socketAddr string, uid, gid int, fileMode os.FileMode, options ...ServerOption) (*Server, error) {
	udsServ, err := uds.NewServer(socketAddr, uid, gid, fileMode)
	if err != nil {
		return nil, err
	}

	s := &Server{
		udsServ:  udsServ,
		pool:     chunk.NewPool(),
		stop:     make(chan struct{}),
		handlers: map[string]RequestHandler{},
		conns:    map[string]*serverConn{},
	}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Start starts the server. This will block until the server stops.
func (s *Server) Start() error {
	log.Infof("rpc server: serving on %s", s.udsServ.Path())
	for {
		select {
		case <-s.stop:
			return nil
		case conn, ok := <-s.udsServ.Conn():
			if !ok {
				select {
				case <-s.stop:
					return nil
				default:
				}
				if err := <-s.udsServ.Closed(); err != nil {
					return errors.Wrap(err, "rpc server stopped listening")
				}
				return errors.New("rpc server stopped listening")
			}
			s.inFlight.Add(1)
			err := ants.Submit(
				func() {
					defer s.inFlight.Done()
					s.handleRequests(conn)
				},
			)
			if err != nil {
				s.inFlight.Done()
				log.Errorf("rpc server: could not handle conn %s: %s", conn.ID, err)
				conn.Close()
			}
		}
	}
}

// Stop stops the server, which will stop listening for new connections and close the existing
// ones. Stop will return when all handlers have returned or the context deadline is reached(or
// cancelled). A nil error indicates that all handlers completed. Note: a Server cannot be reused.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		err = s.udsServ.Close()

		s.mu.Lock()
		for _, c := range s.conns {
			c.conn.Close()
		}
		s.mu.Unlock()
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.waitInFlight():
		return nil
	}
}

func (s *Server) waitInFlight() chan struct{} {
	ch := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(ch)
	}()
	return ch
}

// RegisterMethod registers an RPC method with the server. It must be called before Start().
func (s *Server) RegisterMethod(method string, handler RequestHandler) {
	if _, ok := s.handlers[method]; ok {
		panic("cannot register method " + method + " twice")
	}
	s.handlers[method] = handler
}

// Push sends a message with no reply to the connection connID.
func (s *Server) Push(connID string, method string, data []byte) error {
	s.mu.Lock()
	c := s.conns[connID]
	s.mu.Unlock()

	if c == nil {
		return errors.Errorf("connection %s not found", connID)
	}
	return c.write(payload{Method: method, Data: data})
}

func (s *Server) handleRequests(conn *uds.Conn) {
	chunker, err := chunk.New(conn, chunk.SharedPool(s.pool), chunk.MaxSize(s.maxSize))
	if err != nil {
		log.Error(err)
		conn.Close()
		return
	}
	sc := &serverConn{conn: conn, chunker: chunker}

	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conns[conn.ID] = sc
	s.mu.Unlock()

	log.V(1).Infof("rpc server: conn %s opened by pid %s uid %s", conn.ID, conn.Cred.PID, conn.Cred.UID)
	if s.onConnect != nil {
		s.onConnect(conn.ID, conn.Cred)
	}

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn.ID)
		s.mu.Unlock()

		if s.onDisconnect != nil {
			s.onDisconnect(conn.ID, conn.Cred)
		}
		log.V(1).Infof("rpc server: conn %s closed", conn.ID)
	}()

	for {
		buff, err := chunker.Read()
		if err != nil {
			if err != io.EOF {
				// If the server has been stopped, the read fails on the closed conn.
				select {
				case <-s.stop:
					return
				default:
				}
				log.V(1).Infof("rpc server: conn %s: %s", conn.ID, err)
			}
			return
		}
		s.callHandler(buff, sc)
	}
}

// callHandler unloads our frame (payload type), looks up the method to call and calls it.
func (s *Server) callHandler(req *bytes.Buffer, sc *serverConn) {
	defer sc.chunker.Recycle(req)

	p := payload{}
	if err := json.Unmarshal(req.Bytes(), &p); err != nil {
		log.Errorf("rpc server: got payload that could not be unmarshalled: %s", err)
		return
	}
	r := &Replier{conn: sc, id: p.ID}

	h, ok := s.handlers[p.Method]
	if !ok {
		r.Error(ETMethodNotFound, errors.Errorf("method(%s): not found", p.Method))
		return
	}

	ctx := context.Background()
	if p.ExpUnixNano != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.Unix(0, p.ExpUnixNano))
		defer cancel()
		if ctx.Err() != nil {
			// Nobody is listening for this any longer.
			return
		}
	}
	ctx = context.WithValue(ctx, credKey, sc.conn.Cred)
	ctx = context.WithValue(ctx, connIDKey, sc.conn.ID)
	ctx = context.WithValue(ctx, replierKey, r)

	resp, err := h(ctx, p.Data)
	switch {
	case err == ErrDeferred:
		return
	case err != nil:
		code := TypeOf(err)
		if code == ETUnknown {
			code = ETServer
		}
		r.Error(code, err)
		return
	}
	if err := r.Reply(resp); err != nil {
		log.V(1).Infof("rpc server: conn %s: could not reply to %s: %s", sc.conn.ID, p.Method, err)
	}
}
