/*
Package client is the Go API to a localsocks server.

Each method mirrors the socket call of the same name. Failures of the call itself are
returned as an errno.Errno, so callers can test them with errors.Is():

	c, err := client.New("/tmp/localsocks.sock")
	if err != nil {
		// Do something
	}
	defer c.Close()

	h, err := c.Socket(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		// Do something
	}
	if err := c.Connect(ctx, h, "/service"); errors.Is(err, errno.ECONNREFUSED) {
		// Nobody listens at /service.
	}

Errors that are not an errno.Errno come from the transport (the server went away, the
context expired) and are an *rpc.Error.

Calls that can block in the server (Connect, Accept, Send, Write, Recv, Read) are not
abandoned when ctx ends. The server is told to give up and the call returns its answer: the
context error if the server gave up in time, the result otherwise, so no data or connection
is lost to a timeout.
*/
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/johnsiilver/localsocks/errno"
	"github.com/johnsiilver/localsocks/ipc/uds/rpc"
	"github.com/johnsiilver/localsocks/wire"
)

// Client is a connection to a localsocks server. Sockets created through a Client are owned by
// the client process and are closed by the server when the last connection of the process ends.
type Client struct {
	rpc *rpc.Client

	lastCall atomic.Uint64

	mu      sync.Mutex
	nextTag uint64
	waiters map[uint64]chan wire.SelectEvent

	routed chan struct{}
}

// Option is an optional argument to New().
type Option func(c *options)

type options struct {
	maxSize int64
}

// MaxSize is the largest message the client accepts. It must match the server's
// max_message_size. Defaults to 1 MiB.
func MaxSize(size int64) Option {
	return func(o *options) {
		o.maxSize = size
	}
}

// New connects to the server listening at socketAddr.
func New(socketAddr string, opts ...Option) (*Client, error) {
	o := options{maxSize: 1 << 20}
	for _, opt := range opts {
		opt(&o)
	}

	r, err := rpc.New(socketAddr, rpc.MaxSize(o.maxSize))
	if err != nil {
		return nil, err
	}

	c := &Client{
		rpc:     r,
		waiters: map[uint64]chan wire.SelectEvent{},
		routed:  make(chan struct{}),
	}
	go c.route()
	return c, nil
}

// Close closes the connection. Sockets this process owns are closed by the server if this was
// its last connection.
func (c *Client) Close() error {
	err := c.rpc.Close()
	<-c.routed
	return err
}

// call sends req to method and decodes the response into resp.
func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	b, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "could not marshal %T", req)
	}
	var out []byte
	if err := c.rpc.Call(ctx, method, b, &out); err != nil {
		return err
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return errors.Wrapf(err, "%s: could not unmarshal %T", method, resp)
	}
	return nil
}

type status interface {
	Err() error
}

// blocking sends req to method, a call the server may hold for a long time, with a new call
// id from setCall. If ctx ends the server is asked to give up with MethodCancel, and blocking
// still waits for the reply, which is then a context error only if nothing was consumed.
func (c *Client) blocking(ctx context.Context, method string, setCall func(id uint64) interface{}, resp status) error {
	if err := ctx.Err(); err != nil {
		return rpc.Errorf(rpc.ETDeadlineExceeded, "%s", err)
	}

	id := c.lastCall.Add(1)
	req := setCall(id)
	b, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "could not marshal %T", req)
	}
	p, err := c.rpc.Start(method, b)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		cb, err := json.Marshal(wire.CancelReq{Call: id})
		if err != nil {
			log.Errorf("bug: client: could not marshal cancel: %s", err)
			return
		}
		if err := c.rpc.Send(wire.MethodCancel, cb); err != nil {
			log.V(1).Infof("client: cancel of call %d not sent: %s", id, err)
		}
	})
	defer stop()

	var out []byte
	if err := p.Wait(context.Background(), &out); err != nil {
		return err
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return errors.Wrapf(err, "%s: could not unmarshal %T", method, resp)
	}
	if errors.Is(resp.Err(), errno.EINTR) && ctx.Err() != nil {
		return rpc.Errorf(rpc.ETDeadlineExceeded, "%s", ctx.Err())
	}
	return nil
}

// Socket creates a socket and returns its handle.
func (c *Client) Socket(ctx context.Context, domain, typ, protocol int) (int, error) {
	resp := wire.SocketResp{}
	if err := c.call(ctx, wire.MethodSocket, wire.SocketReq{Domain: domain, Type: typ, Protocol: protocol}, &resp); err != nil {
		return -1, err
	}
	if err := resp.Err(); err != nil {
		return -1, err
	}
	return resp.Ret(), nil
}

// Socketpair creates two sockets connected to each other.
func (c *Client) Socketpair(ctx context.Context, domain, typ, protocol int) ([2]int, error) {
	resp := wire.SocketpairResp{}
	if err := c.call(ctx, wire.MethodSocketpair, wire.SocketReq{Domain: domain, Type: typ, Protocol: protocol}, &resp); err != nil {
		return [2]int{-1, -1}, err
	}
	if err := resp.Err(); err != nil {
		return [2]int{-1, -1}, err
	}
	return resp.Handles, nil
}

// Bind gives socket h the address path.
func (c *Client) Bind(ctx context.Context, h int, path string) error {
	resp := wire.Resp{}
	if err := c.call(ctx, wire.MethodBind, wire.AddrReq{Handle: h, Path: path}, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// Listen makes the bound socket h accept connections.
func (c *Client) Listen(ctx context.Context, h int, backlog int) error {
	resp := wire.Resp{}
	if err := c.call(ctx, wire.MethodListen, wire.ListenReq{Handle: h, Backlog: backlog}, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// Connect connects h to the socket listening at path. For a blocking socket it returns when a
// listener accepted the connection.
func (c *Client) Connect(ctx context.Context, h int, path string) error {
	resp := wire.Resp{}
	set := func(id uint64) interface{} { return wire.AddrReq{Handle: h, Path: path, Call: id} }
	if err := c.blocking(ctx, wire.MethodConnect, set, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// Accept returns the handle of the next connection on listening socket h and the address of
// the connecting socket, which is "" for an unbound connector.
func (c *Client) Accept(ctx context.Context, h int) (int, string, error) {
	resp := wire.AcceptResp{}
	set := func(id uint64) interface{} { return wire.HandleReq{Handle: h, Call: id} }
	if err := c.blocking(ctx, wire.MethodAccept, set, &resp); err != nil {
		return -1, "", err
	}
	if err := resp.Err(); err != nil {
		return -1, "", err
	}
	return resp.Ret(), resp.Path, nil
}

// Send sends data on h and returns how many bytes were sent.
func (c *Client) Send(ctx context.Context, h int, data []byte, flags int) (int, error) {
	return c.send(ctx, wire.MethodSend, h, data, flags)
}

// Write is Send() without flags.
func (c *Client) Write(ctx context.Context, h int, data []byte) (int, error) {
	return c.send(ctx, wire.MethodWrite, h, data, 0)
}

func (c *Client) send(ctx context.Context, method string, h int, data []byte, flags int) (int, error) {
	resp := wire.Resp{}
	set := func(id uint64) interface{} { return wire.SendReq{Handle: h, Data: data, Flags: flags, Call: id} }
	if err := c.blocking(ctx, method, set, &resp); err != nil {
		return 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, err
	}
	return resp.Ret(), nil
}

// Recv receives up to n bytes from h. End of file is an empty, non-nil slice.
func (c *Client) Recv(ctx context.Context, h int, n int, flags int) ([]byte, error) {
	return c.recv(ctx, wire.MethodRecv, h, n, flags)
}

// Read is Recv() without flags.
func (c *Client) Read(ctx context.Context, h int, n int) ([]byte, error) {
	return c.recv(ctx, wire.MethodRead, h, n, 0)
}

func (c *Client) recv(ctx context.Context, method string, h int, n int, flags int) ([]byte, error) {
	resp := wire.RecvResp{}
	set := func(id uint64) interface{} { return wire.RecvReq{Handle: h, Len: n, Flags: flags, Call: id} }
	if err := c.blocking(ctx, method, set, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = []byte{}
	}
	return resp.Data, nil
}

// Shutdown disables receiving (SHUT_RD), sending (SHUT_WR) or both (SHUT_RDWR) on h.
func (c *Client) Shutdown(ctx context.Context, h int, how int) error {
	resp := wire.Resp{}
	if err := c.call(ctx, wire.MethodShutdown, wire.ShutdownReq{Handle: h, How: how}, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// CloseSocket closes h.
func (c *Client) CloseSocket(ctx context.Context, h int) error {
	resp := wire.Resp{}
	if err := c.call(ctx, wire.MethodClose, wire.HandleReq{Handle: h}, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// Fcntl supports F_GETFL and F_SETFL with O_NONBLOCK.
func (c *Client) Fcntl(ctx context.Context, h int, cmd int, arg int) (int, error) {
	return c.ctl(ctx, wire.MethodFcntl, h, cmd, arg)
}

// Ioctl supports wire.FIONREAD.
func (c *Client) Ioctl(ctx context.Context, h int, cmd int) (int, error) {
	return c.ctl(ctx, wire.MethodIoctl, h, cmd, 0)
}

func (c *Client) ctl(ctx context.Context, method string, h int, cmd int, arg int) (int, error) {
	resp := wire.Resp{}
	if err := c.call(ctx, method, wire.CtlReq{Handle: h, Cmd: cmd, Arg: arg}, &resp); err != nil {
		return 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, err
	}
	return resp.Ret(), nil
}

// route hands pushed select events to the Select() call waiting for them.
func (c *Client) route() {
	defer close(c.routed)

	for n := range c.rpc.Notifications() {
		if n.Method != wire.MethodSelectEvent {
			log.Errorf("client: unknown notification %q", n.Method)
			continue
		}
		ev := wire.SelectEvent{}
		if err := json.Unmarshal(n.Data, &ev); err != nil {
			log.Errorf("client: bad select event: %s", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.waiters[ev.Tag]
		c.mu.Unlock()
		if !ok {
			// The Select() ended before the event arrived.
			continue
		}
		select {
		case ch <- ev:
		default:
			log.Errorf("bug: client: select %d got more events than it registered", ev.Tag)
		}
	}
}
