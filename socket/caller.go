package socket

import (
	"context"

	"github.com/johnsiilver/localsocks/errno"
)

// call carries who runs an operation and when to give up waiting. The zero call
// may operate on any socket and never gives up.
type call struct {
	owner *Owner
	ctx   context.Context
}

// owns reports if the caller may operate on d. d.mu must be held.
func (c call) owns(d *desc) bool {
	return d.visible() && (c.owner == nil || d.owner == *c.owner)
}

// done is closed when the caller gives up. It is nil, which never fires in a
// select, when the caller cannot.
func (c call) done() <-chan struct{} {
	if c.ctx == nil {
		return nil
	}
	return c.ctx.Done()
}

// aborted reports if the caller gave up.
func (c call) aborted() bool {
	return c.ctx != nil && c.ctx.Err() != nil
}

// Caller runs Table operations on behalf of one owner. A handle that is not
// owned by it is EBADF, and the ownership check happens under the same lock as
// the operation, so a handle closed and reused by another owner in between is
// never touched.
type Caller struct {
	t *Table
	c call
}

// As returns a Caller for owner.
func (t *Table) As(owner Owner) Caller {
	o := owner
	return Caller{t: t, c: call{owner: &o}}
}

// WithContext returns a copy of c whose blocking operations give up with EINTR
// when ctx is done. They give up before consuming data or a connection, so
// nothing is lost.
func (c Caller) WithContext(ctx context.Context) Caller {
	c.c.ctx = ctx
	return c
}

func (c Caller) Bind(h Handle, path string) error {
	return c.t.bind(c.c, h, path)
}

func (c Caller) Listen(h Handle, backlog int) error {
	return c.t.listen(c.c, h, backlog)
}

func (c Caller) Connect(h Handle, path string) error {
	return c.t.connect(c.c, h, path)
}

func (c Caller) Accept(h Handle) (Handle, string, error) {
	return c.t.accept(c.c, h)
}

func (c Caller) Send(h Handle, data []byte, flags int) (int, error) {
	return c.t.send(c.c, h, data, flags)
}

func (c Caller) Recv(h Handle, n int, flags int) ([]byte, error) {
	return c.t.recv(c.c, h, n, flags)
}

func (c Caller) Shutdown(h Handle, how int) error {
	return c.t.shutdown(c.c, h, how)
}

func (c Caller) Close(h Handle) error {
	return c.t.close(c.c, h)
}

func (c Caller) Fcntl(h Handle, cmd int, arg int) (int, error) {
	return c.t.fcntl(c.c, h, cmd, arg)
}

func (c Caller) Ioctl(h Handle, cmd int) (int, error) {
	return c.t.ioctl(c.c, h, cmd)
}

func (c Caller) Register(h Handle, sub Subscriber, mask Event) error {
	return c.t.register(c.c, h, sub, mask)
}

func (c Caller) Deregister(h Handle, sub Subscriber, mask Event) error {
	return c.t.deregister(c.c, h, sub, mask)
}

// NonBlocking reports if h is in non-blocking mode. It is false for a handle the
// owner does not own.
func (c Caller) NonBlocking(h Handle) bool {
	d := c.t.get(h)
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return c.c.owns(d) && d.nonBlock
}

// errAborted is what a blocking operation returns when its caller gives up.
var errAborted = errno.EINTR
