/*
Package socket implements connection oriented local (AF_UNIX, SOCK_STREAM) sockets
entirely in memory.

A Table holds every socket descriptor and every bound address. Clients never see a
descriptor, only its Handle. Operations follow POSIX semantics: blocking calls
block until a peer acts, non-blocking calls return EWOULDBLOCK or EINPROGRESS and
errors are unix.Errno values (see the errno package).

	t, err := socket.New(socket.MaxSockets(64))
	if err != nil {
		// Do something
	}

	srv, _ := t.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0, owner)
	t.Bind(srv, "/run/app")
	t.Listen(srv, 4)

	go func() {
		cli, _ := t.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0, owner)
		t.Connect(cli, "/run/app")
		t.Send(cli, []byte("hello"), 0)
	}()

	conn, _, _ := t.Accept(srv)
	b, _ := t.Recv(conn, 5, 0)

Locking

Each descriptor has its own lock. Operations that touch both ends of a connection
(send, recv, shutdown, close, ioctl) acquire the pair with lockPair, which never
blocks on the second lock: it tries it, and on contention releases the first and
starts over from the peer. Waiters are always woken and subscribers notified
after every descriptor lock is released.

Ownership

The Table methods act for anyone. A server acting for a client process uses
t.As(owner), which checks ownership under the same lock as the operation, and
WithContext(ctx) to let a blocking call give up with EINTR.
*/
package socket

import (
	"fmt"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/johnsiilver/localsocks/errno"
	isync "github.com/johnsiilver/localsocks/internal/sync"
	"github.com/johnsiilver/localsocks/queue/fifo"
)

// Handle identifies a socket in a Table.
type Handle int

// NoHandle is the Handle of no socket.
const NoHandle Handle = -1

// Owner identifies the client process that created a socket.
type Owner struct {
	// PID is the process id of the client.
	PID int
	// UID is the user id of the client.
	UID int
}

func (o Owner) String() string {
	return fmt.Sprintf("pid(%d)/uid(%d)", o.PID, o.UID)
}

// Phase is the basic state of a socket.
type Phase uint8

const (
	// PhaseNil is a fresh socket.
	PhaseNil Phase = iota
	// PhaseBind is a socket bound to an address.
	PhaseBind
	// PhaseListen is a bound socket accepting connections.
	PhaseListen
	// PhaseConnect is the client end of a connection.
	PhaseConnect
	// PhaseAccept is the server end of a connection, returned by Accept().
	PhaseAccept
)

func (p Phase) String() string {
	switch p {
	case PhaseNil:
		return "NIL"
	case PhaseBind:
		return "BIND"
	case PhaseListen:
		return "LISTEN"
	case PhaseConnect:
		return "CONNECT"
	case PhaseAccept:
		return "ACCEPT"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Defaults for the Table options.
const (
	DefaultMaxSockets     = 128
	DefaultMaxBacklog     = 8
	DefaultBufferSize     = 8192
	DefaultConnectTimeout = 60 * time.Second
)

// desc is a socket descriptor. Everything below mu is protected by mu.
type desc struct {
	handle Handle

	mu isync.Mutex

	used   bool
	stream bool
	owner  Owner

	phase Phase
	// Capabilities.
	canSend  bool
	canRecv  bool
	hasPeer  bool
	nonBlock bool
	// draining marks a closed socket whose peer still has bytes to read from buf.
	draining bool
	// wasConnected separates EPIPE/EOF from ENOTCONN once the peer is gone.
	wasConnected bool

	// Transient markers.
	accepting int
	sending   bool
	recving   bool
	// connect is this socket's pending request while connecting.
	connect *connReq

	addr    int
	backlog int
	peer    Handle

	// lq is only set while listening.
	lq *listenQueue

	readers fifo.Queue[Subscriber]
	writers fifo.Queue[Subscriber]
	excepts fifo.Queue[Subscriber]

	// buf is this socket's send buffer. The peer reads from it.
	buf *ring
}

// connected reports if d is linked to a live peer.
func (d *desc) connected() bool {
	return d.hasPeer && d.peer != NoHandle
}

// visible reports if a client may still operate on d.
func (d *desc) visible() bool {
	return d.used && !d.draining
}

// reset returns d to its unused state. d.mu must be held.
func (d *desc) reset() {
	d.used = false
	d.stream = false
	d.owner = Owner{}
	d.phase = PhaseNil
	d.canSend, d.canRecv, d.hasPeer, d.nonBlock = false, false, false, false
	d.draining, d.wasConnected = false, false
	d.accepting = 0
	d.sending, d.recving = false, false
	d.connect = nil
	d.addr = -1
	d.backlog = 0
	d.peer = NoHandle
	d.lq = nil
	d.readers.Drain()
	d.writers.Drain()
	d.excepts.Drain()
	d.buf = nil
}

// Option is an optional argument to New.
type Option func(t *Table)

// MaxSockets sets the size of the socket table. The address table has the same size.
func MaxSockets(n int) Option {
	return func(t *Table) {
		t.maxSockets = n
	}
}

// MaxBacklog caps the backlog a listening socket may ask for.
func MaxBacklog(n int) Option {
	return func(t *Table) {
		t.maxBacklog = n
	}
}

// BufferSize sets the capacity of the send buffer of each connected socket.
func BufferSize(n int) Option {
	return func(t *Table) {
		t.bufferSize = n
	}
}

// ConnectTimeout sets how long a blocking Connect() waits for an Accept().
func ConnectTimeout(d time.Duration) Option {
	return func(t *Table) {
		t.connectTimeout = d
	}
}

// WithNotifier sets where readiness events are delivered.
func WithNotifier(n Notifier) Option {
	return func(t *Table) {
		t.notifier = n
	}
}

// Table holds all sockets and bound addresses.
type Table struct {
	maxSockets     int
	maxBacklog     int
	bufferSize     int
	connectTimeout time.Duration
	notifier       Notifier

	addrs *addrTable
	socks []desc

	// mu protects the slot reservations.
	mu    sync.Mutex
	inUse []bool
	count int
}

// New is the constructor for Table.
func New(options ...Option) (*Table, error) {
	t := &Table{
		maxSockets:     DefaultMaxSockets,
		maxBacklog:     DefaultMaxBacklog,
		bufferSize:     DefaultBufferSize,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, o := range options {
		o(t)
	}

	switch {
	case t.maxSockets < 2:
		return nil, fmt.Errorf("MaxSockets(%d) must be at least 2", t.maxSockets)
	case t.maxBacklog < 1:
		return nil, fmt.Errorf("MaxBacklog(%d) must be at least 1", t.maxBacklog)
	case t.bufferSize < 1:
		return nil, fmt.Errorf("BufferSize(%d) must be at least 1", t.bufferSize)
	case t.connectTimeout <= 0:
		return nil, fmt.Errorf("ConnectTimeout(%v) must be positive", t.connectTimeout)
	}
	if t.notifier == nil {
		t.notifier = discard{}
	}

	t.addrs = newAddrTable(t.maxSockets)
	t.socks = make([]desc, t.maxSockets)
	t.inUse = make([]bool, t.maxSockets)
	for i := range t.socks {
		d := &t.socks[i]
		d.handle = Handle(i)
		d.reset()
	}
	return t, nil
}

// get returns the descriptor for h or nil if h is out of range.
func (t *Table) get(h Handle) *desc {
	if h < 0 || int(h) >= len(t.socks) {
		return nil
	}
	return &t.socks[h]
}

// reserve claims a free slot. The slot is not visible until the caller sets used.
func (t *Table) reserve() (*desc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, inUse := range t.inUse {
		if !inUse {
			t.inUse[i] = true
			t.count++
			return &t.socks[i], nil
		}
	}
	return nil, errno.ENFILE
}

// unreserve gives back a slot claimed by reserve() that was never made visible.
func (t *Table) unreserve(d *desc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inUse[d.handle] {
		log.Errorf("bug: unreserve of free socket %d", d.handle)
		return
	}
	t.inUse[d.handle] = false
	t.count--
}

// release frees d and its address. d.mu must be held.
func (t *Table) release(d *desc) {
	if d.addr >= 0 {
		t.addrs.free(d.addr)
	}
	d.reset()
	t.unreserve(d)
}

// init sets up a reserved slot as a new socket. d.mu must be held.
func (t *Table) init(d *desc, owner Owner, nonBlock bool) {
	d.reset()
	d.used = true
	d.stream = true
	d.owner = owner
	d.nonBlock = nonBlock
}

// NonBlocking reports if h is in non-blocking mode.
func (t *Table) NonBlocking(h Handle) bool {
	return Caller{t: t}.NonBlocking(h)
}

// CloseOwned closes every socket created by owner. It returns how many were closed.
func (t *Table) CloseOwned(owner Owner) int {
	c := t.As(owner)
	closed := 0
	for i := range t.socks {
		d := &t.socks[i]
		d.mu.Lock()
		mine := c.c.owns(d)
		d.mu.Unlock()
		if !mine {
			continue
		}
		// The slot may have been freed and reused by someone else in between,
		// in which case Close() refuses it.
		if err := c.Close(d.handle); err == nil {
			closed++
		}
	}
	return closed
}

// Stats is a snapshot of Table usage.
type Stats struct {
	// Sockets is the number of slots in use, including draining sockets.
	Sockets int
	// Addresses is the number of bound addresses.
	Addresses int
}

// Stats returns the current usage of the Table.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	n := t.count
	t.mu.Unlock()
	return Stats{Sockets: n, Addresses: t.addrs.used()}
}
