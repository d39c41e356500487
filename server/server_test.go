package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sys/unix"

	"github.com/johnsiilver/localsocks/client"
	"github.com/johnsiilver/localsocks/config"
	"github.com/johnsiilver/localsocks/errno"
	"github.com/johnsiilver/localsocks/socket"
	"github.com/johnsiilver/localsocks/wire"
)

func setup(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := config.Default()
	cfg.SocketPath = filepath.Join(os.TempDir(), uuid.New().String())
	cfg.ConnectTimeout = 5 * time.Second

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New(): %s", err)
	}
	go s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop(): %s", err)
		}
	})
	return s, cfg.SocketPath
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()

	c, err := client.New(addr)
	if err != nil {
		t.Fatalf("client.New(): %s", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func TestEventBits(t *testing.T) {
	tests := []struct {
		wire   uint8
		socket socket.Event
	}{
		{wire.EventRead, socket.EventRead},
		{wire.EventWrite, socket.EventWrite},
		{wire.EventExcept, socket.EventExcept},
	}
	for _, test := range tests {
		if socket.Event(test.wire) != test.socket {
			t.Errorf("TestEventBits: wire bit %d != socket event %s", test.wire, test.socket)
		}
	}
}

func TestConnectAcceptTransfer(t *testing.T) {
	_, addr := setup(t)
	srv := dial(t, addr)
	cli := dial(t, addr)

	ctx, cancel := timeout()
	defer cancel()

	l, err := srv.Socket(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Bind(ctx, l, "/echo"); err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(ctx, l, 4); err != nil {
		t.Fatal(err)
	}

	h, err := cli.Socket(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	connErr := make(chan error, 1)
	go func() {
		connErr <- cli.Connect(ctx, h, "/echo")
	}()

	a, path, err := srv.Accept(ctx, l)
	if err != nil {
		t.Fatalf("TestConnectAcceptTransfer: Accept(): %s", err)
	}
	if path != "" {
		t.Errorf("TestConnectAcceptTransfer: Accept(): got path %q, want \"\"", path)
	}
	if err := <-connErr; err != nil {
		t.Fatalf("TestConnectAcceptTransfer: Connect(): %s", err)
	}

	// A blocking read waits on a worker while the connection keeps serving.
	type result struct {
		b   []byte
		err error
	}
	readCh := make(chan result, 1)
	go func() {
		b, err := srv.Read(ctx, a, 100)
		readCh <- result{b, err}
	}()

	n, err := cli.Write(ctx, h, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("TestConnectAcceptTransfer: Write(): got (%d, %v), want (5, nil)", n, err)
	}
	r := <-readCh
	if r.err != nil || string(r.b) != "hello" {
		t.Fatalf("TestConnectAcceptTransfer: Read(): got (%q, %v), want (\"hello\", nil)", r.b, r.err)
	}

	if err := cli.CloseSocket(ctx, h); err != nil {
		t.Fatal(err)
	}
	b, err := srv.Read(ctx, a, 100)
	if err != nil || b == nil || len(b) != 0 {
		t.Errorf("TestConnectAcceptTransfer: Read() after peer close: got (%v, %v), want EOF", b, err)
	}
	if _, err := srv.Write(ctx, a, []byte("x")); !errors.Is(err, errno.EPIPE) {
		t.Errorf("TestConnectAcceptTransfer: Write() after peer close: got err == %v, want EPIPE", err)
	}
}

func TestErrnoResults(t *testing.T) {
	_, addr := setup(t)
	c := dial(t, addr)

	ctx, cancel := timeout()
	defer cancel()

	if _, err := c.Socket(ctx, unix.AF_INET, unix.SOCK_STREAM, 0); !errors.Is(err, errno.EAFNOSUPPORT) {
		t.Errorf("TestErrnoResults: Socket(AF_INET): got err == %v, want EAFNOSUPPORT", err)
	}
	if err := c.Bind(ctx, 77, "/x"); !errors.Is(err, errno.EBADF) {
		t.Errorf("TestErrnoResults: Bind(77): got err == %v, want EBADF", err)
	}

	h, err := c.Socket(ctx, unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, h, "/nobody"); !errors.Is(err, errno.ECONNREFUSED) {
		t.Errorf("TestErrnoResults: Connect(/nobody): got err == %v, want ECONNREFUSED", err)
	}
	if _, err := c.Read(ctx, h, 10); !errors.Is(err, errno.ENOTCONN) {
		t.Errorf("TestErrnoResults: Read(): got err == %v, want ENOTCONN", err)
	}
	if err := c.Bind(ctx, h, "/nb"); err != nil {
		t.Fatal(err)
	}
	if err := c.Listen(ctx, h, 1); err != nil {
		t.Fatal(err)
	}
	// Answered without a worker, so it must not block.
	if _, _, err := c.Accept(ctx, h); !errors.Is(err, errno.EWOULDBLOCK) {
		t.Errorf("TestErrnoResults: Accept() on non-blocking listener: got err == %v, want EWOULDBLOCK", err)
	}
	flags, err := c.Fcntl(ctx, h, unix.F_GETFL, 0)
	if err != nil || flags&unix.O_NONBLOCK == 0 {
		t.Errorf("TestErrnoResults: Fcntl(F_GETFL): got (%#x, %v), want O_NONBLOCK set", flags, err)
	}
}

func TestSocketpairSelect(t *testing.T) {
	_, addr := setup(t)
	c := dial(t, addr)

	ctx, cancel := timeout()
	defer cancel()

	pair, err := c.Socketpair(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}

	short, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	if _, err := c.Select(short, client.FDSet{}.Add(pair[0]), nil, nil); err != context.DeadlineExceeded {
		t.Errorf("TestSocketpairSelect: Select() on empty socket: got err == %v, want DeadlineExceeded", err)
	}

	ready, err := c.Select(ctx, nil, client.FDSet{}.Add(pair[1]), nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]int{pair[1]}, ready.Write.Handles()); diff != "" {
		t.Errorf("TestSocketpairSelect: writable: -want/+got:\n%s", diff)
	}

	readyCh := make(chan client.Ready, 1)
	go func() {
		r, err := c.Select(ctx, client.FDSet{}.Add(pair[0]), nil, nil)
		if err != nil {
			t.Errorf("TestSocketpairSelect: Select(): %s", err)
		}
		readyCh <- r
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Send(ctx, pair[1], []byte("ping"), 0); err != nil {
		t.Fatal(err)
	}
	ready = <-readyCh
	if !ready.Read[pair[0]] {
		t.Errorf("TestSocketpairSelect: got %v, want socket %d readable", ready, pair[0])
	}
	n, err := c.Ioctl(ctx, pair[0], wire.FIONREAD)
	if err != nil || n != 4 {
		t.Errorf("TestSocketpairSelect: Ioctl(FIONREAD): got (%d, %v), want (4, nil)", n, err)
	}

	ready, err = c.Select(ctx, client.FDSet{}.Add(99), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ready.Except[99] {
		t.Errorf("TestSocketpairSelect: Select() on a bad handle: got %v, want exception", ready)
	}
}

func TestLastConnectionClosesSockets(t *testing.T) {
	s, addr := setup(t)

	c, err := client.New(addr)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := timeout()
	defer cancel()

	l, err := c.Socket(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Bind(ctx, l, "/gone"); err != nil {
		t.Fatal(err)
	}
	if err := c.Listen(ctx, l, 1); err != nil {
		t.Fatal(err)
	}
	// Parks a worker in accept, which closing the sockets must release.
	go c.Accept(ctx, l)
	time.Sleep(20 * time.Millisecond)

	c.Close()

	for {
		st := s.Stats()
		if st.Sessions == 0 && st.Sockets == 0 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("TestLastConnectionClosesSockets: got %+v, want no sessions or sockets", st)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The address can be bound again.
	c2 := dial(t, addr)
	h, err := c2.Socket(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Bind(ctx, h, "/gone"); err != nil {
		t.Errorf("TestLastConnectionClosesSockets: Bind(): %s", err)
	}
}
