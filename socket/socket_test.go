package socket

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var owner = Owner{PID: 100, UID: 1000}

func newTable(t *testing.T, options ...Option) *Table {
	t.Helper()

	tbl, err := New(options...)
	if err != nil {
		t.Fatalf("New(): %s", err)
	}
	return tbl
}

func mustSocket(t *testing.T, tbl *Table, typ int) Handle {
	t.Helper()

	h, err := tbl.Socket(unix.AF_UNIX, typ, 0, owner)
	if err != nil {
		t.Fatalf("Socket(): %s", err)
	}
	return h
}

func mustListen(t *testing.T, tbl *Table, path string) Handle {
	t.Helper()

	l := mustSocket(t, tbl, unix.SOCK_STREAM)
	if err := tbl.Bind(l, path); err != nil {
		t.Fatalf("Bind(%q): %s", path, err)
	}
	if err := tbl.Listen(l, 8); err != nil {
		t.Fatalf("Listen(): %s", err)
	}
	return l
}

// connectedPair returns the accepted and the connecting end of a connection
// made through a listening socket at path.
func connectedPair(t *testing.T, tbl *Table, path string) (l, srv, cli Handle) {
	t.Helper()

	l = mustListen(t, tbl, path)
	cli = mustSocket(t, tbl, unix.SOCK_STREAM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- tbl.Connect(cli, path)
	}()

	srv, _, err := tbl.Accept(l)
	if err != nil {
		t.Fatalf("Accept(): %s", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Connect(): %s", err)
	}
	return l, srv, cli
}

// valid returns EBADF unless h is a live socket of owner.
func valid(tbl *Table, h Handle, owner Owner) error {
	d := tbl.get(h)
	if d == nil {
		return unix.EBADF
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !tbl.As(owner).c.owns(d) {
		return unix.EBADF
	}
	return nil
}

func wantErr(t *testing.T, desc string, got, want error) {
	t.Helper()

	if want == nil {
		if got != nil {
			t.Errorf("%s: got err == %v, want nil", desc, got)
		}
		return
	}
	if !errors.Is(got, want) {
		t.Errorf("%s: got err == %v, want %v", desc, got, want)
	}
}

// checkSymmetry verifies that every linked socket is linked back, except for
// the survivors of a draining socket.
func checkSymmetry(t *testing.T, tbl *Table) {
	t.Helper()

	for i := range tbl.socks {
		d := &tbl.socks[i]
		d.mu.Lock()
		used, hasPeer, peer := d.used, d.hasPeer, d.peer
		d.mu.Unlock()

		if !used || !hasPeer {
			continue
		}
		p := tbl.get(peer)
		if p == nil {
			t.Errorf("socket %d: has peer %d out of range", i, peer)
			continue
		}
		p.mu.Lock()
		ok := p.used && p.hasPeer && p.peer == Handle(i)
		p.mu.Unlock()
		if !ok {
			t.Errorf("socket %d: peer %d does not point back", i, peer)
		}
	}
}

// within fails the test if f does not return in d.
func within(t *testing.T, d time.Duration, desc string, f func()) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s: did not finish within %v", desc, d)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		desc    string
		options []Option
		wantErr bool
	}{
		{desc: "defaults"},
		{desc: "too few sockets", options: []Option{MaxSockets(1)}, wantErr: true},
		{desc: "no backlog", options: []Option{MaxBacklog(0)}, wantErr: true},
		{desc: "no buffer", options: []Option{BufferSize(0)}, wantErr: true},
		{desc: "no timeout", options: []Option{ConnectTimeout(0)}, wantErr: true},
		{desc: "custom", options: []Option{MaxSockets(4), MaxBacklog(2), BufferSize(16), ConnectTimeout(time.Second)}},
	}

	for _, test := range tests {
		_, err := New(test.options...)
		switch {
		case err == nil && test.wantErr:
			t.Errorf("TestNew(%s): got err == nil, want err != nil", test.desc)
		case err != nil && !test.wantErr:
			t.Errorf("TestNew(%s): got err == %s, want err == nil", test.desc, err)
		}
	}
}

func TestValid(t *testing.T) {
	tbl := newTable(t)
	h := mustSocket(t, tbl, unix.SOCK_STREAM)

	wantErr(t, "TestValid(owner)", valid(tbl, h, owner), nil)
	wantErr(t, "TestValid(other owner)", valid(tbl, h, Owner{PID: 2}), unix.EBADF)
	wantErr(t, "TestValid(out of range)", valid(tbl, Handle(len(tbl.socks)), owner), unix.EBADF)
	wantErr(t, "TestValid(negative)", valid(tbl, NoHandle, owner), unix.EBADF)

	if err := tbl.Close(h); err != nil {
		t.Fatalf("TestValid: Close(): %s", err)
	}
	wantErr(t, "TestValid(closed)", valid(tbl, h, owner), unix.EBADF)
}

func TestCloseOwned(t *testing.T) {
	tbl := newTable(t)
	other := Owner{PID: 200, UID: 1000}

	mustSocket(t, tbl, unix.SOCK_STREAM)
	mustListen(t, tbl, "/owned")
	if _, _, err := tbl.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0, owner); err != nil {
		t.Fatalf("TestCloseOwned: Socketpair(): %s", err)
	}
	keep, err := tbl.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0, other)
	if err != nil {
		t.Fatalf("TestCloseOwned: Socket(): %s", err)
	}

	if n := tbl.CloseOwned(owner); n != 4 {
		t.Errorf("TestCloseOwned: got %d closed, want 4", n)
	}
	if got := tbl.Stats(); got.Sockets != 1 || got.Addresses != 0 {
		t.Errorf("TestCloseOwned: got %+v, want 1 socket and 0 addresses", got)
	}
	wantErr(t, "TestCloseOwned(other owner)", valid(tbl, keep, other), nil)
}
