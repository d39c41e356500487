package socket

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAddrTable(t *testing.T) {
	a := newAddrTable(2)

	i, err := a.allocate("/a", 1)
	if err != nil {
		t.Fatalf("TestAddrTable: allocate(/a): %s", err)
	}
	if _, err := a.allocate("/a", 2); err != unix.EADDRINUSE {
		t.Errorf("TestAddrTable: duplicate allocate(/a): got err == %v, want EADDRINUSE", err)
	}
	if _, err := a.allocate("/b", 2); err != nil {
		t.Fatalf("TestAddrTable: allocate(/b): %s", err)
	}
	if _, err := a.allocate("/c", 3); err != unix.ENOSPC {
		t.Errorf("TestAddrTable: allocate(/c) on a full table: got err == %v, want ENOSPC", err)
	}

	if h, ok := a.lookupOwner("/a"); !ok || h != 1 {
		t.Errorf("TestAddrTable: lookupOwner(/a): got (%d, %v), want (1, true)", h, ok)
	}
	if a.owner(i) != 1 || a.path(i) != "/a" {
		t.Errorf("TestAddrTable: entry %d: got (%d, %q), want (1, /a)", i, a.owner(i), a.path(i))
	}

	a.free(i)
	// Freeing twice must not drive the count negative.
	a.free(i)
	if _, ok := a.lookupOwner("/a"); ok {
		t.Errorf("TestAddrTable: lookupOwner(/a) after free: found an entry")
	}
	if a.used() != 1 {
		t.Errorf("TestAddrTable: got used() == %d, want 1", a.used())
	}
	if _, err := a.allocate("/a", 3); err != nil {
		t.Errorf("TestAddrTable: allocate(/a) after free: %s", err)
	}
}

func TestAddrTableBadPath(t *testing.T) {
	a := newAddrTable(2)

	for _, path := range []string{"", strings.Repeat("x", MaxPathLen+1)} {
		if _, err := a.allocate(path, 1); err != unix.EINVAL {
			t.Errorf("TestAddrTableBadPath(%d bytes): got err == %v, want EINVAL", len(path), err)
		}
	}
	if _, err := a.allocate(strings.Repeat("x", MaxPathLen), 1); err != nil {
		t.Errorf("TestAddrTableBadPath(%d bytes): got err == %v, want nil", MaxPathLen, err)
	}
}
