package socket

import (
	"sync"

	log "github.com/golang/glog"

	"github.com/johnsiilver/localsocks/errno"
)

// MaxPathLen is the longest address a socket can bind to, the size of sun_path.
const MaxPathLen = 108

type addrEntry struct {
	path  string
	refs  int
	owner Handle
}

// addrTable maps bound paths to the socket that owns them. The table is small,
// so every operation is a linear scan under one lock.
type addrTable struct {
	mu      sync.Mutex
	entries []addrEntry
}

func newAddrTable(size int) *addrTable {
	return &addrTable{entries: make([]addrEntry, size)}
}

func validPath(path string) error {
	if len(path) == 0 || len(path) > MaxPathLen {
		return errno.EINVAL
	}
	return nil
}

// allocate installs path for owner and returns its index.
func (a *addrTable) allocate(path string, owner Handle) (int, error) {
	if err := validPath(path); err != nil {
		return -1, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	free := -1
	for i, e := range a.entries {
		if e.refs > 0 {
			if e.path == path {
				return -1, errno.EADDRINUSE
			}
			continue
		}
		if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return -1, errno.ENOSPC
	}
	a.entries[free] = addrEntry{path: path, refs: 1, owner: owner}
	return free, nil
}

// free drops a reference to the entry at i.
func (a *addrTable) free(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < 0 || i >= len(a.entries) {
		log.Errorf("bug: address index %d out of range", i)
		return
	}
	e := &a.entries[i]
	if e.refs <= 0 {
		log.Errorf("bug: address %q(%d) freed more times than allocated", e.path, i)
		return
	}
	e.refs--
	if e.refs == 0 {
		*e = addrEntry{owner: NoHandle}
	}
}

// lookupOwner returns the socket bound to path.
func (a *addrTable) lookupOwner(path string) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range a.entries {
		if e.refs > 0 && e.path == path {
			return e.owner, true
		}
	}
	return NoHandle, false
}

// owner returns the socket that owns the entry at i.
func (a *addrTable) owner(i int) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < 0 || i >= len(a.entries) || a.entries[i].refs == 0 {
		return NoHandle
	}
	return a.entries[i].owner
}

// path returns the path of the entry at i, or "" if there is none.
func (a *addrTable) path(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < 0 || i >= len(a.entries) {
		return ""
	}
	return a.entries[i].path
}

func (a *addrTable) used() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, e := range a.entries {
		if e.refs > 0 {
			n++
		}
	}
	return n
}
