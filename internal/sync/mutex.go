//go:build !deadlock_detection
// +build !deadlock_detection

// Package sync holds the mutex used to guard socket descriptors. Building with the
// deadlock_detection tag swaps in a mutex that reports lock inversions and
// long waits.
package sync

import "sync"

type Mutex = sync.Mutex
