//go:build deadlock_detection
// +build deadlock_detection

package sync

import deadlock "github.com/sasha-s/go-deadlock"

type Mutex = deadlock.Mutex
