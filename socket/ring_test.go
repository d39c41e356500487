package socket

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRingCapacity(t *testing.T) {
	const capacity = 64

	r := newRing(capacity)
	rng := rand.New(rand.NewSource(1))

	var sent, got bytes.Buffer
	next := byte(0)
	for i := 0; i < 10000; i++ {
		if rng.Intn(2) == 0 {
			p := make([]byte, rng.Intn(2*capacity))
			for x := range p {
				p[x] = next
				next++
			}
			free := r.free()
			n := r.write(p)
			want := len(p)
			if want > free {
				want = free
			}
			if n != want {
				t.Fatalf("TestRingCapacity: write(%d) with %d free: got %d, want %d", len(p), free, n, want)
			}
			sent.Write(p[:n])
		} else {
			p := make([]byte, rng.Intn(2*capacity))
			n := r.read(p)
			got.Write(p[:n])
		}

		if l := r.len(); l < 0 || l > capacity {
			t.Fatalf("TestRingCapacity: len() == %d, outside [0, %d]", l, capacity)
		}
		if r.len()+r.free() != r.capacity() {
			t.Fatalf("TestRingCapacity: len() %d + free() %d != capacity() %d", r.len(), r.free(), r.capacity())
		}
	}

	rest := make([]byte, capacity)
	got.Write(rest[:r.read(rest)])
	if !bytes.Equal(sent.Bytes(), got.Bytes()) {
		t.Errorf("TestRingCapacity: bytes read differ from bytes written (%d vs %d bytes)", got.Len(), sent.Len())
	}
}

func TestRingWake(t *testing.T) {
	r := newRing(8)

	if r.wakeReader() != nil || r.wakeWriter() != nil {
		t.Fatalf("TestRingWake: got a channel to close with nobody blocked")
	}

	// Every waiter that took the channel wakes, not just one.
	waits := []<-chan struct{}{r.waitRead(), r.waitRead(), r.waitRead()}
	ch := r.wakeReader()
	if ch == nil || r.readBlocked {
		t.Fatalf("TestRingWake: wakeReader() did not hand back the wait channel")
	}
	close(ch)
	for i, w := range waits {
		select {
		case <-w:
		default:
			t.Errorf("TestRingWake: waiter %d was not woken", i)
		}
	}

	// Later waiters get a fresh channel.
	select {
	case <-r.waitRead():
		t.Errorf("TestRingWake: new waiter saw an old wake up")
	default:
	}

	w := r.waitWrite()
	for _, c := range r.wakeAll() {
		if c != nil {
			close(c)
		}
	}
	select {
	case <-w:
	default:
		t.Errorf("TestRingWake: wakeAll() did not wake the writer")
	}
}
