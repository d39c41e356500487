package signal

import (
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestTrySignal(t *testing.T) {
	sig := New[int]()

	if !sig.TrySignal(1) {
		t.Fatalf("TestTrySignal: first TrySignal(): got false, want true")
	}
	if sig.TrySignal(2) {
		t.Errorf("TestTrySignal: TrySignal() with a value pending: got true, want false")
	}

	if got := <-sig.Receive(); got != 1 {
		t.Errorf("TestTrySignal: got %d, want 1", got)
	}
	if !sig.TrySignal(3) {
		t.Errorf("TestTrySignal: TrySignal() after Receive(): got false, want true")
	}
}

func TestClose(t *testing.T) {
	sig := New[string]()
	wg := sync.WaitGroup{}
	wg.Add(1)
	got := []string{}
	go func() {
		defer wg.Done()
		for v := range sig.Receive() {
			got = append(got, v)
		}
	}()

	if !sig.TrySignal("Hello") {
		t.Fatalf("TestClose: TrySignal(): got false, want true")
	}
	sig.Close()
	wg.Wait()

	if diff := pretty.Compare([]string{"Hello"}, got); diff != "" {
		t.Errorf("TestClose: -want/+got:\n%s", diff)
	}
}
