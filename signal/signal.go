/*
Package signal hands a value from one goroutine to another that is parked
waiting for it.

The worker pool keeps one Signaler per idle worker. Submitting a job to an idle
worker is a TrySignal(), and closing the pool closes the Signalers so parked
workers exit:

	sig := signal.New[Job]()

	go func() {
		for j := range sig.Receive() {
			j.Execute()
		}
	}()

	if !sig.TrySignal(job) {
		// The worker has not taken its last job yet.
	}
	sig.Close()

A Signaler holds at most one value nobody has received yet.
*/
package signal

// Signaler passes values of type S to the goroutine calling Receive(). It must be
// created with New().
type Signaler[S any] struct {
	ch chan S
}

// New is the constructor for Signaler.
func New[S any]() Signaler[S] {
	return Signaler[S]{ch: make(chan S, 1)}
}

// TrySignal sends x if that does not block and reports if it did. It does not
// block while no value is pending.
func (s Signaler[S]) TrySignal(x S) bool {
	select {
	case s.ch <- x:
		return true
	default:
		return false
	}
}

// Receive returns the channel values arrive on. It is closed by Close().
func (s Signaler[S]) Receive() <-chan S {
	return s.ch
}

// Close ends a range over Receive() once any pending value is received. The Signaler
// cannot be used again.
func (s Signaler[S]) Close() {
	close(s.ch)
}
