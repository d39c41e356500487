package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/pkg/errors"
	"go.uber.org/goleak"
)

type testJob struct {
	id      int
	release chan struct{}

	mu       sync.Mutex
	executed bool
	replied  chan int
}

func newJob(id int, replied chan int) *testJob {
	return &testJob{id: id, replied: replied}
}

func (j *testJob) Execute(worker uint64) {
	if j.release != nil {
		<-j.release
	}
	j.mu.Lock()
	j.executed = true
	j.mu.Unlock()
}

func (j *testJob) Reply() {
	j.replied <- j.id
}

func goSpawner(task func()) error {
	go task()
	return nil
}

// replier replies to jobs handed back by parked workers until p is done.
func replier(p *Pool, done chan struct{}) {
	for {
		select {
		case j := <-p.Completed():
			j.Reply()
		case <-done:
			return
		}
	}
}

func waitReplies(t *testing.T, replied chan int, n int) []int {
	t.Helper()

	var got []int
	for i := 0; i < n; i++ {
		select {
		case id := <-replied:
			got = append(got, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d replies, want %d", len(got), n)
		}
	}
	return got
}

func TestReuse(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(MaxIdle(1), WithSpawner(goSpawner))
	done := make(chan struct{})
	go replier(p, done)
	defer close(done)
	defer p.Close()

	replied := make(chan int, 10)
	first, err := p.Submit(newJob(1, replied))
	if err != nil {
		t.Fatal(err)
	}
	waitReplies(t, replied, 1)

	// Wait for the worker to park.
	for p.Stats().Idle != 1 {
		time.Sleep(time.Millisecond)
	}

	second, err := p.Submit(newJob(2, replied))
	if err != nil {
		t.Fatal(err)
	}
	waitReplies(t, replied, 1)
	if first != second {
		t.Errorf("TestReuse: second job ran on worker %d, want worker %d", second, first)
	}

	for p.Stats().Idle != 1 {
		time.Sleep(time.Millisecond)
	}
	want := Stats{Spawned: 1, Reused: 1, Idle: 1, Live: 1}
	if diff := pretty.Compare(want, p.Stats()); diff != "" {
		t.Errorf("TestReuse: -want/+got:\n%s", diff)
	}
}

func TestExitWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(MaxIdle(1), WithSpawner(goSpawner))
	done := make(chan struct{})
	go replier(p, done)
	defer close(done)
	defer p.Close()

	replied := make(chan int, 10)
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		j := newJob(i, replied)
		j.release = release
		if _, err := p.Submit(j); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.Stats().Spawned; got != 3 {
		t.Errorf("TestExitWhenFull: got %d spawned, want 3", got)
	}

	close(release)
	if got := waitReplies(t, replied, 3); len(got) != 3 {
		t.Errorf("TestExitWhenFull: got replies %v", got)
	}

	for p.Stats().Live != 1 {
		time.Sleep(time.Millisecond)
	}
	if got := p.Stats().Idle; got != 1 {
		t.Errorf("TestExitWhenFull: got %d idle, want 1", got)
	}
}

func TestBlockedJobDoesNotBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(WithSpawner(goSpawner))
	done := make(chan struct{})
	go replier(p, done)
	defer close(done)
	defer p.Close()

	replied := make(chan int, 10)
	blocked := newJob(1, replied)
	blocked.release = make(chan struct{})
	if _, err := p.Submit(blocked); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit(newJob(2, replied)); err != nil {
		t.Fatal(err)
	}

	if got := waitReplies(t, replied, 1); got[0] != 2 {
		t.Errorf("TestBlockedJobDoesNotBlockOthers: got reply from job %d first, want 2", got[0])
	}
	close(blocked.release)
	waitReplies(t, replied, 1)
}

func TestClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := New(MaxIdle(4), WithSpawner(goSpawner))
	done := make(chan struct{})
	go replier(p, done)
	defer close(done)

	replied := make(chan int, 10)
	for i := 0; i < 2; i++ {
		if _, err := p.Submit(newJob(i, replied)); err != nil {
			t.Fatal(err)
		}
	}
	waitReplies(t, replied, 2)

	running := newJob(9, replied)
	running.release = make(chan struct{})
	if _, err := p.Submit(running); err != nil {
		t.Fatal(err)
	}

	p.Close()
	p.Close()
	if _, err := p.Submit(newJob(3, replied)); err != ErrClosed {
		t.Errorf("TestClose: Submit() after Close(): got err == %v, want ErrClosed", err)
	}

	// A job running during Close is replied to by its own worker.
	close(running.release)
	if got := waitReplies(t, replied, 1); got[0] != 9 {
		t.Errorf("TestClose: got reply from job %d, want 9", got[0])
	}
	for p.Stats().Live != 0 {
		time.Sleep(time.Millisecond)
	}
}

func TestSpawnError(t *testing.T) {
	p := New(WithSpawner(func(func()) error { return errors.New("no goroutines") }))
	defer p.Close()

	if _, err := p.Submit(newJob(1, make(chan int, 1))); err == nil {
		t.Errorf("TestSpawnError: got err == nil, want err != nil")
	}
	if got := p.Stats().Live; got != 0 {
		t.Errorf("TestSpawnError: got %d live, want 0", got)
	}
}

func TestAntsSpawner(t *testing.T) {
	p := New()
	done := make(chan struct{})
	go replier(p, done)
	defer close(done)
	defer p.Close()

	replied := make(chan int, 10)
	for i := 0; i < 5; i++ {
		if _, err := p.Submit(newJob(i, replied)); err != nil {
			t.Fatal(err)
		}
	}
	waitReplies(t, replied, 5)
}
