package daemon

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/producer"
	"github.com/watchtower-sec/watchtower/internal/ringbuf"
)

// scriptedReader hands out a fixed queue of raw records, then times out
// forever once the queue is drained.
type scriptedReader struct {
	mu    sync.Mutex
	queue [][]byte
}

func (r *scriptedReader) ReadTimeout(timeout time.Duration) ([]byte, uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		time.Sleep(time.Millisecond)
		return nil, 0, false, nil
	}
	ev := r.queue[0]
	r.queue = r.queue[1:]
	return ev, 0, true, nil
}

func (r *scriptedReader) Close() error { return nil }

var _ ringbuf.Reader = (*scriptedReader)(nil)

type fakeConsumer struct {
	in    chan *events.EncodedEvent
	count int32
	done  chan struct{}
}

func newFakeConsumer(in chan *events.EncodedEvent) *fakeConsumer {
	return &fakeConsumer{in: in, done: make(chan struct{})}
}

func (f *fakeConsumer) Run() error {
	for range f.in {
		atomic.AddInt32(&f.count, 1)
	}
	close(f.done)
	return nil
}

func syscoreResumeRaw(t *testing.T) []byte {
	t.Helper()
	info := events.EventInfo{Etype: events.SyscoreResume, Timestamp: 1}
	b, err := info.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal syscore resume header: %v", err)
	}
	return b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRunStopGracefulShutdown(t *testing.T) {
	ch := make(chan *events.EncodedEvent, 4)
	cons := newFakeConsumer(ch)
	reader := &scriptedReader{}

	var builds int32
	factory := func(out chan *events.EncodedEvent) (*producer.Producer, error) {
		atomic.AddInt32(&builds, 1)
		return producer.New([]ringbuf.Reader{reader}, out, nil, nil, nil), nil
	}

	d := New(factory, cons, ch)
	d.SetPollInterval(10 * time.Millisecond)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()

	time.Sleep(20 * time.Millisecond)
	d.Stop()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("daemon did not shut down in time")
	}

	select {
	case <-cons.done:
	case <-time.After(time.Second):
		t.Fatalf("consumer did not observe channel close")
	}

	if atomic.LoadInt32(&builds) != 1 {
		t.Fatalf("expected exactly one producer build, got %d", builds)
	}
}

func TestReloadRebuildsProducerOnSyscoreResume(t *testing.T) {
	ch := make(chan *events.EncodedEvent, 4)
	cons := newFakeConsumer(ch)

	var builds int32
	factory := func(out chan *events.EncodedEvent) (*producer.Producer, error) {
		n := atomic.AddInt32(&builds, 1)
		reader := &scriptedReader{}
		if n == 1 {
			reader.queue = [][]byte{syscoreResumeRaw(t)}
		}
		return producer.New([]ringbuf.Reader{reader}, out, nil, nil, nil), nil
	}

	d := New(factory, cons, ch)
	d.SetPollInterval(10 * time.Millisecond)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&builds) >= 2 })

	d.Stop()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("daemon did not shut down in time")
	}
}
