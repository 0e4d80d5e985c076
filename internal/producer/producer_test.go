package producer

import (
	"testing"
	"time"

	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/monitor"
)

type lossyReader struct {
	lost uint64
}

func (r *lossyReader) ReadTimeout(time.Duration) ([]byte, uint64, bool, error) {
	return nil, r.lost, false, nil
}

func (r *lossyReader) Close() error { return nil }

func syntheticEvent(ts int64, batch uint64) *events.EncodedEvent {
	ev := events.NewDerivedEvent(events.EventInfo{
		Etype:     events.Connect,
		Timestamp: ts,
		Batch:     batch,
	}, &events.ConnectData{})
	return ev
}

func drainNow(t *testing.T, p *Producer) []int64 {
	t.Helper()
	p.drain()
	var got []int64
	for {
		select {
		case ev := <-p.out:
			got = append(got, ev.Info().Timestamp)
		default:
			return got
		}
	}
}

func TestDrainWithholdsCurrentBatch(t *testing.T) {
	p := New(nil, make(chan *events.EncodedEvent, 16), nil, nil, nil)
	p.pipe = []*events.EncodedEvent{
		syntheticEvent(10, 0),
		syntheticEvent(30, 0),
		syntheticEvent(20, 0),
		syntheticEvent(40, 0),
		syntheticEvent(15, 0),
		syntheticEvent(25, 0),
	}

	got := drainNow(t, p)
	if len(got) != 0 {
		t.Fatalf("expected nothing drained while all events share current batch, got %v", got)
	}
	if p.batch != 1 {
		t.Fatalf("batch should advance even with nothing drained, got %d", p.batch)
	}
}

func TestDrainAfterNewerBatchArrives(t *testing.T) {
	p := New(nil, make(chan *events.EncodedEvent, 16), nil, nil, nil)
	p.pipe = []*events.EncodedEvent{
		syntheticEvent(10, 0),
		syntheticEvent(30, 0),
		syntheticEvent(20, 0),
		syntheticEvent(40, 0),
		syntheticEvent(15, 0),
		syntheticEvent(25, 0),
	}
	drainNow(t, p) // first cycle: nothing drained, batch -> 1

	p.pipe = append(p.pipe, syntheticEvent(50, 1))
	got := drainNow(t, p)

	want := []int64{10, 15, 20, 25, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
	if len(p.pipe) != 1 || p.pipe[0].Info().Timestamp != 50 {
		t.Fatalf("expected ts=50 to remain in pipe, got %d entries", len(p.pipe))
	}
}

func TestOptimalPageCount(t *testing.T) {
	got := OptimalPageCount(MaxBPFEventSize, 2)
	if got <= 0 || got&(got-1) != 0 {
		t.Fatalf("OptimalPageCount should return a power of two, got %d", got)
	}
}

func TestFilterDefaultsEnabledWhenUnset(t *testing.T) {
	f := Filter{events.Connect: false}
	if f.Enabled(events.Connect) {
		t.Fatalf("connect should be disabled")
	}
	if !f.Enabled(events.Execve) {
		t.Fatalf("execve should default to enabled when absent from the filter")
	}
}

func TestProcessTimeCriticalExecveScriptRelabel(t *testing.T) {
	p := New(nil, make(chan *events.EncodedEvent, 4), nil, nil, nil)
	ev := events.NewDerivedEvent(events.EventInfo{Etype: events.Execve}, &events.ExecveData{
		Executable:  "/usr/bin/python3",
		Interpreter: "/usr/bin/python3",
	})
	if p.processTimeCritical(ev) {
		t.Fatalf("execve should not be consumed")
	}
	if ev.Info().Etype != events.Execve {
		t.Fatalf("same interpreter/executable should not relabel")
	}

	ev2 := events.NewDerivedEvent(events.EventInfo{Etype: events.Execve}, &events.ExecveData{
		Executable:  "/tmp/x.py",
		Interpreter: "/usr/bin/python3",
	})
	p.processTimeCritical(ev2)
	if ev2.Info().Etype != events.ExecveScript {
		t.Fatalf("differing interpreter/executable should relabel to execve_script")
	}
}

func TestProcessTimeCriticalSyscoreResumeSetsReload(t *testing.T) {
	p := New(nil, make(chan *events.EncodedEvent, 4), nil, nil, nil)
	ev := events.NewDerivedEvent(events.EventInfo{Etype: events.SyscoreResume}, &events.SyscoreResumeData{})
	if !p.processTimeCritical(ev) {
		t.Fatalf("syscore_resume should be consumed")
	}
	if !p.ReloadRequested() {
		t.Fatalf("expected reload flag to be set")
	}
}

func TestReadOnceReportsLostEventsToMonitor(t *testing.T) {
	mon, err := monitor.New("")
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	p := New(nil, make(chan *events.EncodedEvent, 1), nil, nil, mon)
	// a no-op Monitor tolerates the call; this only guards against a nil
	// dereference on p.mon when lost > 0.
	p.readOnce(0, &lossyReader{lost: 3})
}

func TestReadOnceToleratesNilMonitorOnLoss(t *testing.T) {
	p := New(nil, make(chan *events.EncodedEvent, 1), nil, nil, nil)
	p.readOnce(0, &lossyReader{lost: 3})
}

func TestPassThroughExecveEmitsHashEvents(t *testing.T) {
	out := make(chan *events.EncodedEvent, 8)
	p := New(nil, out, nil, nil, nil)
	info := &events.EventInfo{Etype: events.Execve}
	ev := events.NewDerivedEvent(*info, &events.ExecveData{
		Executable:  "/usr/bin/python3",
		Interpreter: "/usr/bin/python3",
		Argv:        []string{"python3", "/tmp/x.py"},
	})
	p.passThroughEvents(ev)

	select {
	case derived := <-out:
		if derived.Info().Etype != events.CacheHash {
			t.Fatalf("expected CacheHash pass-through, got %v", derived.Info().Etype)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a pass-through event")
	}
}
