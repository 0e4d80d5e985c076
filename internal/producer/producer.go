// Package producer implements the per-CPU ring-buffer Producer: reading,
// timestamp-ordered batching, time-critical pre-processing and
// correlation pass-through, as described in the system's component
// design for the event pipeline's read side.
//
// Grounded in the big type-switch decode/dispatch style of a kernel probe
// event reader, generalized from a single-threaded event handler into the
// barrier-synchronized multi-reader producer this system's concurrency
// model calls for.
package producer

import (
	"crypto/sha256"
	"encoding/hex"
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/monitor"
	"github.com/watchtower-sec/watchtower/internal/ringbuf"
	"github.com/watchtower-sec/watchtower/internal/seclog"
)

// MaxBPFEventSize bounds one raw record read from a ring buffer.
const MaxBPFEventSize = 8192

// PageSize is the assumed kernel page size used to size ring buffers.
const PageSize = 4096

// DefaultReadTimeout is how long a reader waits for a record before
// treating the round as an empty read.
const DefaultReadTimeout = 100 * time.Millisecond

// ErrProgramNotFound is returned by a ProgDumper when the BPF program id
// named by a BpfProgLoad event is no longer loaded (it raced with an
// unload); this is logged as a warning rather than an error.
var ErrProgramNotFound = errors.New("bpf program not found")

// ProgDumper abstracts dumping a loaded BPF program's translated
// instructions, so process_time_critical's BpfProgLoad handling is
// testable without a real kernel.
type ProgDumper interface {
	DumpProgram(id uint32, tag string) ([]byte, error)
}

// OptimalPageCount computes the ring buffer's page count: the next power
// of two above the bytes required to hold maxBufferedEvents records of
// maxEventSize bytes, doubled again for headroom.
func OptimalPageCount(maxEventSize, maxBufferedEvents int) int {
	bytesNeeded := maxEventSize * maxBufferedEvents
	pages := bytesNeeded / PageSize
	if pages < 1 {
		pages = 1
	}
	shift := bits.Len(uint(pages)) // ceil(log2(pages)) when pages isn't itself a power of two
	if pages&(pages-1) == 0 {
		shift--
	}
	return 1 << uint(shift+1)
}

// Filter decides whether a configurable event type is enabled.
type Filter map[events.Type]bool

func (f Filter) Enabled(t events.Type) bool {
	enabled, ok := f[t]
	return !ok || enabled
}

// Producer owns one Reader per online CPU plus the shared ordering pipe.
type Producer struct {
	readers     []ringbuf.Reader
	out         chan *events.EncodedEvent
	filter      Filter
	dumper      ProgDumper
	mon         *monitor.Monitor
	readTimeout time.Duration

	mu    sync.Mutex
	pipe  []*events.EncodedEvent
	batch uint64
	stats map[events.Type]uint64

	barrier1 *cyclicBarrier
	barrier2 *cyclicBarrier

	stop   atomic.Bool
	reload atomic.Bool

	wg sync.WaitGroup
}

// New builds a Producer with one reader task per entry in readers. out is
// the Consumer's input channel; both ordered-drain output and pass-through
// events are sent to it. mon may be nil; lost-event counters are then
// simply not recorded.
func New(readers []ringbuf.Reader, out chan *events.EncodedEvent, filter Filter, dumper ProgDumper, mon *monitor.Monitor) *Producer {
	n := len(readers)
	if n == 0 {
		n = 1
	}
	return &Producer{
		readers:     readers,
		out:         out,
		filter:      filter,
		dumper:      dumper,
		mon:         mon,
		readTimeout: DefaultReadTimeout,
		stats:       make(map[events.Type]uint64),
		barrier1:    newCyclicBarrier(n),
		barrier2:    newCyclicBarrier(n),
	}
}

// Start launches one reader goroutine per CPU. Reader index 0 is the
// deterministically chosen reducer CPU.
func (p *Producer) Start() {
	for i, rd := range p.readers {
		p.wg.Add(1)
		go p.readerLoop(i, rd)
	}
}

// Stop requests an orderly shutdown; readers exit at the tail of their
// current cycle.
func (p *Producer) Stop() {
	p.stop.Store(true)
}

// Join waits for every reader goroutine to exit, checking every pollEvery;
// it does not return until all readers have exited.
func (p *Producer) Join(pollEvery time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case <-time.After(pollEvery):
		}
	}
}

// ReloadRequested reports whether a SyscoreResume event has asked for a
// full reload.
func (p *Producer) ReloadRequested() bool {
	return p.reload.Load()
}

const reducerCPU = 0

func (p *Producer) readerLoop(cpu int, rd ringbuf.Reader) {
	defer p.wg.Done()
	for {
		p.readOnce(cpu, rd)

		p.barrier1.Wait()
		if cpu == reducerCPU {
			p.drain()
		}
		p.barrier2.Wait()

		if p.stop.Load() {
			return
		}
	}
}

func (p *Producer) readOnce(cpu int, rd ringbuf.Reader) {
	raw, lost, ok, err := rd.ReadTimeout(p.readTimeout)
	if err != nil {
		seclog.Errorf("cpu %d: ring buffer read failed: %v", cpu, err)
		return
	}
	if lost > 0 {
		seclog.Warnf("cpu %d: kernel reported %d lost events", cpu, lost)
		if p.mon != nil {
			p.mon.EventsLost("ring_buffer", lost)
		}
	}
	if !ok {
		return
	}

	ev, err := events.NewEncodedEvent(raw)
	if err != nil {
		seclog.Errorf("cpu %d: failed to decode event header: %v", cpu, err)
		return
	}

	p.mu.Lock()
	ev.SetBatch(p.batch)
	p.mu.Unlock()

	if p.processTimeCritical(ev) {
		return
	}

	p.passThroughEvents(ev)

	etype := ev.Info().Etype
	if !p.filter.Enabled(etype) {
		return
	}
	if etype == events.TaskSched {
		// already turned into a Correlation pass-through above.
		return
	}

	p.mu.Lock()
	p.pipe = append(p.pipe, ev)
	p.mu.Unlock()
}

// processTimeCritical handles the four event kinds that must be resolved
// synchronously in the reader, returning true if the event has been fully
// consumed and must not proceed any further.
func (p *Producer) processTimeCritical(ev *events.EncodedEvent) bool {
	switch ev.Info().Etype {
	case events.Execve:
		payload, err := ev.Payload()
		if err != nil {
			seclog.Errorf("decoding execve payload: %v", err)
			return false
		}
		exe := payload.(*events.ExecveData)
		if exe.Interpreter != "" && exe.Interpreter != exe.Executable {
			ev.Relabel(events.ExecveScript)
		}
		return false

	case events.BpfProgLoad:
		payload, err := ev.Payload()
		if err != nil {
			seclog.Errorf("decoding bpf_prog_load payload: %v", err)
			return false
		}
		load := payload.(*events.BpfProgLoadData)
		if p.dumper == nil {
			return false
		}
		code, err := p.dumper.DumpProgram(load.ID, load.Tag)
		if err != nil {
			if errors.Is(err, ErrProgramNotFound) {
				seclog.Warnf("bpf program %d/%s not found, likely already unloaded", load.ID, load.Tag)
			} else {
				seclog.Errorf("dumping bpf program %d/%s: %v", load.ID, load.Tag, err)
			}
			return false
		}
		load.Hashes = hashBytes(code)
		ev.SetPayload(load)
		return false

	case events.Error:
		payload, err := ev.Payload()
		if err == nil {
			errData := payload.(*events.ErrorData)
			seclog.Errorf("producer-observed error: %s", errData.Message)
		}
		return true

	case events.SyscoreResume:
		p.reload.Store(true)
		return true
	}
	return false
}

// passThroughEvents fans out enrichment-only derived events directly to
// the Consumer channel, bypassing the ordering pipe entirely.
func (p *Producer) passThroughEvents(ev *events.EncodedEvent) {
	info := ev.Info()
	switch info.Etype {
	case events.Execve, events.ExecveScript:
		payload, err := ev.Payload()
		if err != nil {
			return
		}
		exe := payload.(*events.ExecveData)
		paths := []string{exe.Executable}
		if exe.Interpreter != "" && exe.Interpreter != exe.Executable {
			paths = append(paths, exe.Interpreter)
		}
		if len(exe.Argv) > 0 && isAbsolutePath(exe.Argv[0]) {
			paths = append(paths, exe.Argv[0])
		}
		for _, path := range paths {
			p.emitDerived(info, events.CacheHash, &events.CacheHashData{Path: path})
		}

	case events.MmapExec:
		payload, err := ev.Payload()
		if err != nil {
			return
		}
		mm := payload.(*events.MmapExecData)
		p.emitDerived(info, events.CacheHash, &events.CacheHashData{Path: mm.Path})

	case events.TaskSched:
		payload, err := ev.Payload()
		if err != nil {
			return
		}
		sched := payload.(*events.TaskSchedData)
		p.emitDerived(info, events.Correlation, &events.CorrelationData{
			Origin:   events.TaskSched,
			Nodename: sched.Nodename,
		})
	}
}

func isAbsolutePath(s string) bool {
	return len(s) > 0 && s[0] == '/'
}

func (p *Producer) emitDerived(origin *events.EventInfo, t events.Type, payload events.Payload) {
	derivedInfo := *origin
	derivedInfo.Etype = t
	p.out <- events.NewDerivedEvent(derivedInfo, payload)
}

// drain implements the reducer step: sort the pipe by timestamp, forward
// every event strictly older than the current batch, and advance the
// batch counter whenever the pipe held anything at all (matching the
// original producer's "a round happened" bookkeeping even when nothing
// was old enough to forward yet).
func (p *Producer) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pipe) == 0 {
		return
	}

	sort.SliceStable(p.pipe, func(i, j int) bool {
		return p.pipe[i].Info().Timestamp < p.pipe[j].Info().Timestamp
	})

	remaining := p.pipe[:0]
	for _, ev := range p.pipe {
		if ev.Info().Batch < p.batch {
			p.out <- ev
			continue
		}
		remaining = append(remaining, ev)
	}
	p.pipe = remaining

	p.batch++
}

func hashBytes(b []byte) events.Hashes {
	sum := sha256.Sum256(b)
	return events.Hashes{SHA256: hex.EncodeToString(sum[:]), Size: uint64(len(b))}
}
