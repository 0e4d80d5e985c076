// Package ringbuf adapts a loaded eBPF per-CPU events map into the
// Reader interface the Producer consumes, using cilium/ebpf's perf reader (one
// ring per online CPU) and DataDog/ebpf-manager to look the map up by
// name from an already-attached manager.
package ringbuf

import (
	"os"
	"time"

	manager "github.com/DataDog/ebpf-manager"
	"github.com/cilium/ebpf/perf"
	"github.com/pkg/errors"
)

// Reader is what the Producer's per-CPU reader task consumes. Production
// code gets one from OpenEventsMap; tests substitute a fake.
type Reader interface {
	// ReadTimeout blocks up to timeout for one record. ok is false on a
	// timeout (treated as an empty read per §4.5); err is non-nil only for
	// a genuine reader failure (e.g. the map was closed).
	ReadTimeout(timeout time.Duration) (raw []byte, lostSamples uint64, ok bool, err error)
	Close() error
}

// PerfReader backs Reader with a cilium/ebpf perf.Reader.
type PerfReader struct {
	rd *perf.Reader
}

// OpenEventsMap resolves mapName from mgr (an already attached
// ebpf-manager Manager) and opens a per-CPU perf reader over it sized to
// hold at least perCPUBufferSize bytes per CPU.
func OpenEventsMap(mgr *manager.Manager, mapName string, perCPUBufferSize int) (*PerfReader, error) {
	m, found, err := mgr.GetMap(mapName)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up map %s", mapName)
	}
	if !found || m == nil {
		return nil, errors.Errorf("map %s not found in manager", mapName)
	}
	rd, err := perf.NewReader(m, perCPUBufferSize)
	if err != nil {
		return nil, errors.Wrapf(err, "opening perf reader on %s", mapName)
	}
	return &PerfReader{rd: rd}, nil
}

// ReadTimeout implements Reader.
func (p *PerfReader) ReadTimeout(timeout time.Duration) ([]byte, uint64, bool, error) {
	if err := p.rd.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, 0, false, errors.Wrap(err, "setting read deadline")
	}
	rec, err := p.rd.Read()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, 0, false, nil
		}
		if errors.Is(err, perf.ErrClosed) {
			return nil, 0, false, err
		}
		return nil, 0, false, errors.Wrap(err, "reading perf record")
	}
	return rec.RawSample, uint64(rec.LostSamples), true, nil
}

// Close implements Reader.
func (p *PerfReader) Close() error {
	return p.rd.Close()
}
