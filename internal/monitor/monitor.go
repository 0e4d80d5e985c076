// Package monitor wraps an optional statsd client for ambient
// observability counters: events processed, events lost, scan latency.
// When no statsd address is configured, Monitor is a no-op sink so the
// rest of the pipeline never has to branch on whether monitoring is on.
package monitor

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/pkg/errors"
)

// Monitor records pipeline counters. The zero value is a safe no-op.
type Monitor struct {
	client *statsd.Client
}

// New dials addr (host:port) for statsd submission. An empty addr returns
// a no-op Monitor.
func New(addr string) (*Monitor, error) {
	if addr == "" {
		return &Monitor{}, nil
	}
	c, err := statsd.New(addr, statsd.WithNamespace("watchtower."))
	if err != nil {
		return nil, errors.Wrapf(err, "dialing statsd at %s", addr)
	}
	return &Monitor{client: c}, nil
}

func (m *Monitor) EventProcessed(eventType string) {
	if m.client == nil {
		return
	}
	_ = m.client.Incr("events.processed", []string{"type:" + eventType}, 1)
}

func (m *Monitor) EventsLost(eventType string, count uint64) {
	if m.client == nil {
		return
	}
	_ = m.client.Count("events.lost", int64(count), []string{"type:" + eventType}, 1)
}

func (m *Monitor) ScanLatency(eventType string, d time.Duration) {
	if m.client == nil {
		return
	}
	_ = m.client.Timing("scan.latency", d, []string{"type:" + eventType}, 1)
}

func (m *Monitor) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
