package monitor

import (
	"testing"
	"time"
)

func TestNewWithEmptyAddrIsNoOp(t *testing.T) {
	m, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// a no-op Monitor must tolerate every call without a dialed client.
	m.EventProcessed("execve")
	m.EventsLost("connect", 3)
	m.ScanLatency("dns_query", time.Millisecond)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestZeroValueMonitorIsNoOp(t *testing.T) {
	var m Monitor
	m.EventProcessed("execve")
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
