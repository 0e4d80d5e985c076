package config

import (
	"testing"

	"github.com/watchtower-sec/watchtower/internal/events"
)

const sampleTOML = `
output = "stdout"
host_uuid = "2e3e4a2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f"
max_buffered_events = 2048

[[events]]
name = "connect"
enabled = false
`

func mustType(t *testing.T, name string) events.Type {
	t.Helper()
	ty, ok := events.ParseType(name)
	if !ok {
		t.Fatalf("unknown event type %q", name)
	}
	return ty
}

func TestParseRequiresHostUUID(t *testing.T) {
	_, err := Parse([]byte(`output = "stdout"`))
	if err == nil {
		t.Fatalf("expected error for missing host_uuid")
	}
}

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MaxBufferedEvents != 2048 {
		t.Fatalf("max_buffered_events = %d", cfg.MaxBufferedEvents)
	}
	if cfg.OutputPath() != "/dev/stdout" {
		t.Fatalf("output path = %s", cfg.OutputPath())
	}
	enabled := cfg.EnabledSet()
	if enabled[mustType(t, "connect")] {
		t.Fatalf("connect should be disabled")
	}
	if !enabled[mustType(t, "execve")] {
		t.Fatalf("execve should default enabled")
	}
}

func TestParseRejectsInternalEventName(t *testing.T) {
	bad := sampleTOML + "\n[[events]]\nname = \"correlation\"\nenabled = true\n"
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatalf("expected error configuring internal event type")
	}
}

func TestApplyCLIHashCacheCapacityOverride(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HashCacheCapacity != 0 {
		t.Fatalf("expected zero-value default, got %d", cfg.HashCacheCapacity)
	}
	capacity := 25000
	if err := cfg.ApplyCLI(CLIOverrides{HashCacheCapacity: &capacity}); err != nil {
		t.Fatalf("apply cli: %v", err)
	}
	if cfg.HashCacheCapacity != 25000 {
		t.Fatalf("hash cache capacity = %d, want 25000", cfg.HashCacheCapacity)
	}
}

func TestApplyCLIIncludeSupersedesExclude(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.ApplyCLI(CLIOverrides{Include: []string{"execve"}}); err != nil {
		t.Fatalf("apply cli: %v", err)
	}
	enabled := cfg.EnabledSet()
	if !enabled[mustType(t, "execve")] {
		t.Fatalf("execve should be enabled")
	}
	if enabled[mustType(t, "connect")] {
		t.Fatalf("connect should be disabled: only included types are enabled")
	}
}
