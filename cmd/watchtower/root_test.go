package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/watchtower-sec/watchtower/internal/config"
)

func TestDumpDefaultConfigIncludesFreshHostUUID(t *testing.T) {
	var buf bytes.Buffer
	if err := dumpDefaultConfig(&buf); err != nil {
		t.Fatalf("dumpDefaultConfig: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "host_uuid = ") {
		t.Fatalf("expected host_uuid line, got %q", out)
	}
	if !strings.Contains(out, "output = \"stdout\"") {
		t.Fatalf("expected default output, got %q", out)
	}
}

func TestPrintConfigurableEventsOmitsInternalTypes(t *testing.T) {
	var buf bytes.Buffer
	printConfigurableEvents(&buf)
	out := buf.String()
	if !strings.Contains(out, "execve") {
		t.Fatalf("expected execve listed, got %q", out)
	}
	if strings.Contains(out, "correlation") || strings.Contains(out, "task_sched") {
		t.Fatalf("expected internal-only types omitted, got %q", out)
	}
}

func TestSplitNonEmptyDropsEmptyFields(t *testing.T) {
	got := splitNonEmpty("a,,b,", ",")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
}

func TestApplyCLIOverridesIncludeSupersedesExclude(t *testing.T) {
	cfg := &config.Config{}
	flags := cliFlags{include: []string{"execve"}, exclude: []string{"connect"}}
	if err := applyCLIOverrides(cfg, flags); err != nil {
		t.Fatalf("applyCLIOverrides: %v", err)
	}
	enabled := cfg.EnabledSet()
	for _, ec := range cfg.Events {
		if ec.Name == "execve" && !ec.Enabled {
			t.Fatalf("expected execve enabled via include, got %+v", cfg.Events)
		}
		if ec.Name == "connect" && ec.Enabled {
			t.Fatalf("expected connect disabled (not in include list), got %+v", cfg.Events)
		}
	}
	_ = enabled
}

func TestApplyCLIOverridesHashCacheCapacityDefaultsToZero(t *testing.T) {
	cfg := &config.Config{}
	if err := applyCLIOverrides(cfg, cliFlags{}); err != nil {
		t.Fatalf("applyCLIOverrides: %v", err)
	}
	if cfg.HashCacheCapacity != 0 {
		t.Fatalf("expected unset flag to leave capacity at the zero value (falls back to hashcache.DefaultCapacity), got %d", cfg.HashCacheCapacity)
	}

	if err := applyCLIOverrides(cfg, cliFlags{hashCacheCapacity: 500}); err != nil {
		t.Fatalf("applyCLIOverrides: %v", err)
	}
	if cfg.HashCacheCapacity != 500 {
		t.Fatalf("hash cache capacity = %d, want 500", cfg.HashCacheCapacity)
	}
}

func TestOpenOutputSpecialCasesStdStreams(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := openOutput(fs, "/dev/stdout")
	if err != nil {
		t.Fatalf("openOutput stdout: %v", err)
	}
	if w == nil {
		t.Fatalf("expected non-nil writer for stdout")
	}

	w2, err := openOutput(fs, "/var/log/watchtower.jsonl")
	if err != nil {
		t.Fatalf("openOutput file: %v", err)
	}
	defer w2.Close()
	if _, err := w2.Write([]byte("{}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := afero.ReadFile(fs, "/var/log/watchtower.jsonl")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "{}\n" {
		t.Fatalf("got %q", data)
	}
}
