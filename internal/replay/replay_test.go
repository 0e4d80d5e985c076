package replay

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/watchtower-sec/watchtower/internal/output"
	"github.com/watchtower-sec/watchtower/internal/rules"
	"github.com/watchtower-sec/watchtower/internal/scanner"
)

type fakeEngine struct {
	matches []rules.Match
}

func (f fakeEngine) Run(eventType string, fields map[string]string) ([]rules.Match, error) {
	return f.matches, nil
}

func writeLines(t *testing.T, fs afero.Fs, path string, docs ...output.Document) {
	t.Helper()
	var buf bytes.Buffer
	for _, d := range docs {
		b, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal doc: %v", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write replay file: %v", err)
	}
}

func TestReplayNoScannerEmitsUnconditionally(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/events.jsonl", output.Document{
		Info: output.Info{Name: "connect"},
		Data: map[string]interface{}{"dst_ip": "1.2.3.4"},
	})

	var out bytes.Buffer
	d := New(scanner.New(nil, nil), output.NewWriter(&out))
	if err := d.ReplayFile(fs, "/events.jsonl"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if strings.Count(out.String(), "\n") != 1 {
		t.Fatalf("expected one re-emitted line, got %q", out.String())
	}
}

func TestReplayDropsNoMatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/events.jsonl", output.Document{
		Info: output.Info{Name: "connect"},
		Data: map[string]interface{}{"dst_ip": "1.2.3.4"},
	})

	var out bytes.Buffer
	d := New(scanner.New(&fakeEngine{}, nil), output.NewWriter(&out))
	if err := d.ReplayFile(fs, "/events.jsonl"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no-match document dropped, got %q", out.String())
	}
}

func TestReplaySetsDetectionOnMatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLines(t, fs, "/events.jsonl", output.Document{
		Info: output.Info{Name: "connect"},
		Data: map[string]interface{}{"dst_ip": "6.6.6.6"},
	})

	engine := &fakeEngine{matches: []rules.Match{{RuleName: "bad-ip", Kind: rules.KindDetection, Severity: 8}}}
	var out bytes.Buffer
	d := New(scanner.New(engine, nil), output.NewWriter(&out))
	if err := d.ReplayFile(fs, "/events.jsonl"); err != nil {
		t.Fatalf("replay: %v", err)
	}

	var doc output.Document
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &doc); err != nil {
		t.Fatalf("unmarshal re-emitted doc: %v", err)
	}
	if doc.Detection == nil || doc.Detection.Severity != 8 {
		t.Fatalf("expected detection severity 8, got %+v", doc.Detection)
	}
}

func TestReplaySkipsMalformedLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := "not json\n" + `{"info":{"name":"connect"},"data":{"dst_ip":"1.2.3.4"}}` + "\n"
	if err := afero.WriteFile(fs, "/events.jsonl", []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	d := New(scanner.New(nil, nil), output.NewWriter(&out))
	if err := d.ReplayFile(fs, "/events.jsonl"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if strings.Count(out.String(), "\n") != 1 {
		t.Fatalf("expected malformed line skipped, one valid line emitted, got %q", out.String())
	}
}

func TestFlattenBuildsDottedFieldsAndCandidates(t *testing.T) {
	fields := make(map[string]string)
	var candidates []string
	flatten("", map[string]interface{}{
		"question": "evil.example",
		"answers": []interface{}{
			map[string]interface{}{"name": "evil.example", "ip": "9.9.9.9"},
		},
	}, fields, &candidates)

	if fields["question"] != "evil.example" {
		t.Fatalf("fields = %+v", fields)
	}
	if fields["answers[0].ip"] != "9.9.9.9" {
		t.Fatalf("fields = %+v", fields)
	}
	found := false
	for _, c := range candidates {
		if c == "9.9.9.9" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 9.9.9.9 among ioc candidates, got %v", candidates)
	}
}
