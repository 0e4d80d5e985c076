// Package output defines the JSON-lines document shapes the Consumer
// writes and a small sink that serializes one Document per line.
package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ProcessInfo is the lineage block embedded in every document's info
// field.
type ProcessInfo struct {
	Pid         uint32   `json:"pid"`
	Tgid        uint32   `json:"tgid"`
	Image       string   `json:"image"`
	CommandLine []string `json:"command_line,omitempty"`
	Ancestors   []string `json:"ancestors,omitempty"`
	ParentImage string   `json:"parent_image"`
}

// ContainerInfo tags the emitting process's container identity, present
// only when the event's mount namespace differs from the daemon's own.
type ContainerInfo struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// Info is the document's header: identity, lineage, and timing.
type Info struct {
	Name      string         `json:"name"`
	UUID      string         `json:"uuid"`
	Host      string         `json:"host"`
	Container *ContainerInfo `json:"container,omitempty"`
	Process   ProcessInfo    `json:"process"`
	Timestamp string         `json:"timestamp"`
}

// Detection is present only when a rule or IoC matched.
type Detection struct {
	Rules    []string `json:"rules,omitempty"`
	IOCs     []string `json:"iocs,omitempty"`
	Severity int      `json:"severity"`
}

// Document is one emitted JSON line.
type Document struct {
	Info      Info        `json:"info"`
	Data      interface{} `json:"data"`
	Detection *Detection  `json:"detection,omitempty"`
}

// Writer serializes Documents as newline-delimited JSON to an underlying
// writer (a file, or /dev/stdout /dev/stderr per the output config key).
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals doc and appends it, newline-terminated, to the sink.
// Enrichment failures never cause a malformed line: callers default
// missing fields to "?" before reaching here.
func (wr *Writer) Write(doc Document) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "marshalling output document")
	}
	b = append(b, '\n')
	if _, err := wr.w.Write(b); err != nil {
		return errors.Wrap(err, "writing output document")
	}
	return nil
}
