// Package replay implements the Replay Driver: an alternative front-end
// that re-feeds previously emitted, already-enriched JSON-lines event
// documents through the Scanner Adapter, without touching the Task
// Table, Hash Cache, or DNS map — those were already applied by whichever
// run originally produced the log.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/watchtower-sec/watchtower/internal/output"
	"github.com/watchtower-sec/watchtower/internal/scanner"
	"github.com/watchtower-sec/watchtower/internal/seclog"
)

// Driver re-scans serialized Documents and re-emits them through writer.
type Driver struct {
	scan   *scanner.Adapter
	writer *output.Writer
}

// New builds a Driver.
func New(scan *scanner.Adapter, writer *output.Writer) *Driver {
	return &Driver{scan: scan, writer: writer}
}

// ReplayFiles processes every JSON-lines file in paths, in order.
func (d *Driver) ReplayFiles(fs afero.Fs, paths []string) error {
	for _, p := range paths {
		if err := d.ReplayFile(fs, p); err != nil {
			return errors.Wrapf(err, "replaying %s", p)
		}
	}
	return nil
}

// ReplayFile streams one JSON-lines file of previously emitted Documents.
// A malformed line is logged and skipped rather than aborting the whole
// file, since replay input is typically a large historical log.
func (d *Driver) ReplayFile(fs afero.Fs, path string) error {
	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening replay file")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var doc output.Document
		if err := json.Unmarshal(line, &doc); err != nil {
			seclog.Warnf("%s:%d: skipping malformed replay line: %v", path, lineNo, err)
			continue
		}
		if err := d.replayDoc(doc); err != nil {
			seclog.Errorf("%s:%d: replaying document: %v", path, lineNo, err)
		}
	}
	return sc.Err()
}

// replayDoc re-runs the Scanner Adapter's decision table against doc's
// flattened data fields and re-emits it, exactly mirroring the Consumer's
// emission rules in §4.6/§4.7.
func (d *Driver) replayDoc(doc output.Document) error {
	fields := make(map[string]string)
	var candidates []string
	flatten("", doc.Data, fields, &candidates)

	doc.Detection = nil

	if d.scan.Configured() {
		result := d.scan.Scan(doc.Info.Name, fields, candidates)
		switch {
		case result == nil:
			return nil
		case result.IsDetection():
			names := make([]string, 0, len(result.Rules))
			for _, m := range result.Rules {
				names = append(names, m.RuleName)
			}
			doc.Detection = &output.Detection{Rules: names, IOCs: result.IOCs, Severity: result.Severity}
		case result.IsOnlyFilter():
			// re-emit without a detection field.
		default:
			return nil
		}
	}

	return d.writer.Write(doc)
}

// flatten walks a JSON-decoded value (maps, slices, scalars — the shape
// encoding/json produces for an interface{}) into a dotted field map for
// rule evaluation and a flat list of string values for IoC matching.
func flatten(prefix string, v interface{}, fields map[string]string, candidates *[]string) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, vv := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, vv, fields, candidates)
		}
	case []interface{}:
		for i, vv := range val {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), vv, fields, candidates)
		}
	case string:
		fields[prefix] = val
		*candidates = append(*candidates, val)
	case float64:
		fields[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		fields[prefix] = strconv.FormatBool(val)
	}
}
