// Package ioc loads indicator-of-compromise sets from JSON-lines files and
// exposes a lookup set consulted by the Scanner Adapter.
package ioc

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Set is a loaded collection of IoC values (domains, hashes, IPs — the
// scanner treats them as opaque strings extracted from an event).
type Set struct {
	values map[string]bool
}

// Empty reports whether no IoCs were loaded.
func (s *Set) Empty() bool {
	return s == nil || len(s.values) == 0
}

// Intersect returns the subset of candidates present in the loaded set.
func (s *Set) Intersect(candidates []string) []string {
	if s.Empty() {
		return nil
	}
	var out []string
	for _, c := range candidates {
		if s.values[c] {
			out = append(out, c)
		}
	}
	return out
}

type record struct {
	Value string `json:"value"`
}

// Load reads every JSON-lines file in paths from fs and merges their
// values into one Set. A malformed line is startup-fatal, matching the
// rules loader's strictness.
func Load(fs afero.Fs, paths []string) (*Set, error) {
	set := &Set{values: make(map[string]bool)}
	for _, p := range paths {
		f, err := fs.Open(p)
		if err != nil {
			return nil, errors.Wrapf(err, "opening ioc file %s", p)
		}
		sc := bufio.NewScanner(f)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var rec record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				f.Close()
				return nil, errors.Wrapf(err, "parsing ioc file %s line %d", p, lineNo)
			}
			if rec.Value != "" {
				set.values[rec.Value] = true
			}
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading ioc file %s", p)
		}
	}
	return set, nil
}
