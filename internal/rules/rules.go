// Package rules loads YAML detection/filter rule files and implements the
// minimal rule Engine the Scanner Adapter treats as a black box. Rule
// internals are intentionally simple: field equality/substring conditions
// over an event's flattened output fields, matching the kind of rule this
// system's detection layer is specified to consume rather than reimplementing
// a full expression language.
package rules

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Kind distinguishes a detection rule (raises severity, becomes part of
// detection.rules) from a filter rule (matches are informational only).
type Kind string

const (
	KindDetection Kind = "detection"
	KindFilter    Kind = "filter"
)

// Condition is one field test within a rule; a rule matches an event only
// if every one of its conditions matches. Equals and Contains are pointers
// so that an explicit `equals: ""` (match on an empty field) is
// distinguishable from the field simply being absent from the rule.
type Condition struct {
	Field    string  `yaml:"field"`
	Equals   *string `yaml:"equals,omitempty"`
	Contains *string `yaml:"contains,omitempty"`
}

func (c Condition) matches(fields map[string]string) bool {
	v, ok := fields[c.Field]
	if !ok {
		return false
	}
	if c.Equals != nil {
		return v == *c.Equals
	}
	if c.Contains != nil {
		return strings.Contains(v, *c.Contains)
	}
	return false
}

// validate rejects a condition that names neither test, which would
// otherwise silently never match.
func (c Condition) validate() error {
	if c.Equals == nil && c.Contains == nil {
		return errors.Errorf("condition on field %q sets neither equals nor contains", c.Field)
	}
	return nil
}

// Rule is one detection or filter rule.
type Rule struct {
	Name       string      `yaml:"name"`
	Kind       Kind        `yaml:"kind"`
	Severity   int         `yaml:"severity"`
	EventTypes []string    `yaml:"event_types"`
	Conditions []Condition `yaml:"conditions"`
}

func (r Rule) appliesTo(eventType string) bool {
	if len(r.EventTypes) == 0 {
		return true
	}
	for _, t := range r.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

func (r Rule) matches(eventType string, fields map[string]string) bool {
	if !r.appliesTo(eventType) {
		return false
	}
	for _, c := range r.Conditions {
		if !c.matches(fields) {
			return false
		}
	}
	return len(r.Conditions) > 0
}

// Match is one rule hit against an event.
type Match struct {
	RuleName string
	Kind     Kind
	Severity int
}

// Engine is the black-box interface the Scanner Adapter consumes.
type Engine interface {
	Run(eventType string, fields map[string]string) ([]Match, error)
}

// DefaultEngine evaluates a flat list of loaded Rules.
type DefaultEngine struct {
	Rules []Rule
}

// Run evaluates every loaded rule against the event's flattened field map.
func (e *DefaultEngine) Run(eventType string, fields map[string]string) ([]Match, error) {
	var matches []Match
	for _, r := range e.Rules {
		if r.matches(eventType, fields) {
			matches = append(matches, Match{RuleName: r.Name, Kind: r.Kind, Severity: r.Severity})
		}
	}
	return matches, nil
}

// Load reads and parses every YAML rule file in paths from fs, merging
// them into one Engine. A malformed file is a startup-fatal error.
func Load(fs afero.Fs, paths []string) (*DefaultEngine, error) {
	engine := &DefaultEngine{}
	for _, p := range paths {
		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return nil, errors.Wrapf(err, "reading rule file %s", p)
		}
		var fileRules []Rule
		if err := yaml.Unmarshal(data, &fileRules); err != nil {
			return nil, errors.Wrapf(err, "parsing rule file %s", p)
		}
		for _, r := range fileRules {
			for _, c := range r.Conditions {
				if err := c.validate(); err != nil {
					return nil, errors.Wrapf(err, "rule file %s, rule %q", p, r.Name)
				}
			}
		}
		engine.Rules = append(engine.Rules, fileRules...)
	}
	return engine, nil
}
