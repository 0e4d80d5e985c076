// Package scanner implements the Scanner Adapter: a thin layer over the
// rule Engine that overlays IoC matches and decides the emission-affecting
// shape of a ScanResult, per the detection decision table the Consumer
// consults.
package scanner

import (
	"github.com/watchtower-sec/watchtower/internal/ioc"
	"github.com/watchtower-sec/watchtower/internal/rules"
	"github.com/watchtower-sec/watchtower/internal/seclog"
)

// MaxSeverity is forced whenever any IoC matches, regardless of what the
// rule engine itself scored.
const MaxSeverity = 10

// ScanResult accumulates everything a scan found for one event.
type ScanResult struct {
	Rules    []rules.Match
	IOCs     []string
	Severity int
}

// IsDetection reports whether any non-filter rule matched or any IoC
// matched.
func (r *ScanResult) IsDetection() bool {
	if r == nil {
		return false
	}
	if len(r.IOCs) > 0 {
		return true
	}
	for _, m := range r.Rules {
		if m.Kind == rules.KindDetection {
			return true
		}
	}
	return false
}

// IsOnlyFilter reports whether every matched rule is a filter rule and no
// IoC matched; the Consumer emits these without a detection field.
func (r *ScanResult) IsOnlyFilter() bool {
	if r == nil || len(r.Rules) == 0 || len(r.IOCs) > 0 {
		return false
	}
	for _, m := range r.Rules {
		if m.Kind != rules.KindFilter {
			return false
		}
	}
	return true
}

// Adapter is the Consumer-owned scanner instance.
type Adapter struct {
	engine rules.Engine
	iocs   *ioc.Set
}

// New builds an Adapter. Either engine or iocs may be nil/empty.
func New(engine rules.Engine, iocs *ioc.Set) *Adapter {
	return &Adapter{engine: engine, iocs: iocs}
}

// Configured reports whether any rules or IoCs were loaded at all; when
// false, the Consumer emits every event unconditionally per the decision
// table's first row. A *rules.DefaultEngine holding zero rules counts as
// no engine; any other non-nil Engine counts as loaded rules.
func (a *Adapter) Configured() bool {
	hasEngine := a.engine != nil
	if de, ok := a.engine.(*rules.DefaultEngine); ok && (de == nil || len(de.Rules) == 0) {
		hasEngine = false
	}
	return hasEngine || !a.iocs.Empty()
}

// Scan runs the rule engine (if any) and overlays IoC matches (if any),
// returning nil when neither produced a hit.
func (a *Adapter) Scan(eventType string, fields map[string]string, iocCandidates []string) *ScanResult {
	var result *ScanResult

	if a.engine != nil {
		matches, err := a.engine.Run(eventType, fields)
		if err != nil {
			seclog.Errorf("scan engine error for %s: %v", eventType, err)
		}
		if len(matches) > 0 {
			result = &ScanResult{Rules: matches}
			for _, m := range matches {
				if m.Kind == rules.KindDetection && m.Severity > result.Severity {
					result.Severity = m.Severity
				}
			}
		}
	}

	matchedIOCs := a.iocs.Intersect(iocCandidates)
	if len(matchedIOCs) > 0 {
		if result == nil {
			result = &ScanResult{}
		}
		result.IOCs = matchedIOCs
		result.Severity = MaxSeverity
	}

	return result
}
