// Package dnsmap implements the DNS Resolution Map: per-task and global
// IP-to-hostname maps populated by DNS observations and consulted while
// enriching network events, with task-local lookups taking precedence so
// that each container sees the names it itself resolved.
package dnsmap

import "github.com/watchtower-sec/watchtower/internal/events"

// TaskKey re-exports the wire TaskKey for callers that only need DNS
// bookkeeping.
type TaskKey = events.TaskKey

const unresolved = "?"

// Map is the Consumer-owned DNS resolution state. Not safe for concurrent
// use; the Consumer is its sole owner.
type Map struct {
	global map[string]string
	local  map[TaskKey]map[string]string
}

// New builds an empty Map.
func New() *Map {
	return &Map{
		global: make(map[string]string),
		local:  make(map[TaskKey]map[string]string),
	}
}

// UpdateResolved writes ip->name into both the task-local and global maps,
// last-write-wins in both.
func (m *Map) UpdateResolved(ip, name string, key TaskKey) {
	m.global[ip] = name
	lm, ok := m.local[key]
	if !ok {
		lm = make(map[string]string)
		m.local[key] = lm
	}
	lm[ip] = name
}

// GetResolved looks up ip, consulting the task-local map first, then the
// global map, returning "?" if neither has an entry.
func (m *Map) GetResolved(ip string, key TaskKey) string {
	if lm, ok := m.local[key]; ok {
		if name, ok := lm[ip]; ok {
			return name
		}
	}
	if name, ok := m.global[ip]; ok {
		return name
	}
	return unresolved
}

// Clear implements tasktable.ResolvedClearer: it empties key's local map
// (the shallow free performed on process exit) and drops the global
// entries this task wrote that no later write has overwritten, so a lookup
// for the exited task answers "?". Other tasks' local entries are untouched.
func (m *Map) Clear(key TaskKey) {
	for ip, name := range m.local[key] {
		if m.global[ip] == name {
			delete(m.global, ip)
		}
	}
	delete(m.local, key)
}
