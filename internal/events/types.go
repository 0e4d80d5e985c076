// Package events defines the wire types shared by the Producer and the
// Consumer: the event type tag, the fixed header every record carries, and
// the per-type payloads decoded from an EncodedEvent.
package events

// Type tags the kind of record carried by an EncodedEvent. Values must stay
// stable: they are assigned by the kernel-side probes and read back here.
type Type uint32

const (
	Unknown Type = iota
	Execve
	ExecveScript
	Clone
	Exit
	ExitGroup
	MmapExec
	BpfProgLoad
	DnsQuery
	Connect
	SendData
	Correlation
	CacheHash
	TaskSched
	SyscoreResume
	Error
	EndEvents
	Max
)

var names = map[Type]string{
	Unknown:       "unknown",
	Execve:        "execve",
	ExecveScript:  "execve_script",
	Clone:         "clone",
	Exit:          "exit",
	ExitGroup:     "exit_group",
	MmapExec:      "mmap_exec",
	BpfProgLoad:   "bpf_prog_load",
	DnsQuery:      "dns_query",
	Connect:       "connect",
	SendData:      "send_data",
	Correlation:   "correlation",
	CacheHash:     "cache_hash",
	TaskSched:     "task_sched",
	SyscoreResume: "syscore_resume",
	Error:         "error",
	EndEvents:     "end_events",
	Max:           "max",
}

// String returns the event's lowercase configuration name.
func (t Type) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return "unknown"
}

// internalOnly lists the event types that are never surfaced to config/CLI
// include-exclude lists and never printed by --show-events, because they
// exist purely to drive Producer/Consumer bookkeeping.
var internalOnly = map[Type]bool{
	Error:         true,
	Correlation:   true,
	CacheHash:     true,
	TaskSched:     true,
	SyscoreResume: true,
	EndEvents:     true,
	Max:           true,
	Unknown:       true,
}

// Configurable reports whether this event type may appear in the events
// include/exclude configuration surface.
func (t Type) Configurable() bool {
	return !internalOnly[t]
}

// ParseType maps a configuration name back to its Type. The second return
// value is false for unknown names.
func ParseType(name string) (Type, bool) {
	for t, n := range names {
		if n == name {
			return t, true
		}
	}
	return Unknown, false
}

// ConfigurableTypes returns every type usable in config/CLI surfaces, in a
// stable order, for --show-events.
func ConfigurableTypes() []Type {
	out := make([]Type, 0, len(names))
	for t := Unknown; t < Max; t++ {
		if t.Configurable() {
			out = append(out, t)
		}
	}
	return out
}

// PFKthread is the kernel task_struct flag marking a kernel thread.
const PFKthread uint32 = 0x00200000
