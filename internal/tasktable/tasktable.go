// Package tasktable implements the Process/Task Table: a forest of process
// lineage records keyed by TaskKey, supporting insert, correlation-driven
// update, ancestor walks and exit-time memory release.
//
// Grounded in the entryCache/insertEntry/Resolve/DelEntry pattern of a
// process-cache resolver, generalized from pid-only keys to TaskKey
// (tgid+uuid) and from a flat parent-pointer tree to the kernel-thread and
// cgroup-fallback semantics this system requires.
package tasktable

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/watchtower-sec/watchtower/internal/containers"
	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/seclog"
)

// TaskKey re-exports the wire TaskKey so callers don't need to import
// internal/events solely for this type.
type TaskKey = events.TaskKey

// maxAncestorDepth bounds the ancestor walk defensively; the parent_key
// relation is a forest and should never cycle, but a corrupt or
// adversarial stream must not hang the Consumer.
const maxAncestorDepth = 128

// Task is one lineage record.
type Task struct {
	Key         TaskKey
	Image       string
	CommandLine []string
	Pid         uint32
	Flags       uint32
	Container   containers.Container
	HasContainer bool
	Cgroups     []string
	Nodename    string
	ParentKey   TaskKey
	HasParent   bool
}

// IsKernelThread reports the PF_KTHREAD bit.
func (t *Task) IsKernelThread() bool {
	return t.Flags&events.PFKthread != 0
}

// ResolvedClearer is implemented by the DNS Resolution Map: FreeMemory
// delegates the "empty the resolved map but keep the record" step to it,
// since the map owns the per-task resolved entries.
type ResolvedClearer interface {
	Clear(key TaskKey)
}

// CgroupReader reads the cgroup list for pid from procfs; overridable for
// tests.
type CgroupReader func(pid uint32) ([]string, error)

func defaultCgroupReader(pid uint32) ([]string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, ':'); i >= 0 && i+1 < len(line) {
			if j := strings.IndexByte(line[i+1:], ':'); j >= 0 {
				out = append(out, line[i+1+j+1:])
				continue
			}
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// Table is the Consumer-owned process lineage table. It is not safe for
// concurrent use; the Consumer is its sole owner and calls it from a
// single goroutine.
type Table struct {
	tasks        map[TaskKey]*Task
	resolved     ResolvedClearer
	cgroupReader CgroupReader
}

// New builds an empty Table. resolved may be nil in tests that don't
// exercise FreeMemory.
func New(resolved ResolvedClearer) *Table {
	return &Table{
		tasks:        make(map[TaskKey]*Task),
		resolved:     resolved,
		cgroupReader: defaultCgroupReader,
	}
}

// Get returns the record for key, if any. A key with a zero tgid but a
// set uuid (the parent key an event header yields, which carries only the
// parent's uuid) matches the record with that uuid.
func (t *Table) Get(key TaskKey) (*Task, bool) {
	if task, ok := t.tasks[key]; ok {
		return task, true
	}
	if key.Tgid == 0 && !key.Zero() {
		for k, task := range t.tasks {
			if k.UUID == key.UUID {
				return task, true
			}
		}
	}
	return nil, false
}

// InsertPlaceholder creates a minimal record for a key referenced as a
// parent before its own correlation event has arrived.
func (t *Table) InsertPlaceholder(key TaskKey) *Task {
	if existing, ok := t.tasks[key]; ok {
		return existing
	}
	task := &Task{Key: key, Pid: key.Tgid, Image: "?"}
	t.tasks[key] = task
	return task
}

// CorrelationInput is the data carried by a Correlation-origin event
// (Execve, ExecveScript, Clone, or the pass-through event synthesized from
// TaskSched).
type CorrelationInput struct {
	Origin    events.Type
	Image     string
	Argv      []string
	Flags     uint32
	Pid       uint32
	Nodename  string
	Cgroups   []string
	CgroupErr bool
	ParentKey TaskKey
	HasParent bool
}

// ApplyCorrelation implements §4.3's apply_correlation: Execve/ExecveScript
// replace any prior record outright; any other origin updates only the
// nodename of an existing record (if it was unset) or inserts a fresh
// record when none exists.
func (t *Table) ApplyCorrelation(key TaskKey, in CorrelationInput) *Task {
	if in.Origin == events.Execve || in.Origin == events.ExecveScript {
		delete(t.tasks, key)
		return t.insertFresh(key, in)
	}

	if existing, ok := t.tasks[key]; ok {
		if existing.Nodename == "" && in.Nodename != "" {
			existing.Nodename = in.Nodename
		}
		return existing
	}

	return t.insertFresh(key, in)
}

func (t *Table) insertFresh(key TaskKey, in CorrelationInput) *Task {
	task := &Task{
		Key:         key,
		Image:       in.Image,
		CommandLine: in.Argv,
		Pid:         in.Pid,
		Flags:       in.Flags,
		Cgroups:     t.resolveCgroups(in.Pid, in.Cgroups, in.CgroupErr),
		Nodename:    in.Nodename,
		ParentKey:   in.ParentKey,
		HasParent:   in.HasParent,
	}
	if task.IsKernelThread() {
		task.Image = "kernel"
	}
	t.tasks[key] = task
	return task
}

// resolveCgroups implements the cgroup fallback chain: prefer what the
// kernel-side probe parsed; on error fall back to /proc/<pid>/cgroup; if
// that also fails, keep whatever raw strings were given and log a
// warning.
func (t *Table) resolveCgroups(pid uint32, parsed []string, parseErr bool) []string {
	if !parseErr && len(parsed) > 0 {
		return parsed
	}
	if t.cgroupReader != nil {
		if cgroups, err := t.cgroupReader(pid); err == nil && len(cgroups) > 0 {
			return cgroups
		}
	}
	seclog.Warnf("cgroup resolution fell back to raw probe data for pid %d", pid)
	return parsed
}

// ContainerOf resolves task's container identity: cgroups first, then the
// ancestor-image heuristic.
func (t *Table) ContainerOf(task *Task) (containers.Container, bool) {
	if c, ok := containers.FromCgroups(task.Cgroups); ok {
		return c, true
	}
	return containers.FromAncestors(t.Ancestors(task.Key))
}

// Ancestors returns the ordered, root-first list of ancestor images for
// key's own record (key itself is not included). A literal "?" is
// prepended when the walk's root is neither pid 1 nor a kernel thread,
// signaling lineage truncation (e.g. the daemon started after the
// ancestor chain's origin had already exited).
func (t *Table) Ancestors(key TaskKey) []string {
	var chain []*Task
	cur, ok := t.tasks[key]
	if !ok {
		return nil
	}
	depth := 0
	for cur.HasParent && depth < maxAncestorDepth {
		parent, ok := t.Get(cur.ParentKey)
		if !ok {
			break
		}
		chain = append(chain, parent)
		cur = parent
		depth++
	}

	images := make([]string, 0, len(chain)+1)
	truncated := true
	if cur.Pid == 1 || cur.IsKernelThread() {
		truncated = false
	}
	if truncated {
		images = append(images, "?")
	}
	for i := len(chain) - 1; i >= 0; i-- {
		images = append(images, chain[i].Image)
	}
	return images
}

// FreeMemory implements the exit-time cleanup: the resolved-DNS map is
// emptied (delegated to the DNS Resolution Map) but the Task record
// itself is retained so living children can still walk through it.
func (t *Table) FreeMemory(key TaskKey) {
	if t.resolved != nil {
		t.resolved.Clear(key)
	}
}

// InsertFromProcfs is the one-shot startup enumerator: it walks every
// visible process, inserting best-effort records and tolerating
// individual per-process failures (a process may exit mid-scan).
func (t *Table) InsertFromProcfs() error {
	procs, err := process.Processes()
	if err != nil {
		return err
	}
	for _, p := range procs {
		if err := t.insertFromProc(p); err != nil {
			seclog.Warnf("procfs enumeration: skipping pid %d: %v", p.Pid, err)
		}
	}
	return nil
}

func (t *Table) insertFromProc(p *process.Process) error {
	pid := uint32(p.Pid)
	exe, err := p.Exe()
	if err != nil {
		exe = "?"
	}
	cmdline, err := p.CmdlineSlice()
	if err != nil {
		cmdline = nil
	}
	ppid, err := p.Ppid()
	if err != nil {
		ppid = 0
	}

	key := TaskKey{Tgid: pid}
	task := &Task{
		Key:         key,
		Image:       exe,
		CommandLine: cmdline,
		Pid:         pid,
	}
	if ppid > 0 {
		task.ParentKey = TaskKey{Tgid: uint32(ppid)}
		task.HasParent = true
	}
	if cgroups, err := t.cgroupReader(pid); err == nil {
		task.Cgroups = cgroups
	}
	t.tasks[key] = task
	return nil
}

// parsePid is a small helper kept for callers that only have a string pid
// (e.g. from a /proc directory listing) rather than gopsutil's typed Pid.
func parsePid(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
