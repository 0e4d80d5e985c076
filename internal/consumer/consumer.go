// Package consumer implements the Consumer: the dedicated thread that
// drains the Producer's channel, maintains the Task Table/DNS map/Hash
// Cache, runs the Scanner Adapter, and writes JSON-lines output.
//
// Grounded in the decode/enrich/scan/emit pipeline of a security-event
// processing loop, generalized to this system's namespace-aware
// enrichment and correlation-origin dispatch.
package consumer

import (
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/watchtower-sec/watchtower/internal/dnsmap"
	"github.com/watchtower-sec/watchtower/internal/dnsresolve"
	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/hashcache"
	"github.com/watchtower-sec/watchtower/internal/monitor"
	"github.com/watchtower-sec/watchtower/internal/nsswitch"
	"github.com/watchtower-sec/watchtower/internal/output"
	"github.com/watchtower-sec/watchtower/internal/scanner"
	"github.com/watchtower-sec/watchtower/internal/seclog"
	"github.com/watchtower-sec/watchtower/internal/tasktable"
)

// Consumer is the single dedicated OS thread that owns the Task Table,
// Hash Cache, DNS map, Scanner Adapter and output handle exclusively; it
// is never accessed from more than one goroutine.
type Consumer struct {
	in       <-chan *events.EncodedEvent
	executor *nsswitch.Executor
	hashes   *hashcache.Cache
	tasks    *tasktable.Table
	dns      *dnsmap.Map
	scan     *scanner.Adapter
	writer   *output.Writer
	mon      *monitor.Monitor

	hostUUID       uuid.UUID
	selfTgid       uint32
	selfMountNS    uint32
	randTag        uuid.UUID
	seq            uint64
	sendDataMinLen uint64
}

// New builds a Consumer reading from in. selfTgid is the daemon's own
// tgid, used to skip events it produced about itself; sendDataMinLen is
// the configured threshold below which SendData events are dropped.
func New(
	in <-chan *events.EncodedEvent,
	executor *nsswitch.Executor,
	hashes *hashcache.Cache,
	tasks *tasktable.Table,
	dns *dnsmap.Map,
	scan *scanner.Adapter,
	writer *output.Writer,
	mon *monitor.Monitor,
	hostUUID uuid.UUID,
	selfTgid uint32,
	sendDataMinLen uint64,
) (*Consumer, error) {
	mnt, err := selfMountNSID()
	if err != nil {
		return nil, err
	}
	return &Consumer{
		in:             in,
		executor:       executor,
		hashes:         hashes,
		tasks:          tasks,
		dns:            dns,
		scan:           scan,
		writer:         writer,
		mon:            mon,
		hostUUID:       hostUUID,
		selfTgid:       selfTgid,
		selfMountNS:    mnt,
		randTag:        uuid.New(),
		sendDataMinLen: sendDataMinLen,
	}, nil
}

func selfMountNSID() (uint32, error) {
	link, err := os.Readlink("/proc/self/ns/mnt")
	if err != nil {
		return 0, errors.Wrap(err, "reading own mount namespace")
	}
	return parseNSInode(link)
}

func parseNSInode(link string) (uint32, error) {
	start := strings.IndexByte(link, '[')
	end := strings.IndexByte(link, ']')
	if start < 0 || end < 0 || end <= start {
		return 0, errors.Errorf("unrecognized namespace link %q", link)
	}
	v, err := strconv.ParseUint(link[start+1:end], 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "parsing namespace inode")
	}
	return uint32(v), nil
}

// Run detaches the calling goroutine's OS thread from shared-filesystem
// coupling, then drains the channel until it closes.
func (c *Consumer) Run() error {
	if err := c.executor.Detach(); err != nil {
		return errors.Wrap(err, "detaching consumer thread")
	}
	for ev := range c.in {
		c.handle(ev)
	}
	return nil
}

func (c *Consumer) handle(ev *events.EncodedEvent) {
	info := ev.Info()
	if info.Process.Tgid == c.selfTgid {
		return
	}
	c.hashes.CacheNS(info.Process.Pid, info.Process.Namespaces.Mnt)

	switch info.Etype {
	case events.Correlation:
		c.handleCorrelation(ev)
	case events.CacheHash:
		c.handleCacheHash(ev)
	case events.Execve, events.ExecveScript:
		c.handleExecve(ev)
	case events.Clone:
		c.handleClone(ev)
	case events.Exit:
		c.handleExit(ev, info.Process.Pid == info.Process.Tgid)
	case events.ExitGroup:
		c.handleExit(ev, true)
	case events.MmapExec:
		c.handleMmapExec(ev)
	case events.BpfProgLoad:
		c.handleBpfProgLoad(ev)
	case events.DnsQuery:
		c.handleDNSQuery(ev)
	case events.Connect:
		c.handleConnect(ev)
	case events.SendData:
		c.handleSendData(ev)
	default:
		seclog.Errorf("consumer received unexpected event type %s", info.Etype)
	}
}

// applyCorrelation runs apply_correlation against the Task Table using
// data carried either directly by a correlation-origin event (Execve,
// ExecveScript, Clone) or by a pass-through Correlation event.
func (c *Consumer) applyCorrelation(info *events.EventInfo, origin events.Type, image string, argv []string, nodename string, cgroups []string, cgroupErr bool) *tasktable.Task {
	proc := info.Process
	parentKey, hasParent := proc.ParentKey()
	in := tasktable.CorrelationInput{
		Origin:    origin,
		Image:     image,
		Argv:      argv,
		Flags:     proc.Flags,
		Pid:       proc.Pid,
		Nodename:  nodename,
		Cgroups:   cgroups,
		CgroupErr: cgroupErr,
		ParentKey: parentKey,
		HasParent: hasParent,
	}
	return c.tasks.ApplyCorrelation(proc.Key(), in)
}

func (c *Consumer) handleCorrelation(ev *events.EncodedEvent) {
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding correlation payload: %v", err)
		return
	}
	corr := payload.(*events.CorrelationData)
	c.applyCorrelation(ev.Info(), corr.Origin, corr.Image, corr.Argv, corr.Nodename, corr.Cgroups, corr.CgroupErr)
}

func (c *Consumer) handleCacheHash(ev *events.EncodedEvent) {
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding cache_hash payload: %v", err)
		return
	}
	data := payload.(*events.CacheHashData)
	c.hashes.GetOrCacheInNS(ev.Info().Process.Namespaces.Mnt, data.Path)
}

// handleExecve implements the Execve/Clone ordering subtlety: correlation
// is applied first, possibly replacing the prior task record, before the
// user-facing event is built — so StdEventInfo reflects the fresh task.
func (c *Consumer) handleExecve(ev *events.EncodedEvent) {
	info := ev.Info()
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding %s payload: %v", info.Etype, err)
		return
	}
	exe := payload.(*events.ExecveData)
	c.applyCorrelation(info, info.Etype, exe.Executable, exe.Argv, "", nil, true)

	hashes := c.hashes.GetOrCacheInNS(info.Process.Namespaces.Mnt, exe.Executable)
	data := map[string]interface{}{
		"executable":  exe.Executable,
		"interpreter": exe.Interpreter,
		"argv":        exe.Argv,
		"hashes":      hashes,
	}
	fields := map[string]string{
		"executable":  exe.Executable,
		"interpreter": exe.Interpreter,
		"sha256":      hashes.SHA256,
	}
	c.emit(ev, info.Etype.String(), data, fields, []string{exe.Executable, hashes.SHA256, hashes.SHA1, hashes.MD5})
}

func (c *Consumer) handleClone(ev *events.EncodedEvent) {
	info := ev.Info()
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding clone payload: %v", err)
		return
	}
	cl := payload.(*events.CloneData)

	image := "?"
	if parentKey, ok := info.Process.ParentKey(); ok {
		if parent, found := c.tasks.Get(parentKey); found {
			image = parent.Image
		}
	}
	c.applyCorrelation(info, events.Clone, image, nil, "", nil, true)

	data := map[string]interface{}{"flags": cl.Flags}
	c.emit(ev, events.Clone.String(), data, map[string]string{}, nil)
}

func (c *Consumer) handleExit(ev *events.EncodedEvent, cleanup bool) {
	info := ev.Info()
	var errorCode int32
	if payload, err := ev.Payload(); err == nil {
		errorCode = payload.(*events.ExitData).ErrorCode
	}
	if cleanup {
		c.tasks.FreeMemory(info.Process.Key())
	}
	data := map[string]interface{}{"error_code": errorCode}
	c.emit(ev, info.Etype.String(), data, map[string]string{}, nil)
}

func (c *Consumer) handleMmapExec(ev *events.EncodedEvent) {
	info := ev.Info()
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding mmap_exec payload: %v", err)
		return
	}
	mm := payload.(*events.MmapExecData)
	hashes := c.hashes.GetOrCacheInNS(info.Process.Namespaces.Mnt, mm.Path)
	data := map[string]interface{}{"path": mm.Path, "hashes": hashes}
	fields := map[string]string{"path": mm.Path, "sha256": hashes.SHA256}
	c.emit(ev, events.MmapExec.String(), data, fields, []string{mm.Path, hashes.SHA256})
}

func (c *Consumer) handleBpfProgLoad(ev *events.EncodedEvent) {
	info := ev.Info()
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding bpf_prog_load payload: %v", err)
		return
	}
	load := payload.(*events.BpfProgLoadData)
	data := map[string]interface{}{"id": load.ID, "tag": load.Tag, "name": load.Name, "hashes": load.Hashes}
	fields := map[string]string{"tag": load.Tag, "name": load.Name, "sha256": load.Hashes.SHA256}
	c.emit(ev, events.BpfProgLoad.String(), data, fields, []string{load.Hashes.SHA256})
}

func (c *Consumer) handleDNSQuery(ev *events.EncodedEvent) {
	info := ev.Info()
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding dns_query payload: %v", err)
		return
	}
	q := payload.(*events.DnsQueryData)

	question, answers, err := dnsresolve.Extract(q.RawPacket)
	if err != nil {
		seclog.Warnf("dns packet extraction failed, falling back to probe-reported fields: %v", err)
		question, answers = q.Question, q.Answers
	}

	key := info.Process.Key()
	iocCandidates := []string{question}
	for _, a := range answers {
		c.dns.UpdateResolved(a.IP, question, key)
		iocCandidates = append(iocCandidates, a.IP, a.Name)
	}

	data := map[string]interface{}{"question": question, "answers": answers}
	fields := map[string]string{"question": question}
	c.emit(ev, events.DnsQuery.String(), data, fields, iocCandidates)
}

func (c *Consumer) handleConnect(ev *events.EncodedEvent) {
	info := ev.Info()
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding connect payload: %v", err)
		return
	}
	conn := payload.(*events.ConnectData)
	hostname := c.dns.GetResolved(conn.DstIP, info.Process.Key())

	data := map[string]interface{}{
		"dst_ip":       conn.DstIP,
		"dst_port":     conn.DstPort,
		"proto":        conn.Proto,
		"dst_hostname": hostname,
	}
	fields := map[string]string{"dst_ip": conn.DstIP, "proto": conn.Proto, "dst_hostname": hostname}
	c.emit(ev, events.Connect.String(), data, fields, []string{conn.DstIP, hostname})
}

func (c *Consumer) handleSendData(ev *events.EncodedEvent) {
	info := ev.Info()
	payload, err := ev.Payload()
	if err != nil {
		seclog.Errorf("decoding send_data payload: %v", err)
		return
	}
	sd := payload.(*events.SendDataData)
	if sd.Size < c.sendDataMinLen {
		return
	}
	hostname := c.dns.GetResolved(sd.DstIP, info.Process.Key())

	data := map[string]interface{}{
		"dst_ip":       sd.DstIP,
		"dst_port":     sd.DstPort,
		"size":         sd.Size,
		"dst_hostname": hostname,
	}
	fields := map[string]string{"dst_ip": sd.DstIP, "dst_hostname": hostname}
	c.emit(ev, events.SendData.String(), data, fields, []string{sd.DstIP, hostname})
}

// emit runs the Scanner Adapter's decision table, then writes the
// resulting document unless the event is dropped.
func (c *Consumer) emit(ev *events.EncodedEvent, name string, data interface{}, fields map[string]string, iocCandidates []string) {
	start := time.Now()
	var detection *output.Detection

	if c.scan.Configured() {
		result := c.scan.Scan(name, fields, iocCandidates)
		switch {
		case result == nil:
			c.mon.ScanLatency(name, time.Since(start))
			return
		case result.IsDetection():
			ruleNames := make([]string, 0, len(result.Rules))
			for _, m := range result.Rules {
				ruleNames = append(ruleNames, m.RuleName)
			}
			detection = &output.Detection{Rules: ruleNames, IOCs: result.IOCs, Severity: result.Severity}
		case result.IsOnlyFilter():
			// emit without a detection field.
		default:
			c.mon.ScanLatency(name, time.Since(start))
			return
		}
	}
	c.mon.ScanLatency(name, time.Since(start))

	doc := output.Document{Info: c.buildInfo(ev, name), Data: data, Detection: detection}
	if err := c.writer.Write(doc); err != nil {
		seclog.Errorf("writing output document: %v", err)
		return
	}
	c.mon.EventProcessed(name)
}

func (c *Consumer) buildInfo(ev *events.EncodedEvent, name string) output.Info {
	info := ev.Info()
	proc := info.Process
	key := proc.Key()

	image := "?"
	var cmdline []string
	var ancestors []string
	parentImage := "?"

	task, ok := c.tasks.Get(key)
	if ok {
		image = task.Image
		cmdline = task.CommandLine
		ancestors = c.tasks.Ancestors(key)
		if task.HasParent {
			if parent, found := c.tasks.Get(task.ParentKey); found {
				parentImage = parent.Image
			}
		}
	}

	var container *output.ContainerInfo
	if ok && proc.Namespaces.Mnt != c.selfMountNS {
		if cc, found := c.tasks.ContainerOf(task); found {
			container = &output.ContainerInfo{Kind: string(cc.Kind), ID: cc.ID}
		}
	}

	return output.Info{
		Name:      name,
		UUID:      c.nextEventUUID().String(),
		Host:      c.hostUUID.String(),
		Container: container,
		Process: output.ProcessInfo{
			Pid:         proc.Pid,
			Tgid:        proc.Tgid,
			Image:       image,
			CommandLine: cmdline,
			Ancestors:   ancestors,
			ParentImage: parentImage,
		},
		Timestamp: time.Unix(0, info.Timestamp).UTC().Format(time.RFC3339Nano),
	}
}

// nextEventUUID derives a per-event uuid from the consumer's per-run
// random tag and a monotonic sequence number, avoiding a fresh random
// read on every single emitted event.
func (c *Consumer) nextEventUUID() uuid.UUID {
	c.seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, c.seq)
	return uuid.NewSHA1(c.randTag, buf)
}
