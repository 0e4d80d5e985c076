package consumer

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/watchtower-sec/watchtower/internal/dnsmap"
	"github.com/watchtower-sec/watchtower/internal/events"
	"github.com/watchtower-sec/watchtower/internal/hashcache"
	"github.com/watchtower-sec/watchtower/internal/monitor"
	"github.com/watchtower-sec/watchtower/internal/nsswitch"
	"github.com/watchtower-sec/watchtower/internal/output"
	"github.com/watchtower-sec/watchtower/internal/rules"
	"github.com/watchtower-sec/watchtower/internal/scanner"
	"github.com/watchtower-sec/watchtower/internal/tasktable"
)

type fakeEngine struct {
	matches []rules.Match
}

func (f fakeEngine) Run(eventType string, fields map[string]string) ([]rules.Match, error) {
	return f.matches, nil
}

func newTestConsumer(t *testing.T, scan *scanner.Adapter) (*Consumer, *bytes.Buffer) {
	t.Helper()
	dns := dnsmap.New()
	tasks := tasktable.New(dns)
	exec := nsswitch.New()
	hashes, err := hashcache.New(10, exec)
	if err != nil {
		t.Fatalf("new hash cache: %v", err)
	}
	var buf bytes.Buffer
	writer := output.NewWriter(&buf)
	mon := &monitor.Monitor{}

	if scan == nil {
		scan = scanner.New(nil, nil)
	}

	c := &Consumer{
		executor:       exec,
		hashes:         hashes,
		tasks:          tasks,
		dns:            dns,
		scan:           scan,
		writer:         writer,
		mon:            mon,
		hostUUID:       uuid.New(),
		selfTgid:       999999,
		selfMountNS:    4026531840,
		randTag:        uuid.New(),
		sendDataMinLen: 0,
	}
	return c, &buf
}

func execveEvent(tgid, pid uint32, exe string, mnt uint32) *events.EncodedEvent {
	info := events.EventInfo{
		Etype:     events.Execve,
		Timestamp: 1,
		Process: events.ProcessInfo{
			Pid: pid, Tgid: tgid,
			UUID:       uuid.New(),
			Namespaces: events.Namespaces{Mnt: mnt},
		},
	}
	return events.NewDerivedEvent(info, &events.ExecveData{Executable: exe, Argv: []string{exe}})
}

func docLines(buf *bytes.Buffer) []output.Document {
	var docs []output.Document
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var d output.Document
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			continue
		}
		docs = append(docs, d)
	}
	return docs
}

func TestSelfEventsAreSkipped(t *testing.T) {
	c, buf := newTestConsumer(t, nil)
	ev := execveEvent(c.selfTgid, c.selfTgid, "/bin/self", 4026531840)
	c.handle(ev)
	if buf.Len() != 0 {
		t.Fatalf("expected no output for self event, got %q", buf.String())
	}
}

func TestExecveReplacesTaskAndEmits(t *testing.T) {
	c, buf := newTestConsumer(t, nil)
	ev := execveEvent(1, 100, "/usr/bin/evil", 4026531840)
	c.handle(ev)

	task, ok := c.tasks.Get(ev.Info().Process.Key())
	if !ok || task.Image != "/usr/bin/evil" {
		t.Fatalf("expected task table updated with execve image, got %+v ok=%v", task, ok)
	}

	docs := docLines(buf)
	if len(docs) != 1 || docs[0].Info.Name != "execve" {
		t.Fatalf("expected one execve document, got %+v", docs)
	}
	if docs[0].Info.Process.Image != "/usr/bin/evil" {
		t.Fatalf("document reflects stale task data: %+v", docs[0].Info.Process)
	}
}

func TestCloneInheritsParentImage(t *testing.T) {
	c, buf := newTestConsumer(t, nil)

	parentKey := events.TaskKey{Tgid: 1, UUID: uuid.New()}
	c.tasks.ApplyCorrelation(parentKey, tasktable.CorrelationInput{
		Origin: events.Execve, Image: "/usr/bin/parent", Pid: 1,
	})

	childUUID := uuid.New()
	info := events.EventInfo{
		Etype: events.Clone,
		Process: events.ProcessInfo{
			Pid: 2, Tgid: 2, UUID: childUUID, ParentUUID: parentKey.UUID,
		},
	}
	ev := events.NewDerivedEvent(info, &events.CloneData{Flags: 0})
	c.handle(ev)

	child, ok := c.tasks.Get(events.TaskKey{Tgid: 2, UUID: childUUID})
	if !ok || child.Image != "/usr/bin/parent" {
		t.Fatalf("expected clone to inherit parent image, got %+v ok=%v", child, ok)
	}

	docs := docLines(buf)
	if len(docs) != 1 || docs[0].Info.Name != "clone" {
		t.Fatalf("expected one clone document, got %+v", docs)
	}
}

func TestExitCleansResolvedButKeepsRecord(t *testing.T) {
	c, buf := newTestConsumer(t, nil)
	key := events.TaskKey{Tgid: 5, UUID: uuid.New()}
	c.tasks.ApplyCorrelation(key, tasktable.CorrelationInput{Origin: events.Execve, Image: "/bin/sh", Pid: 5})
	c.dns.UpdateResolved("1.2.3.4", "example.com", key)

	info := events.EventInfo{
		Etype:   events.ExitGroup,
		Process: events.ProcessInfo{Pid: 5, Tgid: 5, UUID: key.UUID},
	}
	ev := events.NewDerivedEvent(info, &events.ExitData{ErrorCode: 0})
	c.handle(ev)

	if got := c.dns.GetResolved("1.2.3.4", key); got != "?" {
		t.Fatalf("expected resolved map cleared, still got %q", got)
	}
	if _, ok := c.tasks.Get(key); !ok {
		t.Fatalf("expected task record retained after exit cleanup")
	}

	docs := docLines(buf)
	if len(docs) != 1 || docs[0].Info.Name != "exit_group" {
		t.Fatalf("expected one exit_group document, got %+v", docs)
	}
}

func TestDNSQueryFallsBackWhenPacketUnparseable(t *testing.T) {
	c, buf := newTestConsumer(t, nil)
	key := events.TaskKey{Tgid: 7, UUID: uuid.New()}
	info := events.EventInfo{Etype: events.DnsQuery, Process: events.ProcessInfo{Pid: 7, Tgid: 7, UUID: key.UUID}}
	ev := events.NewDerivedEvent(info, &events.DnsQueryData{
		Question:  "evil.example",
		RawPacket: make([]byte, 14),
		Answers:   []events.DNSAnswer{{Name: "evil.example", IP: "9.9.9.9"}},
	})
	c.handle(ev)

	if got := c.dns.GetResolved("9.9.9.9", key); got != "evil.example" {
		t.Fatalf("expected dns map updated from fallback answers, got %q", got)
	}
	docs := docLines(buf)
	if len(docs) != 1 || docs[0].Info.Name != "dns_query" {
		t.Fatalf("expected one dns_query document, got %+v", docs)
	}
}

func TestConnectUsesDNSMapForHostname(t *testing.T) {
	c, buf := newTestConsumer(t, nil)
	key := events.TaskKey{Tgid: 9, UUID: uuid.New()}
	c.dns.UpdateResolved("5.6.7.8", "resolved.example", key)

	info := events.EventInfo{Etype: events.Connect, Process: events.ProcessInfo{Pid: 9, Tgid: 9, UUID: key.UUID}}
	ev := events.NewDerivedEvent(info, &events.ConnectData{DstIP: "5.6.7.8", DstPort: 443, Proto: "tcp"})
	c.handle(ev)

	docs := docLines(buf)
	if len(docs) != 1 {
		t.Fatalf("expected one connect document, got %+v", docs)
	}
	data, _ := docs[0].Data.(map[string]interface{})
	if data["dst_hostname"] != "resolved.example" {
		t.Fatalf("expected resolved hostname in document, got %+v", data)
	}
}

func TestSendDataBelowThresholdDropped(t *testing.T) {
	c, buf := newTestConsumer(t, nil)
	c.sendDataMinLen = 1024

	info := events.EventInfo{Etype: events.SendData, Process: events.ProcessInfo{Pid: 11, Tgid: 11, UUID: uuid.New()}}
	ev := events.NewDerivedEvent(info, &events.SendDataData{DstIP: "1.1.1.1", DstPort: 80, Size: 10})
	c.handle(ev)

	if buf.Len() != 0 {
		t.Fatalf("expected send_data below threshold to be dropped, got %q", buf.String())
	}
}

func TestScanFilterOnlyEmitsWithoutDetection(t *testing.T) {
	scan := scanner.New(&fakeEngine{matches: []rules.Match{{RuleName: "noisy", Kind: rules.KindFilter}}}, nil)
	c, buf := newTestConsumer(t, scan)

	ev := execveEvent(1, 100, "/usr/bin/noisy", 4026531840)
	c.handle(ev)

	docs := docLines(buf)
	if len(docs) != 1 || docs[0].Detection != nil {
		t.Fatalf("expected filter-only match to emit without detection, got %+v", docs)
	}
}

func TestScanDetectionSetsDetectionField(t *testing.T) {
	scan := scanner.New(&fakeEngine{matches: []rules.Match{{RuleName: "bad-exec", Kind: rules.KindDetection, Severity: 7}}}, nil)
	c, buf := newTestConsumer(t, scan)

	ev := execveEvent(1, 100, "/usr/bin/bad", 4026531840)
	c.handle(ev)

	docs := docLines(buf)
	if len(docs) != 1 || docs[0].Detection == nil {
		t.Fatalf("expected detection field set, got %+v", docs)
	}
	if docs[0].Detection.Severity != 7 {
		t.Fatalf("severity = %d, want 7", docs[0].Detection.Severity)
	}
}

func TestScanNoMatchDropsEvent(t *testing.T) {
	scan := scanner.New(&fakeEngine{}, nil)
	c, buf := newTestConsumer(t, scan)

	ev := execveEvent(1, 100, "/usr/bin/boring", 4026531840)
	c.handle(ev)

	if buf.Len() != 0 {
		t.Fatalf("expected no-match event to be dropped, got %q", buf.String())
	}
}

func TestParseNSInode(t *testing.T) {
	got, err := parseNSInode("mnt:[4026531840]")
	if err != nil {
		t.Fatalf("parseNSInode: %v", err)
	}
	if got != 4026531840 {
		t.Fatalf("got %d, want 4026531840", got)
	}
	if _, err := parseNSInode("garbage"); err == nil {
		t.Fatalf("expected error for unrecognized namespace link")
	}
}
