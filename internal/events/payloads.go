package events

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

func writeString(buf []byte, s string) []byte {
	h := make([]byte, 2)
	order.PutUint16(h, uint16(len(s)))
	buf = append(buf, h...)
	buf = append(buf, s...)
	return buf
}

func readString(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, ErrNotEnoughData
	}
	n := int(order.Uint16(data))
	if len(data) < 2+n {
		return "", 0, ErrNotEnoughData
	}
	return string(data[2 : 2+n]), 2 + n, nil
}

func writeStrings(buf []byte, ss []string) []byte {
	h := make([]byte, 2)
	order.PutUint16(h, uint16(len(ss)))
	buf = append(buf, h...)
	for _, s := range ss {
		buf = writeString(buf, s)
	}
	return buf
}

func readStrings(data []byte) ([]string, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrNotEnoughData
	}
	count := int(order.Uint16(data))
	off := 2
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		s, n, err := readString(data[off:])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
		off += n
	}
	return out, off, nil
}

// Hashes is the value side of a Hash Cache entry: digests computed for a
// file at a point in time, or the error encountered trying.
type Hashes struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	SHA512 string `json:"sha512,omitempty"`
	Size   uint64 `json:"size"`
	Path   string `json:"path"`
	Error  string `json:"error,omitempty"`
}

// ExecveData backs both Execve and, once relabeled by process_time_critical,
// ExecveScript.
type ExecveData struct {
	Executable  string
	Interpreter string
	Argv        []string
}

func init() {
	RegisterPayload(Execve, func() Payload { return &ExecveData{} })
	RegisterPayload(ExecveScript, func() Payload { return &ExecveData{} })
}

func (d *ExecveData) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = writeString(buf, d.Executable)
	buf = writeString(buf, d.Interpreter)
	buf = writeStrings(buf, d.Argv)
	return buf, nil
}

func (d *ExecveData) UnmarshalBinary(data []byte) (int, error) {
	off := 0
	exe, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "executable")
	}
	off += n
	interp, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "interpreter")
	}
	off += n
	argv, n, err := readStrings(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "argv")
	}
	off += n
	d.Executable, d.Interpreter, d.Argv = exe, interp, argv
	return off, nil
}

// CloneData marks a clone(2) observation; the new task's identity lives in
// the shared header, so the payload only needs to say whether it is a
// thread clone.
type CloneData struct {
	Flags uint64
}

func init() { RegisterPayload(Clone, func() Payload { return &CloneData{} }) }

func (d *CloneData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	order.PutUint64(buf, d.Flags)
	return buf, nil
}

func (d *CloneData) UnmarshalBinary(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, ErrNotEnoughData
	}
	d.Flags = order.Uint64(data)
	return 8, nil
}

// ExitData carries the exit code for Exit and ExitGroup events.
type ExitData struct {
	ErrorCode int32
}

func init() {
	RegisterPayload(Exit, func() Payload { return &ExitData{} })
	RegisterPayload(ExitGroup, func() Payload { return &ExitData{} })
}

func (d *ExitData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	order.PutUint32(buf, uint32(d.ErrorCode))
	return buf, nil
}

func (d *ExitData) UnmarshalBinary(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, ErrNotEnoughData
	}
	d.ErrorCode = int32(order.Uint32(data))
	return 4, nil
}

// MmapExecData names the file an executable mapping pointed at.
type MmapExecData struct {
	Path string
}

func init() { RegisterPayload(MmapExec, func() Payload { return &MmapExecData{} }) }

func (d *MmapExecData) MarshalBinary() ([]byte, error) {
	return writeString(nil, d.Path), nil
}

func (d *MmapExecData) UnmarshalBinary(data []byte) (int, error) {
	s, n, err := readString(data)
	if err != nil {
		return 0, err
	}
	d.Path = s
	return n, nil
}

// BpfProgLoadData identifies a loaded BPF program by id and tag; Hashes is
// filled in-place by process_time_critical once the program's translated
// instructions have been dumped and digested.
type BpfProgLoadData struct {
	ID     uint32
	Tag    string
	Name   string
	Hashes Hashes
}

func init() { RegisterPayload(BpfProgLoad, func() Payload { return &BpfProgLoadData{} }) }

func (d *BpfProgLoadData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	order.PutUint32(buf, d.ID)
	buf = writeString(buf, d.Tag)
	buf = writeString(buf, d.Name)
	return buf, nil
}

func (d *BpfProgLoadData) UnmarshalBinary(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, ErrNotEnoughData
	}
	d.ID = order.Uint32(data)
	off := 4
	tag, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "tag")
	}
	off += n
	name, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "name")
	}
	off += n
	d.Tag, d.Name = tag, name
	return off, nil
}

// DNSAnswer is one resource record extracted from a DnsQuery's captured
// response packet.
type DNSAnswer struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// DnsQueryData carries the raw captured frame (Ethernet/IP/UDP/DNS) so the
// dnsresolve package can extract question/answers with gopacket+miekg/dns;
// Question and Answers are the probe-reported fields the Consumer falls
// back to when that extraction fails.
type DnsQueryData struct {
	Question string
	RawPacket []byte
	Answers  []DNSAnswer
}

func init() { RegisterPayload(DnsQuery, func() Payload { return &DnsQueryData{} }) }

func (d *DnsQueryData) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = writeString(buf, d.Question)
	lb := make([]byte, 4)
	order.PutUint32(lb, uint32(len(d.RawPacket)))
	buf = append(buf, lb...)
	buf = append(buf, d.RawPacket...)
	ansLen := make([]byte, 2)
	order.PutUint16(ansLen, uint16(len(d.Answers)))
	buf = append(buf, ansLen...)
	for _, a := range d.Answers {
		buf = writeString(buf, a.Name)
		buf = writeString(buf, a.IP)
	}
	return buf, nil
}

func (d *DnsQueryData) UnmarshalBinary(data []byte) (int, error) {
	off := 0
	q, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "question")
	}
	off += n
	if len(data[off:]) < 4 {
		return 0, ErrNotEnoughData
	}
	plen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if len(data[off:]) < plen {
		return 0, ErrNotEnoughData
	}
	raw := data[off : off+plen]
	off += plen
	if len(data[off:]) < 2 {
		return 0, ErrNotEnoughData
	}
	count := int(order.Uint16(data[off:]))
	off += 2
	answers := make([]DNSAnswer, 0, count)
	for i := 0; i < count; i++ {
		name, n, err := readString(data[off:])
		if err != nil {
			return 0, errors.Wrap(err, "answer name")
		}
		off += n
		ip, n, err := readString(data[off:])
		if err != nil {
			return 0, errors.Wrap(err, "answer ip")
		}
		off += n
		answers = append(answers, DNSAnswer{Name: name, IP: ip})
	}
	d.Question, d.RawPacket, d.Answers = q, raw, answers
	return off, nil
}

// ConnectData describes a connect(2) observation.
type ConnectData struct {
	DstIP   string
	DstPort uint16
	Proto   string
}

func init() { RegisterPayload(Connect, func() Payload { return &ConnectData{} }) }

func (d *ConnectData) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = writeString(buf, d.DstIP)
	pb := make([]byte, 2)
	order.PutUint16(pb, d.DstPort)
	buf = append(buf, pb...)
	buf = writeString(buf, d.Proto)
	return buf, nil
}

func (d *ConnectData) UnmarshalBinary(data []byte) (int, error) {
	off := 0
	ip, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "dst ip")
	}
	off += n
	if len(data[off:]) < 2 {
		return 0, ErrNotEnoughData
	}
	port := order.Uint16(data[off:])
	off += 2
	proto, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "proto")
	}
	off += n
	d.DstIP, d.DstPort, d.Proto = ip, port, proto
	return off, nil
}

// SendDataData describes an outbound data-transfer observation, subject to
// the configured send_data_min_len threshold.
type SendDataData struct {
	DstIP   string
	DstPort uint16
	Size    uint64
}

func init() { RegisterPayload(SendData, func() Payload { return &SendDataData{} }) }

func (d *SendDataData) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = writeString(buf, d.DstIP)
	pb := make([]byte, 2+8)
	order.PutUint16(pb, d.DstPort)
	order.PutUint64(pb[2:], d.Size)
	buf = append(buf, pb...)
	return buf, nil
}

func (d *SendDataData) UnmarshalBinary(data []byte) (int, error) {
	off := 0
	ip, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "dst ip")
	}
	off += n
	if len(data[off:]) < 10 {
		return 0, ErrNotEnoughData
	}
	d.DstIP = ip
	d.DstPort = order.Uint16(data[off:])
	d.Size = order.Uint64(data[off+2:])
	return off + 10, nil
}

// CorrelationData is the pass-through event that maintains the Task Table:
// emitted from Execve/ExecveScript/Clone observation and from TaskSched.
type CorrelationData struct {
	Origin   Type
	Image    string
	Argv     []string
	Nodename string
	Cgroups  []string
	CgroupErr bool
}

func init() { RegisterPayload(Correlation, func() Payload { return &CorrelationData{} }) }

func (d *CorrelationData) MarshalBinary() ([]byte, error) {
	var buf []byte
	ob := make([]byte, 4)
	order.PutUint32(ob, uint32(d.Origin))
	buf = append(buf, ob...)
	buf = writeString(buf, d.Image)
	buf = writeStrings(buf, d.Argv)
	buf = writeString(buf, d.Nodename)
	buf = writeStrings(buf, d.Cgroups)
	if d.CgroupErr {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

func (d *CorrelationData) UnmarshalBinary(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, ErrNotEnoughData
	}
	d.Origin = Type(order.Uint32(data))
	off := 4
	img, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "image")
	}
	off += n
	argv, n, err := readStrings(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "argv")
	}
	off += n
	node, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "nodename")
	}
	off += n
	cgroups, n, err := readStrings(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "cgroups")
	}
	off += n
	if len(data[off:]) < 1 {
		return 0, ErrNotEnoughData
	}
	d.Image, d.Argv, d.Nodename, d.Cgroups = img, argv, node, cgroups
	d.CgroupErr = data[off] != 0
	off++
	return off, nil
}

// CacheHashData is the pass-through HashEvent: a path to hash, in the
// mount namespace of the referencing process.
type CacheHashData struct {
	Path string
}

func init() { RegisterPayload(CacheHash, func() Payload { return &CacheHashData{} }) }

func (d *CacheHashData) MarshalBinary() ([]byte, error) {
	return writeString(nil, d.Path), nil
}

func (d *CacheHashData) UnmarshalBinary(data []byte) (int, error) {
	s, n, err := readString(data)
	if err != nil {
		return 0, err
	}
	d.Path = s
	return n, nil
}

// TaskSchedData is a scheduler-switch observation; it carries the uts
// nodename in the task's namespace, used to derive a Correlation event in
// pass_through_events.
type TaskSchedData struct {
	Nodename string
}

func init() { RegisterPayload(TaskSched, func() Payload { return &TaskSchedData{} }) }

func (d *TaskSchedData) MarshalBinary() ([]byte, error) {
	return writeString(nil, d.Nodename), nil
}

func (d *TaskSchedData) UnmarshalBinary(data []byte) (int, error) {
	s, n, err := readString(data)
	if err != nil {
		return 0, err
	}
	d.Nodename = s
	return n, nil
}

// ErrorData carries a Producer-observed error surfaced to the log and then
// consumed; it must never reach the Consumer.
type ErrorData struct {
	Level   string
	Message string
}

func init() { RegisterPayload(Error, func() Payload { return &ErrorData{} }) }

func (d *ErrorData) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = writeString(buf, d.Level)
	buf = writeString(buf, d.Message)
	return buf, nil
}

func (d *ErrorData) UnmarshalBinary(data []byte) (int, error) {
	off := 0
	lvl, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "level")
	}
	off += n
	msg, n, err := readString(data[off:])
	if err != nil {
		return 0, errors.Wrap(err, "message")
	}
	off += n
	d.Level, d.Message = lvl, msg
	return off, nil
}

// SyscoreResumeData carries no payload; its mere presence is the signal.
type SyscoreResumeData struct{}

func init() { RegisterPayload(SyscoreResume, func() Payload { return &SyscoreResumeData{} }) }

func (d *SyscoreResumeData) MarshalBinary() ([]byte, error) { return nil, nil }

func (d *SyscoreResumeData) UnmarshalBinary(data []byte) (int, error) { return 0, nil }
