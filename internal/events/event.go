package events

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotEnoughData is returned by every UnmarshalBinary when the supplied
// slice is shorter than the fixed encoding it expects.
var ErrNotEnoughData = errors.New("not enough data")

// order is the wire byte order for every fixed-width field in this package.
var order = binary.LittleEndian

// TaskKey uniquely identifies a process across its lifetime: the kernel
// reuses tgids, but never reuses the uuid paired with one.
type TaskKey struct {
	Tgid uint32
	UUID uuid.UUID
}

func (k TaskKey) String() string {
	return k.UUID.String()
}

// Zero reports whether k is the unset key.
func (k TaskKey) Zero() bool {
	return k.Tgid == 0 && k.UUID == uuid.Nil
}

// Namespaces holds the kernel namespace identifiers relevant to enrichment.
// Only the mount namespace is consulted today; the struct leaves room for
// pid/net/uts without reshaping callers.
type Namespaces struct {
	Mnt uint32
	Net uint32
	Uts uint32
	Pid uint32
}

// ProcessInfo is the per-event process identity carried in every header.
type ProcessInfo struct {
	Pid        uint32
	Tgid       uint32
	Flags      uint32
	UUID       uuid.UUID
	ParentUUID uuid.UUID
	Namespaces Namespaces
}

// Key returns the TaskKey this process identity refers to.
func (p ProcessInfo) Key() TaskKey {
	return TaskKey{Tgid: p.Tgid, UUID: p.UUID}
}

// ParentKey returns the TaskKey of the process's parent, if the event
// carried one.
func (p ProcessInfo) ParentKey() (TaskKey, bool) {
	if p.ParentUUID == uuid.Nil {
		return TaskKey{}, false
	}
	return TaskKey{UUID: p.ParentUUID}, true
}

// IsKernelThread reports whether the PF_KTHREAD bit is set.
func (p ProcessInfo) IsKernelThread() bool {
	return p.Flags&PFKthread != 0
}

const processInfoSize = 4 + 4 + 4 + 16 + 16 + 4*4

// MarshalBinary encodes the fixed process-identity block.
func (p ProcessInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, processInfoSize)
	off := 0
	order.PutUint32(buf[off:], p.Pid)
	off += 4
	order.PutUint32(buf[off:], p.Tgid)
	off += 4
	order.PutUint32(buf[off:], p.Flags)
	off += 4
	copy(buf[off:off+16], p.UUID[:])
	off += 16
	copy(buf[off:off+16], p.ParentUUID[:])
	off += 16
	order.PutUint32(buf[off:], p.Namespaces.Mnt)
	off += 4
	order.PutUint32(buf[off:], p.Namespaces.Net)
	off += 4
	order.PutUint32(buf[off:], p.Namespaces.Uts)
	off += 4
	order.PutUint32(buf[off:], p.Namespaces.Pid)
	off += 4
	return buf, nil
}

// UnmarshalBinary decodes the fixed process-identity block, returning the
// number of bytes consumed.
func (p *ProcessInfo) UnmarshalBinary(data []byte) (int, error) {
	if len(data) < processInfoSize {
		return 0, ErrNotEnoughData
	}
	off := 0
	p.Pid = order.Uint32(data[off:])
	off += 4
	p.Tgid = order.Uint32(data[off:])
	off += 4
	p.Flags = order.Uint32(data[off:])
	off += 4
	copy(p.UUID[:], data[off:off+16])
	off += 16
	copy(p.ParentUUID[:], data[off:off+16])
	off += 16
	p.Namespaces.Mnt = order.Uint32(data[off:])
	off += 4
	p.Namespaces.Net = order.Uint32(data[off:])
	off += 4
	p.Namespaces.Uts = order.Uint32(data[off:])
	off += 4
	p.Namespaces.Pid = order.Uint32(data[off:])
	off += 4
	return off, nil
}

// EventInfo is the fixed header prefixing every EncodedEvent: the fields
// the Producer needs to order, batch, and dispatch a record without
// decoding its payload.
type EventInfo struct {
	Etype     Type
	Timestamp int64
	Batch     uint64
	Process   ProcessInfo
}

const eventInfoFixedSize = 4 + 8 + 8

// MarshalBinary encodes the header, process block included.
func (e EventInfo) MarshalBinary() ([]byte, error) {
	head := make([]byte, eventInfoFixedSize)
	order.PutUint32(head[0:], uint32(e.Etype))
	order.PutUint64(head[4:], uint64(e.Timestamp))
	order.PutUint64(head[12:], e.Batch)
	proc, err := e.Process.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(head, proc...), nil
}

// UnmarshalBinary decodes the header and returns bytes consumed.
func (e *EventInfo) UnmarshalBinary(data []byte) (int, error) {
	if len(data) < eventInfoFixedSize {
		return 0, ErrNotEnoughData
	}
	e.Etype = Type(order.Uint32(data[0:]))
	e.Timestamp = int64(order.Uint64(data[4:]))
	e.Batch = order.Uint64(data[12:])
	n, err := e.Process.UnmarshalBinary(data[eventInfoFixedSize:])
	if err != nil {
		return 0, errors.Wrap(err, "process info")
	}
	return eventInfoFixedSize + n, nil
}

// Payload is implemented by every per-type event body.
type Payload interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) (int, error)
}

// EncodedEvent is the opaque, fixed-capacity record the Producer moves
// through the pipe: a decoded header plus a lazily-decoded typed payload.
// Decoding the payload is deferred because most events only need the
// header to be ordered, batched and routed; the Consumer is the first
// stage that needs the body.
type EncodedEvent struct {
	raw     []byte
	info    EventInfo
	payload Payload
}

// NewEncodedEvent decodes only the header from raw and wraps it. The
// payload bytes are retained for later on-demand decode via Payload.
func NewEncodedEvent(raw []byte) (*EncodedEvent, error) {
	var info EventInfo
	n, err := info.UnmarshalBinary(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode event header")
	}
	return &EncodedEvent{raw: raw[n:], info: info}, nil
}

// NewDerivedEvent builds an EncodedEvent directly from an in-memory header
// and payload, with no byte round trip. Used by the Producer's
// pass-through path, which synthesizes CacheHash/Correlation events from
// data it already holds decoded.
func NewDerivedEvent(info EventInfo, payload Payload) *EncodedEvent {
	return &EncodedEvent{info: info, payload: payload}
}

// Info returns the decoded header.
func (e *EncodedEvent) Info() *EventInfo {
	return &e.info
}

// SetBatch stamps the Producer's current batch counter into the header.
func (e *EncodedEvent) SetBatch(batch uint64) {
	e.info.Batch = batch
}

// Relabel changes the event's type tag in place, used by
// process_time_critical to turn an Execve into an ExecveScript once the
// interpreter/executable mismatch is observed.
func (e *EncodedEvent) Relabel(t Type) {
	e.info.Etype = t
}

// Payload decodes (once) and returns the type-specific body using the
// constructor appropriate for the header's Etype, as registered by
// RegisterPayload.
func (e *EncodedEvent) Payload() (Payload, error) {
	if e.payload != nil {
		return e.payload, nil
	}
	ctor, ok := payloadCtors[e.info.Etype]
	if !ok {
		return nil, errors.Errorf("no payload decoder for event type %s", e.info.Etype)
	}
	p := ctor()
	if _, err := p.UnmarshalBinary(e.raw); err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", e.info.Etype)
	}
	e.payload = p
	return p, nil
}

// SetPayload overwrites the decoded payload without a round trip through
// bytes. Used by process_time_critical to attach computed hashes to a
// BpfProgLoad event before it reaches the pipe.
func (e *EncodedEvent) SetPayload(p Payload) {
	e.payload = p
}

var payloadCtors = map[Type]func() Payload{}

// RegisterPayload wires a zero-value constructor for t. Payload types call
// this from an init() so EncodedEvent.Payload can decode without a
// hand-maintained switch living outside the events package.
func RegisterPayload(t Type, ctor func() Payload) {
	payloadCtors[t] = ctor
}
