// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"slices"

	"google.golang.org/protobuf/encoding/protowire"
)

// The entity layer exchanges length-delimited records in the protobuf
// wire format, encoded and decoded by hand with [protowire]. The core
// transport treats all payloads as opaque byte slices; only the types
// in this file interpret them.

// wireDecoder walks the fields of a wire-format record.
//
// The zero-ish usage pattern is: construct with the payload, loop on
// next, switch on the field number, and check err once at the end.
// After an error, next returns false and the accessors return zero
// values, so decode loops need no per-field error handling.
type wireDecoder struct {
	data []byte
	num  protowire.Number
	typ  protowire.Type
	err  error
}

// next advances to the next field, reporting false at end of input or
// on a malformed tag.
func (d *wireDecoder) next() bool {
	if d.err != nil || len(d.data) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.data)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return false
	}
	d.num, d.typ, d.data = num, typ, d.data[n:]
	return true
}

// varint consumes the current field as a varint.
func (d *wireDecoder) varint() uint64 {
	if d.err != nil {
		return 0
	}
	if d.typ != protowire.VarintType {
		d.skip()
		return 0
	}
	v, n := protowire.ConsumeVarint(d.data)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0
	}
	d.data = d.data[n:]
	return v
}

// bool consumes the current field as a bool.
func (d *wireDecoder) bool() bool {
	return d.varint() != 0
}

// bytes consumes the current field as a length-delimited value.
func (d *wireDecoder) bytes() []byte {
	if d.err != nil {
		return nil
	}
	if d.typ != protowire.BytesType {
		d.skip()
		return nil
	}
	v, n := protowire.ConsumeBytes(d.data)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return nil
	}
	d.data = d.data[n:]
	return v
}

// string consumes the current field as a string.
func (d *wireDecoder) string() string {
	return string(d.bytes())
}

// skip consumes and discards the current field.
func (d *wireDecoder) skip() {
	if d.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.data)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return
	}
	d.data = d.data[n:]
}

// Append helpers. Zero scalar values are omitted, matching proto3
// presence semantics; decoders treat absent fields as zero.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessageField appends a nested record even when empty, so that
// presence of the submessage itself is observable.
func appendMessageField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMapField appends one map entry as a {1: key, 2: value} record.
func appendMapField(b []byte, num protowire.Number, key, value string) []byte {
	var entry []byte
	entry = appendStringField(entry, 1, key)
	entry = appendStringField(entry, 2, value)
	return appendMessageField(b, num, entry)
}

func decodeMapEntry(data []byte) (key, value string, err error) {
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			key = d.string()
		case 2:
			value = d.string()
		default:
			d.skip()
		}
	}
	return key, value, d.err
}

// AttachResponse is the payload of a successful attach response: the
// server-assigned instance id plus the proxy's activation state.
type AttachResponse struct {
	IsActivated bool
	InstanceID  uint64
}

// Marshal encodes the record.
func (m *AttachResponse) Marshal() []byte {
	var b []byte
	b = appendBoolField(b, 1, m.IsActivated)
	var inst []byte
	inst = appendVarintField(inst, 1, m.InstanceID)
	b = appendMessageField(b, 2, inst)
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *AttachResponse) Unmarshal(data []byte) error {
	*m = AttachResponse{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.IsActivated = d.bool()
		case 2:
			inner := &wireDecoder{data: d.bytes()}
			for inner.next() {
				if inner.num == 1 {
					m.InstanceID = inner.varint()
				} else {
					inner.skip()
				}
			}
			if inner.err != nil {
				return inner.err
			}
		default:
			d.skip()
		}
	}
	return d.err
}

// BoolValue wraps a single boolean, used by activation and handle
// enable/disable events.
type BoolValue struct {
	Value bool
}

// Marshal encodes the record.
func (m *BoolValue) Marshal() []byte {
	return appendBoolField(nil, 1, m.Value)
}

// Unmarshal decodes the record, resetting m first.
func (m *BoolValue) Unmarshal(data []byte) error {
	*m = BoolValue{}
	d := &wireDecoder{data: data}
	for d.next() {
		if d.num == 1 {
			m.Value = d.bool()
		} else {
			d.skip()
		}
	}
	return d.err
}

// StringValue wraps a single string, used by key-stat requests,
// executor node names, and recorder/player paths.
type StringValue struct {
	Value string
}

// Marshal encodes the record.
func (m *StringValue) Marshal() []byte {
	return appendStringField(nil, 1, m.Value)
}

// Unmarshal decodes the record, resetting m first.
func (m *StringValue) Unmarshal(data []byte) error {
	*m = StringValue{}
	d := &wireDecoder{data: data}
	for d.next() {
		if d.num == 1 {
			m.Value = d.string()
		} else {
			d.skip()
		}
	}
	return d.err
}

// ThreadInfo describes the thread that owns an entity at the client.
type ThreadInfo struct {
	ID   int64
	Name string
}

func (m *ThreadInfo) marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ID))
	b = appendStringField(b, 2, m.Name)
	return b
}

func (m *ThreadInfo) unmarshal(data []byte) error {
	*m = ThreadInfo{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.ID = int64(d.varint())
		case 2:
			m.Name = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

// Version is the middleware library version announced by a process.
type Version struct {
	Major, Minor, Patch uint32
}

// ProcessInfo is the attach payload of a process entity.
type ProcessInfo struct {
	Pid              int64
	Name             string
	CommandLine      string
	WorkingDirectory string
	Environment      string
	ConfigFilename   string
	StartupMicros    int64
	Version          Version
}

// Marshal encodes the record.
func (m *ProcessInfo) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Pid))
	b = appendStringField(b, 2, m.Name)
	b = appendStringField(b, 3, m.CommandLine)
	b = appendStringField(b, 4, m.WorkingDirectory)
	b = appendStringField(b, 5, m.Environment)
	b = appendStringField(b, 6, m.ConfigFilename)
	b = appendVarintField(b, 7, uint64(m.StartupMicros))
	var v []byte
	v = appendVarintField(v, 1, uint64(m.Version.Major))
	v = appendVarintField(v, 2, uint64(m.Version.Minor))
	v = appendVarintField(v, 3, uint64(m.Version.Patch))
	b = appendMessageField(b, 8, v)
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *ProcessInfo) Unmarshal(data []byte) error {
	*m = ProcessInfo{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.Pid = int64(d.varint())
		case 2:
			m.Name = d.string()
		case 3:
			m.CommandLine = d.string()
		case 4:
			m.WorkingDirectory = d.string()
		case 5:
			m.Environment = d.string()
		case 6:
			m.ConfigFilename = d.string()
		case 7:
			m.StartupMicros = int64(d.varint())
		case 8:
			inner := &wireDecoder{data: d.bytes()}
			for inner.next() {
				switch inner.num {
				case 1:
					m.Version.Major = uint32(inner.varint())
				case 2:
					m.Version.Minor = uint32(inner.varint())
				case 3:
					m.Version.Patch = uint32(inner.varint())
				default:
					inner.skip()
				}
			}
			if inner.err != nil {
				return inner.err
			}
		default:
			d.skip()
		}
	}
	return d.err
}

// MessageDirection tells whether a mirrored message was received or
// sent by the instrumented endpoint.
type MessageDirection uint8

const (
	DirectionUnknown MessageDirection = iota
	DirectionIn
	DirectionOut
)

// ChannelInfo is the attach payload of a channel entity.
type ChannelInfo struct {
	ID             string
	Type           string
	Dir            MessageDirection
	OwnerThread    ThreadInfo
	OwnerProcessID uint64
	Config         map[string]string
}

// Marshal encodes the record.
func (m *ChannelInfo) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.ID)
	b = appendStringField(b, 2, m.Type)
	b = appendVarintField(b, 3, uint64(m.Dir))
	b = appendMessageField(b, 4, m.OwnerThread.marshal())
	var owner []byte
	owner = appendVarintField(owner, 1, m.OwnerProcessID)
	b = appendMessageField(b, 5, owner)
	for _, k := range sortedKeys(m.Config) {
		b = appendMapField(b, 6, k, m.Config[k])
	}
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *ChannelInfo) Unmarshal(data []byte) error {
	*m = ChannelInfo{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.ID = d.string()
		case 2:
			m.Type = d.string()
		case 3:
			m.Dir = MessageDirection(d.varint())
		case 4:
			if err := m.OwnerThread.unmarshal(d.bytes()); err != nil {
				return err
			}
		case 5:
			id, err := decodeOwnerID(d.bytes())
			if err != nil {
				return err
			}
			m.OwnerProcessID = id
		case 6:
			k, v, err := decodeMapEntry(d.bytes())
			if err != nil {
				return err
			}
			if m.Config == nil {
				m.Config = make(map[string]string)
			}
			m.Config[k] = v
		default:
			d.skip()
		}
	}
	return d.err
}

// ExecutorInfo is the attach payload of an executor entity.
type ExecutorInfo struct {
	ThreadPoolSize uint32
	IsRunning      bool
	AttachedNodes  []string
	OwnerThread    ThreadInfo
	OwnerProcessID uint64
}

// Marshal encodes the record.
func (m *ExecutorInfo) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.ThreadPoolSize))
	b = appendBoolField(b, 2, m.IsRunning)
	for _, name := range m.AttachedNodes {
		b = appendStringField(b, 3, name)
	}
	b = appendMessageField(b, 4, m.OwnerThread.marshal())
	var owner []byte
	owner = appendVarintField(owner, 1, m.OwnerProcessID)
	b = appendMessageField(b, 5, owner)
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *ExecutorInfo) Unmarshal(data []byte) error {
	*m = ExecutorInfo{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.ThreadPoolSize = uint32(d.varint())
		case 2:
			m.IsRunning = d.bool()
		case 3:
			m.AttachedNodes = append(m.AttachedNodes, d.string())
		case 4:
			if err := m.OwnerThread.unmarshal(d.bytes()); err != nil {
				return err
			}
		case 5:
			id, err := decodeOwnerID(d.bytes())
			if err != nil {
				return err
			}
			m.OwnerProcessID = id
		default:
			d.skip()
		}
	}
	return d.err
}

// NodeInfo is the attach payload of a node entity.
type NodeInfo struct {
	Name           string
	IsAttached     bool
	OwnerThread    ThreadInfo
	OwnerProcessID uint64
}

// Marshal encodes the record.
func (m *NodeInfo) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Name)
	b = appendBoolField(b, 2, m.IsAttached)
	b = appendMessageField(b, 3, m.OwnerThread.marshal())
	var owner []byte
	owner = appendVarintField(owner, 1, m.OwnerProcessID)
	b = appendMessageField(b, 4, owner)
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *NodeInfo) Unmarshal(data []byte) error {
	*m = NodeInfo{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.Name = d.string()
		case 2:
			m.IsAttached = d.bool()
		case 3:
			if err := m.OwnerThread.unmarshal(d.bytes()); err != nil {
				return err
			}
		case 4:
			id, err := decodeOwnerID(d.bytes())
			if err != nil {
				return err
			}
			m.OwnerProcessID = id
		default:
			d.skip()
		}
	}
	return d.err
}

// HandleType classifies an I/O handle.
type HandleType uint8

const (
	HandleTypeUnknown HandleType = iota
	HandleTypeReader
	HandleTypeWriter
	HandleTypeClient
	HandleTypeServer
)

// String implements [fmt.Stringer].
func (t HandleType) String() string {
	switch t {
	case HandleTypeReader:
		return "reader"
	case HandleTypeWriter:
		return "writer"
	case HandleTypeClient:
		return "client"
	case HandleTypeServer:
		return "server"
	default:
		return "unknown"
	}
}

// HandleInfo is the attach payload of an I/O handle entity.
type HandleInfo struct {
	Key             string
	Type            HandleType
	IsEnabled       bool
	MappingChannels map[string]string
	OwnerThread     ThreadInfo
	OwnerNodeID     uint64
}

// Marshal encodes the record.
func (m *HandleInfo) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, m.Key)
	b = appendVarintField(b, 2, uint64(m.Type))
	b = appendBoolField(b, 3, m.IsEnabled)
	for _, k := range sortedKeys(m.MappingChannels) {
		b = appendMapField(b, 4, k, m.MappingChannels[k])
	}
	b = appendMessageField(b, 5, m.OwnerThread.marshal())
	var owner []byte
	owner = appendVarintField(owner, 1, m.OwnerNodeID)
	b = appendMessageField(b, 6, owner)
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *HandleInfo) Unmarshal(data []byte) error {
	*m = HandleInfo{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.Key = d.string()
		case 2:
			m.Type = HandleType(d.varint())
		case 3:
			m.IsEnabled = d.bool()
		case 4:
			k, v, err := decodeMapEntry(d.bytes())
			if err != nil {
				return err
			}
			if m.MappingChannels == nil {
				m.MappingChannels = make(map[string]string)
			}
			m.MappingChannels[k] = v
		case 5:
			if err := m.OwnerThread.unmarshal(d.bytes()); err != nil {
				return err
			}
		case 6:
			id, err := decodeOwnerID(d.bytes())
			if err != nil {
				return err
			}
			m.OwnerNodeID = id
		default:
			d.skip()
		}
	}
	return d.err
}

// KeyStat is the per-key traffic statistics record answered to
// [OpcodeProcessGetKeyStat] requests.
type KeyStat struct {
	Valid bool

	RxBytes        uint64
	RxPackets      uint64
	RxLengthErrors uint64
	RxMulticast    uint64
	RxNoBuffer     uint64
	RxNoReader     uint64
	RxSubscriber   uint64
	RxUnsubscriber uint64

	TxBytes        uint64
	TxPackets      uint64
	TxLengthErrors uint64
	TxMulticast    uint64
	TxNoBuffer     uint64
	TxNoChannel    uint64
	TxNoEndpoint   uint64
	TxNoSubscriber uint64
	TxNoTransmit   uint64
	TxSubscriber   uint64
	TxUnsubscriber uint64
}

// Marshal encodes the record.
func (m *KeyStat) Marshal() []byte {
	var b []byte
	b = appendBoolField(b, 1, m.Valid)
	b = appendVarintField(b, 2, m.RxBytes)
	b = appendVarintField(b, 3, m.RxPackets)
	b = appendVarintField(b, 4, m.RxLengthErrors)
	b = appendVarintField(b, 5, m.RxMulticast)
	b = appendVarintField(b, 6, m.RxNoBuffer)
	b = appendVarintField(b, 7, m.RxNoReader)
	b = appendVarintField(b, 8, m.RxSubscriber)
	b = appendVarintField(b, 9, m.RxUnsubscriber)
	b = appendVarintField(b, 10, m.TxBytes)
	b = appendVarintField(b, 11, m.TxPackets)
	b = appendVarintField(b, 12, m.TxLengthErrors)
	b = appendVarintField(b, 13, m.TxMulticast)
	b = appendVarintField(b, 14, m.TxNoBuffer)
	b = appendVarintField(b, 15, m.TxNoChannel)
	b = appendVarintField(b, 16, m.TxNoEndpoint)
	b = appendVarintField(b, 17, m.TxNoSubscriber)
	b = appendVarintField(b, 18, m.TxNoTransmit)
	b = appendVarintField(b, 19, m.TxSubscriber)
	b = appendVarintField(b, 20, m.TxUnsubscriber)
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *KeyStat) Unmarshal(data []byte) error {
	*m = KeyStat{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.Valid = d.bool()
		case 2:
			m.RxBytes = d.varint()
		case 3:
			m.RxPackets = d.varint()
		case 4:
			m.RxLengthErrors = d.varint()
		case 5:
			m.RxMulticast = d.varint()
		case 6:
			m.RxNoBuffer = d.varint()
		case 7:
			m.RxNoReader = d.varint()
		case 8:
			m.RxSubscriber = d.varint()
		case 9:
			m.RxUnsubscriber = d.varint()
		case 10:
			m.TxBytes = d.varint()
		case 11:
			m.TxPackets = d.varint()
		case 12:
			m.TxLengthErrors = d.varint()
		case 13:
			m.TxMulticast = d.varint()
		case 14:
			m.TxNoBuffer = d.varint()
		case 15:
			m.TxNoChannel = d.varint()
		case 16:
			m.TxNoEndpoint = d.varint()
		case 17:
			m.TxNoSubscriber = d.varint()
		case 18:
			m.TxNoTransmit = d.varint()
		case 19:
			m.TxSubscriber = d.varint()
		case 20:
			m.TxUnsubscriber = d.varint()
		default:
			d.skip()
		}
	}
	return d.err
}

// MessageRecord is the wire form of a mirrored message. Timestamps are
// microseconds since the Unix epoch; zero means absent.
type MessageRecord struct {
	Dir           MessageDirection
	GenMicros     int64
	TxMicros      int64
	RxMicros      int64
	Payload       []byte
	SerializeType string
}

// Marshal encodes the record.
func (m *MessageRecord) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.Dir))
	b = appendVarintField(b, 2, uint64(m.GenMicros))
	b = appendVarintField(b, 3, uint64(m.TxMicros))
	b = appendVarintField(b, 4, uint64(m.RxMicros))
	b = appendBytesField(b, 5, m.Payload)
	b = appendStringField(b, 6, m.SerializeType)
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *MessageRecord) Unmarshal(data []byte) error {
	*m = MessageRecord{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			m.Dir = MessageDirection(d.varint())
		case 2:
			m.GenMicros = int64(d.varint())
		case 3:
			m.TxMicros = int64(d.varint())
		case 4:
			m.RxMicros = int64(d.varint())
		case 5:
			m.Payload = append([]byte(nil), d.bytes()...)
		case 6:
			m.SerializeType = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

// MessageFieldMask selects which message fields a proxy wants mirrored.
type MessageFieldMask struct {
	HasFlags uint32
}

// Marshal encodes the record.
func (m *MessageFieldMask) Marshal() []byte {
	return appendVarintField(nil, 1, uint64(m.HasFlags))
}

// Unmarshal decodes the record, resetting m first.
func (m *MessageFieldMask) Unmarshal(data []byte) error {
	*m = MessageFieldMask{}
	d := &wireDecoder{data: data}
	for d.next() {
		if d.num == 1 {
			m.HasFlags = uint32(d.varint())
		} else {
			d.skip()
		}
	}
	return d.err
}

// TaskSpan is the payload of executor task begin/end events.
type TaskSpan struct {
	Thread ThreadInfo
	TaskID int64
}

// Marshal encodes the record.
func (m *TaskSpan) Marshal() []byte {
	var b []byte
	b = appendMessageField(b, 1, m.Thread.marshal())
	b = appendVarintField(b, 2, uint64(m.TaskID))
	return b
}

// Unmarshal decodes the record, resetting m first.
func (m *TaskSpan) Unmarshal(data []byte) error {
	*m = TaskSpan{}
	d := &wireDecoder{data: data}
	for d.next() {
		switch d.num {
		case 1:
			if err := m.Thread.unmarshal(d.bytes()); err != nil {
				return err
			}
		case 2:
			m.TaskID = int64(d.varint())
		default:
			d.skip()
		}
	}
	return d.err
}

// decodeOwnerID extracts field 1 (id) from an owner reference record.
func decodeOwnerID(data []byte) (uint64, error) {
	d := &wireDecoder{data: data}
	var id uint64
	for d.next() {
		if d.num == 1 {
			id = d.varint()
		} else {
			d.skip()
		}
	}
	return id, d.err
}

// sortedKeys returns the map keys in ascending order so that encoding
// is deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
