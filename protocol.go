// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"encoding/binary"
	"errors"
)

// ProtocolVersion is the wire protocol version emitted by this
// implementation. Packets announcing a lower version are dropped.
const ProtocolVersion = 3

// PacketType discriminates the three packet categories.
type PacketType uint8

const (
	// TypeEvent is a one-way notification with no response.
	TypeEvent PacketType = iota

	// TypeRequest expects exactly one matching [TypeResponse] carrying
	// the same session id.
	TypeRequest

	// TypeResponse answers a request; extra_data carries the [Result].
	TypeResponse

	typeMax
)

// String implements [fmt.Stringer].
func (t PacketType) String() string {
	switch t {
	case TypeEvent:
		return "event"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Opcode identifies the operation a packet carries. Wire values are
// stable and shared between stubs and proxies.
type Opcode uint8

const (
	// OpcodeActivate toggles a stub's activation gate (proxy → stub).
	OpcodeActivate Opcode = iota

	OpcodeAttachProcess
	OpcodeAttachChannel
	OpcodeAttachExecutor
	OpcodeAttachNode
	OpcodeAttachHandle

	OpcodeMessage
	OpcodeMessageFields

	OpcodeProcessGetKeyStat
	OpcodeProcessStartLocalPlayer
	OpcodeProcessStopLocalPlayer
	OpcodeProcessStartLocalRecorder
	OpcodeProcessStopLocalRecorder

	OpcodeExecutorAttachNode
	OpcodeExecutorDetachNode
	OpcodeExecutorRunBegin
	OpcodeExecutorRunEnd
	OpcodeExecutorTaskBegin
	OpcodeExecutorTaskEnd

	OpcodeNodeAttach
	OpcodeNodeDetach

	OpcodeHandleEnable
	OpcodeHandleDisable

	opcodeMax
)

var opcodeNames = [...]string{
	"activate",
	"attachProcess",
	"attachChannel",
	"attachExecutor",
	"attachNode",
	"attachHandle",
	"message",
	"messageFields",
	"processGetKeyStat",
	"processStartLocalPlayer",
	"processStopLocalPlayer",
	"processStartLocalRecorder",
	"processStopLocalRecorder",
	"executorAttachNode",
	"executorDetachNode",
	"executorRunBegin",
	"executorRunEnd",
	"executorTaskBegin",
	"executorTaskEnd",
	"nodeAttach",
	"nodeDetach",
	"handleEnable",
	"handleDisable",
}

// String implements [fmt.Stringer].
func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "invalid"
}

// headerSize is the size of the fixed packet header in bytes.
const headerSize = 12

// Header is the fixed packet header preceding every payload.
//
// The wire layout is: version u8, type u8, opcode u8, one pad byte,
// session u32 big-endian, extra u32 big-endian. For responses, Extra
// carries the [Result] code; for other packet types it is zero.
type Header struct {
	Version uint8
	Type    PacketType
	Opcode  Opcode
	Session uint32
	Extra   uint32
}

// Protocol violations detected by [parseHeader]. These are logged and
// the offending packet is dropped; they never reach user code.
var (
	errPacketTooShort = errors.New("blackbox2: packet shorter than header")
	errBadVersion     = errors.New("blackbox2: protocol version below minimum")
	errBadPacketType  = errors.New("blackbox2: packet type out of range")
	errBadOpcode      = errors.New("blackbox2: opcode out of range")
)

// appendHeader appends the wire encoding of h to buf.
func appendHeader(buf []byte, h Header) []byte {
	buf = append(buf, h.Version, uint8(h.Type), uint8(h.Opcode), 0)
	buf = binary.BigEndian.AppendUint32(buf, h.Session)
	buf = binary.BigEndian.AppendUint32(buf, h.Extra)
	return buf
}

// parseHeader decodes and validates the fixed header at the start of
// data. The pad byte is ignored.
func parseHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, errPacketTooShort
	}
	h := Header{
		Version: data[0],
		Type:    PacketType(data[1]),
		Opcode:  Opcode(data[2]),
		Session: binary.BigEndian.Uint32(data[4:8]),
		Extra:   binary.BigEndian.Uint32(data[8:12]),
	}
	if h.Version < ProtocolVersion {
		return Header{}, errBadVersion
	}
	if h.Type >= typeMax {
		return Header{}, errBadPacketType
	}
	if h.Opcode >= opcodeMax {
		return Header{}, errBadOpcode
	}
	return h, nil
}

// encodePacket builds a complete packet: header followed by payload.
// A nil payload yields a header-only packet.
func encodePacket(t PacketType, op Opcode, session, extra uint32, payload []byte) []byte {
	buf := make([]byte, 0, headerSize+len(payload))
	buf = appendHeader(buf, Header{
		Version: ProtocolVersion,
		Type:    t,
		Opcode:  op,
		Session: session,
		Extra:   extra,
	})
	return append(buf, payload...)
}
