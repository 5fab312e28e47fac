// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// RequestContext is the short-lived value handed to a [RequestHandler]
// for one incoming request. It carries the opcode, the session id, the
// request payload, and a deferred response slot.
//
// The dispatch frame flushes the response when the handler returns, so
// exactly one response packet is emitted per request: the last one set
// via [*RequestContext.SetResponse], or a synthesized [ResultUnknown]
// with an empty payload when the handler never responded.
type RequestContext struct {
	transport *Transport
	peer      *Peer
	opcode    Opcode
	session   uint32
	payload   []byte

	// dirty means a response still has to be sent. It starts true and
	// becomes false once FlushResponse succeeds.
	dirty    bool
	response []byte
}

// Peer returns the peer the request arrived from.
func (rc *RequestContext) Peer() *Peer {
	return rc.peer
}

// Opcode returns the request opcode.
func (rc *RequestContext) Opcode() Opcode {
	return rc.opcode
}

// Session returns the request session id, echoed in the response.
func (rc *RequestContext) Session() uint32 {
	return rc.session
}

// Payload returns the request payload. The slice is only valid for the
// duration of the handler invocation.
func (rc *RequestContext) Payload() []byte {
	return rc.payload
}

// SetResponse stages the response packet, replacing any prior one. The
// response echoes the request opcode and session; extra_data carries
// the result.
func (rc *RequestContext) SetResponse(result Result, payload []byte) {
	rc.response = encodePacket(TypeResponse, rc.opcode, rc.session, uint32(result), payload)
	rc.dirty = true
}

// FlushResponse sends the staged response if one is still owed. When
// SetResponse was never called, it synthesizes a [ResultUnknown]
// response with an empty payload. Flushing twice sends once.
func (rc *RequestContext) FlushResponse() {
	if !rc.dirty {
		return
	}
	if rc.response == nil {
		rc.response = encodePacket(TypeResponse, rc.opcode, rc.session, uint32(ResultUnknown), nil)
	}
	if rc.transport.sendEncoded(rc.peer, rc.response) {
		rc.dirty = false
	}
	rc.response = nil
}
