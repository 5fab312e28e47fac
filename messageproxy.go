// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import "log/slog"

// MessageProxy extends [Proxy] for entities that carry application
// traffic: it receives mirrored messages, lets observers subscribe to
// them, controls the stub's mirror field mask, and can inject messages
// back into the instrumented endpoint.
type MessageProxy struct {
	Proxy

	fields uint32

	// OnMessage fires for every mirrored message.
	OnMessage Signal[Message]
}

// initMessageProxy wires the message layer on top of [Proxy.initProxy].
func (m *MessageProxy) initMessageProxy(t *Transport, peer *Peer, activationChanged func(bool)) {
	m.initProxy(t, peer, activationChanged)
	m.fields = MessageHasDefault
	m.mu.Lock()
	m.registerEventHandlerLocked(OpcodeMessage, m.handleMessage)
	m.mu.Unlock()
}

// InjectMessage sends a message into the instrumented endpoint. The
// message must carry a payload and a serialize type and a known
// direction.
func (m *MessageProxy) InjectMessage(msg Message) Result {
	if len(msg.Payload) == 0 || msg.SerializeType == "" {
		return ResultInvalidParameter
	}
	if msg.Dir != DirectionIn && msg.Dir != DirectionOut {
		return ResultInvalidParameter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fields == 0 {
		return ResultInvalidState
	}
	rec := msg.record(MessageHasDefault)
	if !m.sendEventLocked(OpcodeMessage, rec.Marshal()) {
		return ResultUnknown
	}
	return ResultOk
}

// MessageFields returns the current mirror field mask.
func (m *MessageProxy) MessageFields() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fields
}

// SetMessageFields changes the mirror field mask and, on change,
// pushes it to the stub. A mask of zero disables mirroring.
func (m *MessageProxy) SetMessageFields(mask uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fields == mask {
		return
	}
	m.fields = mask
	fm := MessageFieldMask{HasFlags: mask}
	m.sendEventLocked(OpcodeMessageFields, fm.Marshal())
}

// handleMessage publishes one mirrored message.
func (m *MessageProxy) handleMessage(payload []byte) {
	var rec MessageRecord
	if err := rec.Unmarshal(payload); err != nil {
		m.logger.Error("messageParseFailed", slog.Any("err", err))
		return
	}
	m.OnMessage.emit(messageFromRecord(&rec))
}
