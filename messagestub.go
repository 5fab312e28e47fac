// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import "log/slog"

// MessageStub extends [Stub] for entities that carry application
// traffic (channels and I/O handles): it mirrors observed messages to
// the proxy, honors the proxy's field mask, forwards injected messages
// to the entity's inject handler, and feeds an optional local recorder.
type MessageStub struct {
	Stub

	inject   MessageHandler
	fields   uint32
	recorder MessageSink
	player   MessageSource
}

// initMessageStub wires the message layer on top of [Stub.initStub].
func (m *MessageStub) initMessageStub(t *Transport, opcode Opcode, payload func() []byte,
	parent *Stub, hooks StubHooks, inject MessageHandler) {
	m.initStub(t, opcode, payload, parent, hooks)
	m.inject = inject
	m.fields = MessageHasDefault
	m.mu.Lock()
	m.registerEventHandlerLocked(OpcodeMessage, m.handleMessage)
	m.registerEventHandlerLocked(OpcodeMessageFields, m.handleMessageFields)
	m.mu.Unlock()
}

// SendMessage observes one outgoing application message.
func (m *MessageStub) SendMessage(msg Message) {
	msg.Dir = DirectionOut
	m.observe(msg)
}

// ReceiveMessage observes one incoming application message.
func (m *MessageStub) ReceiveMessage(msg Message) {
	msg.Dir = DirectionIn
	m.observe(msg)
}

// observe records the message locally and mirrors it to the proxy,
// subject to the field mask and the activation gate.
func (m *MessageStub) observe(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorder != nil {
		m.recorder.Record(msg)
	}
	if m.fields == 0 {
		return
	}
	rec := msg.record(m.fields)
	m.sendEventGatedLocked(OpcodeMessage, rec.Marshal())
}

// SetRecorder points the stub at a local recorder; nil detaches it.
func (m *MessageStub) SetRecorder(sink MessageSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = sink
}

// SetPlayer points the stub at a local player; nil detaches it.
func (m *MessageStub) SetPlayer(p MessageSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.player = p
}

// handleMessage forwards an injected message to the inject handler.
func (m *MessageStub) handleMessage(payload []byte) {
	if m.inject == nil {
		m.logger.Warn("noInjectHandler")
		return
	}
	var rec MessageRecord
	if err := rec.Unmarshal(payload); err != nil {
		m.logger.Error("messageParseFailed", slog.Any("err", err))
		return
	}
	m.inject(messageFromRecord(&rec))
}

// handleMessageFields updates the mirror field mask.
func (m *MessageStub) handleMessageFields(payload []byte) {
	var mask MessageFieldMask
	if err := mask.Unmarshal(payload); err != nil {
		m.logger.Error("messageFieldsParseFailed", slog.Any("err", err))
		return
	}
	m.mu.Lock()
	m.fields = mask.HasFlags
	m.mu.Unlock()
	m.logger.Info("messageFieldsChanged", slog.Uint64("hasFlags", uint64(mask.HasFlags)))
}
