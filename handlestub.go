// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// HandleStub replicates one I/O handle of the instrumented process.
// Create through [*NodeStub.CreateHandleStub].
type HandleStub struct {
	MessageStub

	info HandleInfo
}

func newHandleStub(t *Transport, handleType HandleType, key string,
	mappingChannels map[string]string, inject MessageHandler, parent *Stub) *HandleStub {
	h := &HandleStub{}
	h.info = HandleInfo{
		Key:             key,
		Type:            handleType,
		MappingChannels: make(map[string]string, len(mappingChannels)),
		OwnerThread:     currentThread(),
	}
	for k, v := range mappingChannels {
		h.info.MappingChannels[k] = v
	}
	if parent != nil {
		h.info.OwnerNodeID = parent.InstanceID()
	}
	hooks := StubHooks{
		OnParentInstanceIDChanged: func(id uint64) {
			h.info.OwnerNodeID = id
		},
	}
	h.initMessageStub(t, OpcodeAttachHandle, func() []byte { return h.info.Marshal() },
		parent, hooks, inject)
	return h
}

// Key returns the handle key.
func (h *HandleStub) Key() string {
	return h.info.Key
}

// HandleType returns the handle kind.
func (h *HandleStub) HandleType() HandleType {
	return h.info.Type
}

// Enable reports that the handle started carrying traffic.
func (h *HandleStub) Enable() {
	b := BoolValue{Value: true}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info.IsEnabled = true
	h.sendEventGatedLocked(OpcodeHandleEnable, b.Marshal())
}

// Disable reports that the handle stopped carrying traffic.
func (h *HandleStub) Disable() {
	b := BoolValue{Value: false}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info.IsEnabled = false
	h.sendEventGatedLocked(OpcodeHandleDisable, b.Marshal())
}
