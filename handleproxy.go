// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

// HandleProxy mirrors one I/O handle of an attached node.
type HandleProxy struct {
	MessageProxy

	info      HandleInfo
	isEnabled bool

	// OnEnabled and OnDisabled fire on enable-state transitions.
	OnEnabled  Signal[Unit]
	OnDisabled Signal[Unit]
}

func newHandleProxy(t *Transport, peer *Peer, info HandleInfo) *HandleProxy {
	h := &HandleProxy{info: info}
	h.isEnabled = info.IsEnabled
	h.initMessageProxy(t, peer, nil)
	h.mu.Lock()
	h.registerEventHandlerLocked(OpcodeHandleEnable, h.handleEnable)
	h.registerEventHandlerLocked(OpcodeHandleDisable, h.handleDisable)
	h.mu.Unlock()
	return h
}

// Key returns the handle key.
func (h *HandleProxy) Key() string {
	return h.info.Key
}

// HandleType returns the handle kind.
func (h *HandleProxy) HandleType() HandleType {
	return h.info.Type
}

// OwnerThread returns the thread that created the handle.
func (h *HandleProxy) OwnerThread() ThreadInfo {
	return h.info.OwnerThread
}

// IsEnabled reports whether the handle is carrying traffic.
func (h *HandleProxy) IsEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isEnabled
}

// MappingChannels returns a copy of the handle-to-channel mapping.
func (h *HandleProxy) MappingChannels() map[string]string {
	mapping := make(map[string]string, len(h.info.MappingChannels))
	for k, v := range h.info.MappingChannels {
		mapping[k] = v
	}
	return mapping
}

func (h *HandleProxy) handleEnable(payload []byte) {
	h.mu.Lock()
	h.isEnabled = true
	h.mu.Unlock()
	h.OnEnabled.emit(Unit{})
}

func (h *HandleProxy) handleDisable(payload []byte) {
	h.mu.Lock()
	h.isEnabled = false
	h.mu.Unlock()
	h.OnDisabled.emit(Unit{})
}
