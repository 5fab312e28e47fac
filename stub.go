// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"log/slog"
	"sync/atomic"
)

// StubHooks is the fixed callback table a concrete entity passes when
// initializing its [Stub]. All hooks are optional.
type StubHooks struct {
	// OnAttached runs after a successful attach, with the stub mutex
	// released.
	OnAttached func()

	// OnParentInstanceIDChanged runs on every emission of the parent's
	// instance-id signal, with the stub mutex held, before any attach
	// attempt. Entities use it to rewrite the owner reference inside
	// their attach payload.
	OnParentInstanceIDChanged func(id uint64)
}

// Stub is the client-side replicated entity: it owns a peer connection
// to the server and drives the attach handshake.
//
// A stub moves through Idle, Connecting, Connected, Attaching, and
// Attached; closing it is terminal. Connect failures and connection
// losses retry indefinitely while the stub is started. A stub with a
// parent defers its attach until the parent's instance id is known and
// tries to attach again whenever the parent's instance id becomes
// nonzero; a stub that is still attached at that moment keeps its
// current attachment.
//
// The server may deactivate a stub at any time with an [OpcodeActivate]
// event; while deactivated (or while the parent is unattached) all
// outgoing events and requests are silently dropped.
type Stub struct {
	Object

	attachOpcode Opcode

	// attachPayload builds the current attach payload; called with the
	// stub mutex held so it observes a consistent entity state.
	attachPayload func() []byte

	parent *Stub
	hooks  StubHooks

	// connector restarts the connect loop; nil once stopped.
	connector func() bool

	isActivated bool

	// instanceID is atomic so that a child stub can consult its
	// parent's id while holding its own mutex without ordering the two
	// stub mutexes against each other.
	instanceID atomic.Uint64

	spanID      string
	parentUnsub func()

	// OnInstanceIDChanged fires on every instance-id transition,
	// including the reset to zero on connection loss. Child stubs use
	// it to unblock their deferred attach.
	OnInstanceIDChanged Signal[uint64]
}

// initStub wires the stub. Must be called exactly once before Start.
func (s *Stub) initStub(t *Transport, opcode Opcode, payload func() []byte, parent *Stub, hooks StubHooks) {
	s.initObject(t, s.handleConnectionLost)
	s.attachOpcode = opcode
	s.attachPayload = payload
	s.parent = parent
	s.hooks = hooks
	s.isActivated = true
	s.spanID = NewSpanID()

	s.mu.Lock()
	s.registerEventHandlerLocked(OpcodeActivate, s.handleActivate)
	s.mu.Unlock()

	if parent != nil {
		s.parentUnsub = parent.OnInstanceIDChanged.Connect(func(id uint64) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed {
				return
			}
			if s.hooks.OnParentInstanceIDChanged != nil {
				s.hooks.OnParentInstanceIDChanged(id)
			}
			if id > 0 {
				s.logger.Info("parentReady", slog.String("spanID", s.spanID),
					slog.Uint64("parentInstanceID", id))
				s.tryToAttachLocked()
			}
		})
	}

	s.connector = func() bool {
		return s.connectLocked(func(result Result) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.handleConnectResultLocked(result)
		})
	}
}

// Start begins the connect-and-attach loop. Reports false once the
// stub has been closed.
func (s *Stub) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connector == nil {
		return false
	}
	s.connector()
	return true
}

// Close stops the retry loop, resets the instance id (notifying
// children), and releases the peer registration. Closing twice is a
// no-op.
func (s *Stub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.connector != nil {
		s.connector = nil
		s.setInstanceIDLocked(0)
	} else {
		s.logger.Warn("stubAlreadyStopped", slog.String("spanID", s.spanID))
	}
	if s.parentUnsub != nil {
		s.parentUnsub()
		s.parentUnsub = nil
	}
	s.closeLocked()
}

// Parent returns the parent stub, or nil.
func (s *Stub) Parent() *Stub {
	return s.parent
}

// InstanceID returns the server-assigned instance id; zero means
// unattached. The read is lock-free.
func (s *Stub) InstanceID() uint64 {
	return s.instanceID.Load()
}

// IsActivated reports whether the server currently lets this stub send.
func (s *Stub) IsActivated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActivated
}

// setInstanceIDLocked updates the instance id and, on change, fires
// [Stub.OnInstanceIDChanged] with the stub mutex temporarily released
// so child stubs can call back in.
func (s *Stub) setInstanceIDLocked(id uint64) {
	if s.instanceID.Load() == id {
		return
	}
	s.logger.Info("instanceIDChanged", slog.String("spanID", s.spanID),
		slog.Uint64("instanceID", id))
	s.instanceID.Store(id)
	s.mu.Unlock()
	s.OnInstanceIDChanged.emit(id)
	s.mu.Lock()
}

// handleConnectResultLocked reacts to the outcome of one connect
// attempt: retry on failure, attach on success.
func (s *Stub) handleConnectResultLocked(result Result) {
	if result != ResultOk {
		if s.connector != nil {
			s.logger.Info("connectRetry", slog.String("spanID", s.spanID),
				slog.String("result", result.String()))
			s.connector()
			return
		}
		s.logger.Info("connectAbandoned", slog.String("spanID", s.spanID))
		return
	}
	s.tryToAttachLocked()
}

// tryToAttachLocked sends the attach request unless the parent is not
// ready (the parent's instance-id signal re-triggers later) or the
// stub is already attached. A synchronous send failure tears the
// connection down and reconnects.
func (s *Stub) tryToAttachLocked() {
	if s.parent != nil && s.parent.InstanceID() == 0 {
		s.logger.Info("attachDeferred", slog.String("spanID", s.spanID))
		return
	}
	if s.instanceID.Load() > 0 {
		s.logger.Warn("attachWhileAttached", slog.String("spanID", s.spanID))
		return
	}
	s.logger.Info("attaching", slog.String("spanID", s.spanID),
		slog.Uint64("peer", peerID(s.peer)),
		slog.String("opcode", s.attachOpcode.String()))
	payload := s.attachPayload()
	if !s.sendRequestLocked(s.attachOpcode, payload, s.handleAttachResponse) {
		s.logger.Info("attachSendFailed", slog.String("spanID", s.spanID))
		s.reattachLocked()
	}
}

// reattachLocked disconnects and, once the disconnect resolves,
// restarts the connect loop. When the peer is already gone, the
// connection-lost hook owns the retry instead.
func (s *Stub) reattachLocked() {
	if s.peer == nil {
		return
	}
	s.disconnectLocked(func(Result) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.connector != nil {
			s.connector()
		}
	})
}

// handleAttachResponse finishes the attach handshake.
func (s *Stub) handleAttachResponse(result Result, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result != ResultOk {
		s.logger.Error("attachFailed", slog.String("spanID", s.spanID),
			slog.String("result", result.String()))
		s.reattachLocked()
		return
	}
	var resp AttachResponse
	if err := resp.Unmarshal(payload); err != nil || resp.InstanceID == 0 {
		s.logger.Error("attachRejected", slog.String("spanID", s.spanID),
			slog.Any("err", err))
		s.reattachLocked()
		return
	}
	s.isActivated = resp.IsActivated
	s.setInstanceIDLocked(resp.InstanceID)
	s.logger.Info("attached", slog.String("spanID", s.spanID),
		slog.Uint64("instanceID", resp.InstanceID),
		slog.Bool("isActivated", resp.IsActivated))
	if hook := s.hooks.OnAttached; hook != nil {
		s.mu.Unlock()
		hook()
		s.mu.Lock()
	}
}

// handleConnectionLost resets the instance id (children observe the
// zero) and retries while started.
func (s *Stub) handleConnectionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setInstanceIDLocked(0)
	if s.connector != nil {
		s.logger.Info("reconnecting", slog.String("spanID", s.spanID))
		s.connector()
		return
	}
	s.logger.Info("lostWhileStopped", slog.String("spanID", s.spanID))
}

// handleActivate serves the server's activation toggle.
func (s *Stub) handleActivate(payload []byte) {
	var b BoolValue
	if err := b.Unmarshal(payload); err != nil {
		s.logger.Error("activateParseFailed", slog.String("spanID", s.spanID),
			slog.Any("err", err))
		return
	}
	s.mu.Lock()
	s.isActivated = b.Value
	s.mu.Unlock()
	s.logger.Info("activationChanged", slog.String("spanID", s.spanID),
		slog.Bool("isActivated", b.Value))
}

// sendEventGatedLocked drops the event while the parent is unattached
// or the stub is deactivated; otherwise it delegates to the object.
func (s *Stub) sendEventGatedLocked(opcode Opcode, payload []byte) bool {
	if s.parent != nil && s.parent.InstanceID() == 0 {
		return false
	}
	if !s.isActivated {
		return false
	}
	return s.sendEventLocked(opcode, payload)
}

// sendRequestGatedLocked is the request analogue of
// [*Stub.sendEventGatedLocked].
func (s *Stub) sendRequestGatedLocked(opcode Opcode, payload []byte, cb ResponseCallback) bool {
	if s.parent != nil && s.parent.InstanceID() == 0 {
		return false
	}
	if !s.isActivated {
		return false
	}
	return s.sendRequestLocked(opcode, payload, cb)
}
