// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"log/slog"
	"sync"
)

// Object is the peer-bound endpoint shared by stubs and proxies. It
// layers two behaviors on the [Transport]:
//
//   - Handler persistence across reconnects: handlers registered on the
//     Object are stored locally and forwarded to the Transport; when
//     the peer changes, the old peer's registrations are cleared and
//     every stored handler is re-registered on the new peer, together
//     with a disconnect handler feeding the connection-lost hook.
//
//   - Callback lifetime safety: the connect, disconnect, and response
//     callbacks installed into the Transport first check, under the
//     object mutex, that the Object has not been closed; such a callback
//     racing a close logs and returns without touching the Object.
//     Event and request handlers are forwarded as registered, without
//     that check; Close removes them from the Transport with
//     UnregisterAll.
//
// The object mutex guards all fields. Methods with the Locked suffix
// require it held; the acquisition order is always object mutex first,
// transport mutex second. Transport callbacks run with the transport
// mutex released, so taking the object mutex inside them cannot invert
// the order.
type Object struct {
	mu        sync.Mutex
	transport *Transport
	logger    SLogger
	peer      *Peer
	closed    bool

	eventHandlers   map[Opcode]EventHandler
	requestHandlers map[Opcode]RequestHandler

	// connectionLost is the hook invoked, with the object mutex
	// released, after the peer is lost. Fixed at initialization.
	connectionLost func()
}

// initObject wires the object to its transport and connection-lost
// hook. Must be called exactly once before any other method.
func (o *Object) initObject(t *Transport, connectionLost func()) {
	o.transport = t
	o.logger = t.logger
	o.eventHandlers = make(map[Opcode]EventHandler)
	o.requestHandlers = make(map[Opcode]RequestHandler)
	o.connectionLost = connectionLost
}

// Transport returns the shared transport.
func (o *Object) Transport() *Transport {
	return o.transport
}

// Peer returns the current peer, or nil when disconnected.
func (o *Object) Peer() *Peer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.peer
}

// isConnectedLocked reports whether a peer is bound.
func (o *Object) isConnectedLocked() bool {
	return o.peer != nil
}

// isClosed reports whether Close ran.
func (o *Object) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// closeLocked clears the peer registration and marks the object
// closed. Callbacks still in flight observe the flag and bail out.
func (o *Object) closeLocked() {
	o.closed = true
	if o.peer != nil {
		o.transport.UnregisterAll(o.peer)
		o.transport.Disconnect(o.peer, nil)
		o.peer = nil
	}
}

// connectLocked starts an outgoing connect; the peer is bound before
// cb observes [ResultOk]. Reports false when already connected.
func (o *Object) connectLocked(cb func(Result)) bool {
	if o.peer != nil {
		return false
	}
	return o.transport.Connect(func(result Result, peer *Peer) {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			o.logger.Warn("callbackAfterClose")
			return
		}
		if result == ResultOk {
			o.setPeerLocked(peer)
		}
		o.mu.Unlock()
		if cb != nil {
			cb(result)
		}
	})
}

// disconnectLocked starts a graceful disconnect of the bound peer and
// unbinds it immediately. With a nil cb no pending-disconnect entry is
// recorded, so the peer's disconnect handler still resolves the event
// and the connection-lost hook runs; with a callback, the callback
// wins instead.
func (o *Object) disconnectLocked(cb func(Result)) bool {
	if o.peer == nil {
		return false
	}
	peer := o.peer
	o.peer = nil
	if cb == nil {
		return o.transport.Disconnect(peer, nil)
	}
	return o.transport.Disconnect(peer, func(result Result) {
		if o.isClosed() {
			o.logger.Warn("callbackAfterClose")
			return
		}
		cb(result)
	})
}

// sendEventLocked sends a one-way packet to the bound peer.
func (o *Object) sendEventLocked(opcode Opcode, payload []byte) bool {
	if o.peer == nil {
		return false
	}
	return o.transport.SendEvent(o.peer, opcode, payload)
}

// sendRequestLocked sends a request to the bound peer. The response
// callback is guarded against the object being closed in the interim.
func (o *Object) sendRequestLocked(opcode Opcode, payload []byte, cb ResponseCallback) bool {
	if o.peer == nil {
		return false
	}
	return o.transport.SendRequest(o.peer, opcode, payload, func(result Result, payload []byte) {
		if o.isClosed() {
			o.logger.Warn("callbackAfterClose")
			return
		}
		cb(result, payload)
	})
}

// registerEventHandlerLocked stores the handler and forwards it to the
// transport when a peer is bound. A nil handler clears.
func (o *Object) registerEventHandlerLocked(opcode Opcode, handler EventHandler) {
	if o.peer != nil {
		o.transport.RegisterEventHandler(o.peer, opcode, handler)
	}
	if handler == nil {
		delete(o.eventHandlers, opcode)
		return
	}
	o.eventHandlers[opcode] = handler
}

// registerRequestHandlerLocked stores the handler and forwards it to
// the transport when a peer is bound. A nil handler clears.
func (o *Object) registerRequestHandlerLocked(opcode Opcode, handler RequestHandler) {
	if o.peer != nil {
		o.transport.RegisterRequestHandler(o.peer, opcode, handler)
	}
	if handler == nil {
		delete(o.requestHandlers, opcode)
		return
	}
	o.requestHandlers[opcode] = handler
}

// setPeerLocked rebinds the object to a peer: the old peer's transport
// registrations are cleared, every stored handler is re-registered on
// the new peer, and a disconnect handler is installed that feeds the
// connection-lost hook.
func (o *Object) setPeerLocked(peer *Peer) {
	if o.peer == peer {
		return
	}
	if o.peer != nil {
		o.transport.UnregisterAll(o.peer)
	}
	o.peer = peer
	if peer == nil {
		return
	}
	o.transport.RegisterDisconnectHandler(peer, o.handleDisconnected)
	for opcode, handler := range o.eventHandlers {
		o.transport.RegisterEventHandler(peer, opcode, handler)
	}
	for opcode, handler := range o.requestHandlers {
		o.transport.RegisterRequestHandler(peer, opcode, handler)
	}
}

// handleDisconnected is the disconnect handler installed for the bound
// peer. It unbinds the peer and then runs the connection-lost hook with
// the object mutex released.
func (o *Object) handleDisconnected() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Warn("callbackAfterClose")
		return
	}
	o.logger.Info("connectionLost", slog.Uint64("peer", peerID(o.peer)))
	o.setPeerLocked(nil)
	hook := o.connectionLost
	o.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// peerID returns the peer's id, or zero for nil.
func peerID(p *Peer) uint64 {
	if p == nil {
		return 0
	}
	return p.ID
}
