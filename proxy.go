// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"log/slog"
	"time"
)

// Proxy is the server-side mirror of a [Stub]. It is bound at
// construction to the accepted peer, holds the activation state, and
// broadcasts lifecycle signals to observers.
//
// The registry keeps proxies alive; every registry entry subscribes to
// [Proxy.OnDisconnected] exactly once to remove itself.
type Proxy struct {
	Object

	isActivated bool
	host        string
	port        uint16
	timestamp   time.Time

	// activationChanged is the cascade hook: entity proxies with
	// children propagate their activation to them. Invoked with the
	// proxy mutex released. Fixed at initialization.
	activationChanged func(bool)

	// OnDisconnected fires once when the peer is lost.
	OnDisconnected Signal[Unit]

	// OnActivated and OnDeactivated fire on activation transitions.
	OnActivated   Signal[Unit]
	OnDeactivated Signal[Unit]
}

// initProxy binds the proxy to its accepted peer. Must be called
// exactly once.
func (p *Proxy) initProxy(t *Transport, peer *Peer, activationChanged func(bool)) {
	p.initObject(t, p.handleConnectionLost)
	p.isActivated = true
	p.host = peer.Addr.Addr().String()
	p.port = peer.Addr.Port()
	p.timestamp = t.cfg.TimeNow()
	p.activationChanged = activationChanged
	p.mu.Lock()
	p.setPeerLocked(peer)
	p.mu.Unlock()
}

// IsConnected reports whether the peer is still bound.
func (p *Proxy) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isConnectedLocked()
}

// Disconnect starts a graceful disconnect of the mirrored entity.
func (p *Proxy) Disconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnectLocked(nil)
}

// Host returns the remote host address the entity attached from.
func (p *Proxy) Host() string {
	return p.host
}

// Port returns the remote port the entity attached from.
func (p *Proxy) Port() uint16 {
	return p.port
}

// Timestamp returns when the entity attached.
func (p *Proxy) Timestamp() time.Time {
	return p.timestamp
}

// IsActivated reports the mirrored activation state.
func (p *Proxy) IsActivated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isActivated
}

// SetActivation changes the activation state. On a transition it sends
// an [OpcodeActivate] event to the stub under the proxy mutex, then,
// with the mutex released, fires the matching signal and runs the
// cascade hook.
func (p *Proxy) SetActivation(v bool) {
	p.mu.Lock()
	if p.isActivated == v {
		p.mu.Unlock()
		return
	}
	p.isActivated = v
	b := BoolValue{Value: v}
	p.sendEventLocked(OpcodeActivate, b.Marshal())
	hook := p.activationChanged
	p.mu.Unlock()
	p.logger.Info("proxyActivation", slog.Bool("isActivated", v))
	if v {
		p.OnActivated.emit(Unit{})
	} else {
		p.OnDeactivated.emit(Unit{})
	}
	if hook != nil {
		hook(v)
	}
}

// handleConnectionLost emits [Proxy.OnDisconnected]; the registry's
// subscription removes the proxy.
func (p *Proxy) handleConnectionLost() {
	p.OnDisconnected.emit(Unit{})
}
