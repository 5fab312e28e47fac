// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"net/netip"
	"time"
)

// Peer is the handle of one reliable-packet connection. The [Host]
// implementation allocates peers; the runtime keys all per-connection
// dispatch state by peer identity.
//
// ID is unique within a fabric and never reused; the server role uses
// it as the instance id of attached entities. Both fields are immutable
// after creation.
type Peer struct {
	// ID uniquely identifies the peer within its fabric.
	ID uint64

	// Addr is the remote endpoint address.
	Addr netip.AddrPort

	// link is the loopback fabric's connection state; nil for peers
	// created by other Host implementations.
	link *loopbackLink
}

// HostEventKind discriminates the events a [Host] emits.
type HostEventKind uint8

const (
	// HostEventNone is the zero event.
	HostEventNone HostEventKind = iota

	// HostEventConnect reports that a peer finished connecting; emitted
	// both for outgoing connects and for accepted incoming ones.
	HostEventConnect

	// HostEventReceive carries one received packet.
	HostEventReceive

	// HostEventDisconnect reports that a peer disconnected or timed out.
	HostEventDisconnect
)

// HostEvent is one event drained from a [Host] via Poll.
type HostEvent struct {
	Kind HostEventKind
	Peer *Peer
	Data []byte
}

// Host is the reliable-packet library consumed by the [Transport]: a
// connection-oriented, reliable, ordered packet service over UDP with
// per-peer timeouts and select-style readiness.
//
// All methods must be safe for concurrent use. Poll must never block:
// it drains one queued event at a time. ReadinessHandle returns a
// descriptor that becomes readable whenever events are queued, so the
// backend can wait on it together with the wake pipe; it returns -1
// when the host has no selectable handle.
type Host interface {
	// Connect begins an outgoing connection attempt; completion is
	// reported by a [HostEventConnect] (or [HostEventDisconnect] on
	// timeout) for the returned peer.
	Connect(addr netip.AddrPort) (*Peer, error)

	// Disconnect begins a graceful disconnect of the peer.
	Disconnect(peer *Peer) error

	// Send enqueues one packet for reliable ordered delivery.
	Send(peer *Peer, data []byte) error

	// Poll drains one queued event, reporting false when none is queued.
	Poll() (HostEvent, bool)

	// SetPeerTimeout configures the peer's retransmission discipline.
	SetPeerTimeout(peer *Peer, retries uint32, minRTT, maxRTT time.Duration)

	// ReadinessHandle returns the selectable descriptor, or -1.
	ReadinessHandle() int

	// Close tears down the host and all its peers.
	Close() error
}

// HostFactory creates a [Host]. A nil bind address requests a host
// bound to an ephemeral local address (client role); otherwise the host
// listens on the given address (server role).
type HostFactory func(bind *netip.AddrPort) (Host, error)

// FuncHost is a configurable [Host] for testing. Each method calls the
// corresponding function field when set. Otherwise Connect returns a
// peer with ID 1 for the given address, ReadinessHandle returns -1, and
// every other method returns a zero value.
type FuncHost struct {
	ConnectFunc         func(addr netip.AddrPort) (*Peer, error)
	DisconnectFunc      func(peer *Peer) error
	SendFunc            func(peer *Peer, data []byte) error
	PollFunc            func() (HostEvent, bool)
	SetPeerTimeoutFunc  func(peer *Peer, retries uint32, minRTT, maxRTT time.Duration)
	ReadinessHandleFunc func() int
	CloseFunc           func() error
}

var _ Host = &FuncHost{}

// Connect implements [Host].
func (h *FuncHost) Connect(addr netip.AddrPort) (*Peer, error) {
	if h.ConnectFunc != nil {
		return h.ConnectFunc(addr)
	}
	return &Peer{ID: 1, Addr: addr}, nil
}

// Disconnect implements [Host].
func (h *FuncHost) Disconnect(peer *Peer) error {
	if h.DisconnectFunc != nil {
		return h.DisconnectFunc(peer)
	}
	return nil
}

// Send implements [Host].
func (h *FuncHost) Send(peer *Peer, data []byte) error {
	if h.SendFunc != nil {
		return h.SendFunc(peer, data)
	}
	return nil
}

// Poll implements [Host].
func (h *FuncHost) Poll() (HostEvent, bool) {
	if h.PollFunc != nil {
		return h.PollFunc()
	}
	return HostEvent{}, false
}

// SetPeerTimeout implements [Host].
func (h *FuncHost) SetPeerTimeout(peer *Peer, retries uint32, minRTT, maxRTT time.Duration) {
	if h.SetPeerTimeoutFunc != nil {
		h.SetPeerTimeoutFunc(peer, retries, minRTT, maxRTT)
	}
}

// ReadinessHandle implements [Host].
func (h *FuncHost) ReadinessHandle() int {
	if h.ReadinessHandleFunc != nil {
		return h.ReadinessHandleFunc()
	}
	return -1
}

// Close implements [Host].
func (h *FuncHost) Close() error {
	if h.CloseFunc != nil {
		return h.CloseFunc()
	}
	return nil
}
