// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package blackbox2

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

// LoopbackFabric is an in-memory [Host] fabric: every host created from
// the same fabric can connect by address to any of its hosts bound to a
// listening address; hosts created without a bind address are not
// reachable. It provides
// reliable ordered delivery with the same event model as the UDP
// library, which makes it suitable both for tests and for wiring a
// client and a server living in the same process.
//
// Readiness is signaled through an internal wake pipe so the backend's
// select loop works unchanged.
type LoopbackFabric struct {
	mu        sync.Mutex
	listeners map[netip.AddrPort]*loopbackHost
	nextPeer  uint64
	nextPort  uint16
}

// NewLoopbackFabric creates an empty fabric.
func NewLoopbackFabric() *LoopbackFabric {
	return &LoopbackFabric{
		listeners: make(map[netip.AddrPort]*loopbackHost),
		nextPeer:  1,
		nextPort:  40000,
	}
}

var (
	defaultFabricOnce sync.Once
	defaultFabric     *LoopbackFabric
)

// DefaultLoopbackFabric returns the process-wide shared fabric used by
// [NewConfig] when no host factory is injected.
func DefaultLoopbackFabric() *LoopbackFabric {
	defaultFabricOnce.Do(func() {
		defaultFabric = NewLoopbackFabric()
	})
	return defaultFabric
}

// connectFailureDelay is how long the fabric waits before reporting a
// connect attempt to an unbound address as a timeout. The delay keeps
// the stubs' retry loop from spinning hot while the server is down.
const connectFailureDelay = 50 * time.Millisecond

var errLoopbackClosed = errors.New("blackbox2: loopback host is closed")

// NewHost creates a host on the fabric. A nil bind yields a client host
// with a synthetic ephemeral address; otherwise the host is registered
// as the listener for bind. NewHost is a [HostFactory].
func (f *LoopbackFabric) NewHost(bind *netip.AddrPort) (Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &loopbackHost{fabric: f}
	if err := h.notify.Open(); err != nil {
		return nil, err
	}
	if err := h.notify.setNonblock(); err != nil {
		h.notify.Close()
		return nil, err
	}
	if bind != nil {
		if _, taken := f.listeners[*bind]; taken {
			h.notify.Close()
			return nil, errors.New("blackbox2: loopback address already bound")
		}
		h.local = *bind
		f.listeners[*bind] = h
	} else {
		h.local = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), f.nextPort)
		f.nextPort++
	}
	return h, nil
}

func (f *LoopbackFabric) allocPeerID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextPeer
	f.nextPeer++
	return id
}

// loopbackLink is the shared state of one loopback connection.
type loopbackLink struct {
	mu     sync.Mutex
	closed bool
	hosts  [2]*loopbackHost
	peers  [2]*Peer
}

// remoteOf returns the host and peer at the other end of the link.
func (l *loopbackLink) remoteOf(p *Peer) (*loopbackHost, *Peer) {
	if l.peers[0] == p {
		return l.hosts[1], l.peers[1]
	}
	return l.hosts[0], l.peers[0]
}

// loopbackHost is one endpoint on a [LoopbackFabric].
type loopbackHost struct {
	fabric *LoopbackFabric
	local  netip.AddrPort

	mu     sync.Mutex
	notify WakePipe
	queue  []HostEvent
	peers  []*Peer
	closed bool
}

var _ Host = &loopbackHost{}

// enqueue appends an event and signals readiness.
func (h *loopbackHost) enqueue(evt HostEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.queue = append(h.queue, evt)
	h.notify.Write([]byte{1})
}

// Connect implements [Host].
func (h *loopbackHost) Connect(addr netip.AddrPort) (*Peer, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errLoopbackClosed
	}
	h.mu.Unlock()

	f := h.fabric
	f.mu.Lock()
	remote := f.listeners[addr]
	f.mu.Unlock()

	local := &Peer{ID: f.allocPeerID(), Addr: addr}
	if remote == nil || remote == h {
		// Nothing is listening: model the retransmission timeout with
		// a delayed disconnect event.
		time.AfterFunc(connectFailureDelay, func() {
			h.enqueue(HostEvent{Kind: HostEventDisconnect, Peer: local})
		})
		return local, nil
	}

	accepted := &Peer{ID: f.allocPeerID(), Addr: h.local}
	link := &loopbackLink{
		hosts: [2]*loopbackHost{h, remote},
		peers: [2]*Peer{local, accepted},
	}
	local.link = link
	accepted.link = link

	h.mu.Lock()
	h.peers = append(h.peers, local)
	h.mu.Unlock()
	remote.mu.Lock()
	remote.peers = append(remote.peers, accepted)
	remote.mu.Unlock()

	h.enqueue(HostEvent{Kind: HostEventConnect, Peer: local})
	remote.enqueue(HostEvent{Kind: HostEventConnect, Peer: accepted})
	return local, nil
}

// Disconnect implements [Host].
func (h *loopbackHost) Disconnect(peer *Peer) error {
	link := peer.link
	if link == nil {
		// The connect attempt never completed; the timeout event is
		// already on its way.
		return nil
	}
	link.mu.Lock()
	if link.closed {
		link.mu.Unlock()
		h.enqueue(HostEvent{Kind: HostEventDisconnect, Peer: peer})
		return nil
	}
	link.closed = true
	rhost, rpeer := link.remoteOf(peer)
	link.mu.Unlock()

	h.enqueue(HostEvent{Kind: HostEventDisconnect, Peer: peer})
	rhost.enqueue(HostEvent{Kind: HostEventDisconnect, Peer: rpeer})
	return nil
}

// Send implements [Host].
func (h *loopbackHost) Send(peer *Peer, data []byte) error {
	link := peer.link
	if link == nil {
		return errors.New("blackbox2: loopback peer is not connected")
	}
	link.mu.Lock()
	if link.closed {
		link.mu.Unlock()
		return errors.New("blackbox2: loopback link is closed")
	}
	rhost, rpeer := link.remoteOf(peer)
	link.mu.Unlock()

	rhost.enqueue(HostEvent{
		Kind: HostEventReceive,
		Peer: rpeer,
		Data: append([]byte(nil), data...),
	})
	return nil
}

// Poll implements [Host].
func (h *loopbackHost) Poll() (HostEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return HostEvent{}, false
	}
	evt := h.queue[0]
	h.queue = h.queue[1:]
	var one [1]byte
	h.notify.Read(one[:])
	return evt, true
}

// SetPeerTimeout implements [Host]. The fabric has no retransmission,
// so the discipline is accepted and ignored.
func (h *loopbackHost) SetPeerTimeout(peer *Peer, retries uint32, minRTT, maxRTT time.Duration) {
}

// ReadinessHandle implements [Host].
func (h *loopbackHost) ReadinessHandle() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notify.ReadHandle()
}

// Close implements [Host].
func (h *loopbackHost) Close() error {
	f := h.fabric
	f.mu.Lock()
	if f.listeners[h.local] == h {
		delete(f.listeners, h.local)
	}
	f.mu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	peers := h.peers
	h.peers = nil
	h.queue = nil
	h.notify.Close()
	h.mu.Unlock()

	// Drop every live link and tell the remote ends.
	for _, p := range peers {
		link := p.link
		if link == nil {
			continue
		}
		link.mu.Lock()
		if link.closed {
			link.mu.Unlock()
			continue
		}
		link.closed = true
		rhost, rpeer := link.remoteOf(p)
		link.mu.Unlock()
		rhost.enqueue(HostEvent{Kind: HostEventDisconnect, Peer: rpeer})
	}
	return nil
}
