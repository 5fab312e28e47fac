// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recvWithin receives from ch or fails the test after the standard
// timeout.
func recvWithin[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting on channel")
		panic("unreachable")
	}
}

// startClientTransport starts a client-role transport that is stopped
// with the test.
func startClientTransport(t *testing.T, cfg *Config) *Transport {
	t.Helper()
	tr := NewTransport(cfg)
	require.NoError(t, tr.StartAsClient())
	t.Cleanup(tr.Stop)
	return tr
}

// connectPeer connects the transport to its server address and waits
// for the resolved peer.
func connectPeer(t *testing.T, tr *Transport) *Peer {
	t.Helper()
	type outcome struct {
		result Result
		peer   *Peer
	}
	ch := make(chan outcome, 1)
	require.True(t, tr.Connect(func(result Result, peer *Peer) {
		ch <- outcome{result, peer}
	}))
	out := recvWithin(t, ch)
	require.Equal(t, ResultOk, out.result)
	require.NotNil(t, out.peer)
	return out.peer
}

// acceptPeer waits for the raw server to observe the incoming
// connection.
func acceptPeer(t *testing.T, srv *rawPeerServer) *Peer {
	t.Helper()
	evt, ok := srv.waitEvent(HostEventConnect, waitTimeout)
	require.True(t, ok, "no incoming connection")
	return evt.Peer
}

// StartAsClient refuses to run while disabled and to start twice.
func TestTransportStartErrors(t *testing.T) {
	cfg := newTestConfig()
	cfg.Enabled = false
	tr := NewTransport(cfg)
	require.ErrorIs(t, tr.StartAsClient(), ErrNotEnabled)

	cfg2 := newTestConfig()
	tr2 := startClientTransport(t, cfg2)
	require.ErrorIs(t, tr2.StartAsClient(), ErrAlreadyStarted)
}

// Stop is idempotent and leaves the transport stopped.
func TestTransportStopIdempotent(t *testing.T) {
	cfg := newTestConfig()
	tr := NewTransport(cfg)
	require.NoError(t, tr.StartAsClient())

	tr.Stop()
	tr.Stop()

	assert.False(t, tr.Connect(func(Result, *Peer) {}))
}

// An outgoing connect resolves Ok and the server observes the peer.
func TestTransportConnect(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)

	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	assert.NotNil(t, peer)
	assert.NotNil(t, accepted)
}

// A connect to an address nobody listens on resolves Timeout with a
// nil peer.
func TestTransportConnectTimeout(t *testing.T) {
	cfg := newTestConfig()
	tr := startClientTransport(t, cfg)

	type outcome struct {
		result Result
		peer   *Peer
	}
	ch := make(chan outcome, 1)
	require.True(t, tr.Connect(func(result Result, peer *Peer) {
		ch <- outcome{result, peer}
	}))

	out := recvWithin(t, ch)
	assert.Equal(t, ResultTimeout, out.result)
	assert.Nil(t, out.peer)
}

// Responses resolve their continuations by session id regardless of
// arrival order, and resolved sessions leave the outstanding table.
func TestRequestResponseCorrelation(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	type reply struct {
		result  Result
		payload string
	}
	chA := make(chan reply, 1)
	chB := make(chan reply, 1)
	require.True(t, tr.SendRequest(peer, OpcodeProcessGetKeyStat, []byte("a"),
		func(result Result, payload []byte) {
			chA <- reply{result, string(payload)}
		}))
	require.True(t, tr.SendRequest(peer, OpcodeProcessGetKeyStat, []byte("b"),
		func(result Result, payload []byte) {
			chB <- reply{result, string(payload)}
		}))

	reqA, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)
	reqB, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)
	headerA, err := parseHeader(reqA.Data)
	require.NoError(t, err)
	headerB, err := parseHeader(reqB.Data)
	require.NoError(t, err)
	assert.Equal(t, headerA.Session+1, headerB.Session)

	// Answer in reverse order.
	require.NoError(t, srv.send(accepted,
		encodePacket(TypeResponse, headerB.Opcode, headerB.Session, uint32(ResultOk), []byte("for-b"))))
	require.NoError(t, srv.send(accepted,
		encodePacket(TypeResponse, headerA.Opcode, headerA.Session, uint32(ResultOk), []byte("for-a"))))

	gotB := recvWithin(t, chB)
	gotA := recvWithin(t, chA)
	assert.Equal(t, reply{ResultOk, "for-b"}, gotB)
	assert.Equal(t, reply{ResultOk, "for-a"}, gotA)

	tr.mu.Lock()
	assert.Empty(t, tr.outstanding[peer])
	tr.mu.Unlock()
}

// Session ids keep increasing across different peers of one transport.
func TestSessionMonotonicAcrossPeers(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)

	peer1 := connectPeer(t, tr)
	acceptPeer(t, srv)
	peer2 := connectPeer(t, tr)
	acceptPeer(t, srv)

	require.True(t, tr.SendRequest(peer1, OpcodeMessage, nil, func(Result, []byte) {}))
	require.True(t, tr.SendRequest(peer2, OpcodeMessage, nil, func(Result, []byte) {}))

	req1, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)
	req2, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)
	h1, err := parseHeader(req1.Data)
	require.NoError(t, err)
	h2, err := parseHeader(req2.Data)
	require.NoError(t, err)

	assert.Greater(t, h2.Session, h1.Session)
}

// Registered event handlers receive the payload; unknown or malformed
// packets are dropped without breaking the connection.
func TestEventDispatchAndProtocolViolations(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	got := make(chan string, 4)
	tr.RegisterEventHandler(peer, OpcodeMessage, func(payload []byte) {
		got <- string(payload)
	})

	// Garbage first: short packet, stale version, unknown opcode,
	// unknown type.
	require.NoError(t, srv.send(accepted, []byte{1, 2, 3}))
	stale := encodePacket(TypeEvent, OpcodeMessage, 0, 0, []byte("stale"))
	stale[0] = ProtocolVersion - 1
	require.NoError(t, srv.send(accepted, stale))
	badOp := encodePacket(TypeEvent, OpcodeMessage, 0, 0, []byte("badop"))
	badOp[2] = 0xFE
	require.NoError(t, srv.send(accepted, badOp))
	badType := encodePacket(TypeEvent, OpcodeMessage, 0, 0, []byte("badtype"))
	badType[1] = uint8(typeMax)
	require.NoError(t, srv.send(accepted, badType))

	// Then a valid event: it must still be dispatched.
	require.NoError(t, srv.send(accepted,
		encodePacket(TypeEvent, OpcodeMessage, 0, 0, []byte("valid"))))

	assert.Equal(t, "valid", recvWithin(t, got))
	assert.Empty(t, got)
}

// An event without a handler is silently ignored.
func TestEventWithoutHandlerIgnored(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	require.NoError(t, srv.send(accepted,
		encodePacket(TypeEvent, OpcodeNodeAttach, 0, 0, nil)))

	// The connection must survive; prove it with a handled event.
	got := make(chan string, 1)
	tr.RegisterEventHandler(peer, OpcodeMessage, func(payload []byte) {
		got <- string(payload)
	})
	require.NoError(t, srv.send(accepted,
		encodePacket(TypeEvent, OpcodeMessage, 0, 0, []byte("alive"))))
	assert.Equal(t, "alive", recvWithin(t, got))
}

// A request handler that never responds yields a synthesized Unknown
// response with the same opcode and session.
func TestRequestHandlerSynthesizedResponse(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	tr.RegisterRequestHandler(peer, OpcodeProcessGetKeyStat, func(req *RequestContext) {
		// deliberately no SetResponse
	})

	require.NoError(t, srv.send(accepted,
		encodePacket(TypeRequest, OpcodeProcessGetKeyStat, 17, 0, nil)))

	resp, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)
	h, err := parseHeader(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, h.Type)
	assert.Equal(t, OpcodeProcessGetKeyStat, h.Opcode)
	assert.Equal(t, uint32(17), h.Session)
	assert.Equal(t, uint32(ResultUnknown), h.Extra)
	assert.Len(t, resp.Data, headerSize)
}

// A panicking request handler still yields exactly one response and
// leaves the backend alive.
func TestRequestHandlerPanicStillResponds(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	tr.RegisterRequestHandler(peer, OpcodeProcessGetKeyStat, func(req *RequestContext) {
		panic("handler exploded")
	})

	require.NoError(t, srv.send(accepted,
		encodePacket(TypeRequest, OpcodeProcessGetKeyStat, 23, 0, nil)))

	resp, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)
	h, err := parseHeader(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(23), h.Session)
	assert.Equal(t, uint32(ResultUnknown), h.Extra)

	// Backend still serves traffic.
	got := make(chan string, 1)
	tr.RegisterEventHandler(peer, OpcodeMessage, func(payload []byte) {
		got <- string(payload)
	})
	require.NoError(t, srv.send(accepted,
		encodePacket(TypeEvent, OpcodeMessage, 0, 0, []byte("alive"))))
	assert.Equal(t, "alive", recvWithin(t, got))
}

// A handler's explicit response replaces the synthesized one.
func TestRequestHandlerExplicitResponse(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	tr.RegisterRequestHandler(peer, OpcodeProcessGetKeyStat, func(req *RequestContext) {
		req.SetResponse(ResultInvalidParameter, []byte("nope"))
	})

	require.NoError(t, srv.send(accepted,
		encodePacket(TypeRequest, OpcodeProcessGetKeyStat, 5, 0, nil)))

	resp, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)
	h, err := parseHeader(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(ResultInvalidParameter), h.Extra)
	assert.Equal(t, []byte("nope"), resp.Data[headerSize:])
}

// Peer loss fails every outstanding continuation with Timeout and
// empties the session table.
func TestDisconnectFailsOutstanding(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	type reply struct {
		result  Result
		payload []byte
	}
	ch := make(chan reply, 1)
	require.True(t, tr.SendRequest(peer, OpcodeProcessGetKeyStat, nil,
		func(result Result, payload []byte) {
			ch <- reply{result, payload}
		}))
	_, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)

	srv.host.Disconnect(accepted)

	got := recvWithin(t, ch)
	assert.Equal(t, ResultTimeout, got.result)
	assert.Nil(t, got.payload)
	tr.mu.Lock()
	assert.Empty(t, tr.outstanding[peer])
	tr.mu.Unlock()
}

// UnregisterAll drops the continuation: a late response resolves
// nothing.
func TestUnregisterAllDropsContinuations(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	accepted := acceptPeer(t, srv)

	called := make(chan struct{}, 1)
	require.True(t, tr.SendRequest(peer, OpcodeMessage, nil,
		func(Result, []byte) { called <- struct{}{} }))
	req, ok := srv.waitEvent(HostEventReceive, waitTimeout)
	require.True(t, ok)
	h, err := parseHeader(req.Data)
	require.NoError(t, err)

	tr.UnregisterAll(peer)
	require.NoError(t, srv.send(accepted,
		encodePacket(TypeResponse, h.Opcode, h.Session, uint32(ResultOk), nil)))

	select {
	case <-called:
		t.Fatal("continuation survived UnregisterAll")
	case <-time.After(200 * time.Millisecond):
	}
}

// Concurrent disconnect requests for one peer are deduplicated: the
// host sees one disconnect and only the first callback is retained.
func TestDisconnectDeduplicated(t *testing.T) {
	cfg := newTestConfig()
	var disconnects atomic.Int32
	cfg.NewHost = func(bind *netip.AddrPort) (Host, error) {
		return &FuncHost{
			DisconnectFunc: func(*Peer) error {
				disconnects.Add(1)
				return nil
			},
		}, nil
	}
	tr := startClientTransport(t, cfg)
	peer := &Peer{ID: 1}

	require.True(t, tr.Disconnect(peer, func(Result) {}))
	require.True(t, tr.Disconnect(peer, func(Result) {}))

	assert.EqualValues(t, 1, disconnects.Load())
	tr.mu.Lock()
	assert.Len(t, tr.pendingDisconnects, 1)
	tr.mu.Unlock()
}

// A graceful disconnect resolves its callback with Ok.
func TestDisconnectResolvesOk(t *testing.T) {
	cfg := newTestConfig()
	srv, err := newRawPeerServer(cfg)
	require.NoError(t, err)
	defer srv.close()
	tr := startClientTransport(t, cfg)
	peer := connectPeer(t, tr)
	acceptPeer(t, srv)

	ch := make(chan Result, 1)
	require.True(t, tr.Disconnect(peer, func(result Result) { ch <- result }))

	assert.Equal(t, ResultOk, recvWithin(t, ch))
}
