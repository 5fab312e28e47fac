// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewObserveHostFunc populates all fields from Config and the provided
// logger.
func TestNewObserveHostFunc(t *testing.T) {
	cfg := newTestConfig()
	logger := DefaultSLogger()

	fn := NewObserveHostFunc(cfg, logger)

	require.NotNil(t, fn)
	assert.NotNil(t, fn.Logger)
	assert.NotNil(t, fn.TimeNow)
	assert.NotNil(t, fn.ErrClassifier)
}

// Connect emits hostConnectStart/hostConnectDone and forwards to the
// wrapped host.
func TestObservedHostConnectLogging(t *testing.T) {
	cfg := newTestConfig()
	logger, records := newCapturingLogger()
	addr := netip.MustParseAddrPort("127.0.0.1:9999")
	wantPeer := &Peer{ID: 42, Addr: addr}
	inner := &FuncHost{
		ConnectFunc: func(a netip.AddrPort) (*Peer, error) {
			return wantPeer, nil
		},
	}

	fn := NewObserveHostFunc(cfg, logger)
	host := fn.Wrap(inner)

	peer, err := host.Connect(addr)

	require.NoError(t, err)
	assert.Same(t, wantPeer, peer)
	require.Len(t, *records, 2)
	assert.Equal(t, "hostConnectStart", (*records)[0].Message)
	assert.Equal(t, "hostConnectDone", (*records)[1].Message)
}

// Send emits a hostSend record with the byte count.
func TestObservedHostSendLogging(t *testing.T) {
	cfg := newTestConfig()
	logger, records := newCapturingLogger()
	var sent []byte
	inner := &FuncHost{
		SendFunc: func(peer *Peer, data []byte) error {
			sent = append(sent, data...)
			return nil
		},
	}

	host := NewObserveHostFunc(cfg, logger).Wrap(inner)
	err := host.Send(&Peer{ID: 1}, []byte("abc"))

	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), sent)
	require.Len(t, *records, 1)
	assert.Equal(t, "hostSend", (*records)[0].Message)
}

// Poll logs each drained event by kind and passes it through.
func TestObservedHostPollLogging(t *testing.T) {
	cfg := newTestConfig()
	logger, records := newCapturingLogger()
	events := []HostEvent{
		{Kind: HostEventConnect, Peer: &Peer{ID: 1}},
		{Kind: HostEventReceive, Peer: &Peer{ID: 1}, Data: []byte("x")},
		{Kind: HostEventDisconnect, Peer: &Peer{ID: 1}},
	}
	inner := &FuncHost{
		PollFunc: func() (HostEvent, bool) {
			if len(events) == 0 {
				return HostEvent{}, false
			}
			evt := events[0]
			events = events[1:]
			return evt, true
		},
	}

	host := NewObserveHostFunc(cfg, logger).Wrap(inner)
	for {
		if _, ok := host.Poll(); !ok {
			break
		}
	}

	require.Len(t, *records, 3)
	assert.Equal(t, "hostPeerConnected", (*records)[0].Message)
	assert.Equal(t, "hostReceive", (*records)[1].Message)
	assert.Equal(t, "hostPeerDisconnected", (*records)[2].Message)
}

// The factory wrapper observes every host the factory creates.
func TestObserveHostFactory(t *testing.T) {
	cfg := newTestConfig()
	logger, records := newCapturingLogger()

	fn := NewObserveHostFunc(cfg, logger)
	factory := fn.Factory(func(bind *netip.AddrPort) (Host, error) {
		return &FuncHost{}, nil
	})

	host, err := factory(nil)
	require.NoError(t, err)
	host.Close()

	require.Len(t, *records, 1)
	assert.Equal(t, "hostClose", (*records)[0].Message)
}
