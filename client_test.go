// SPDX-License-Identifier: GPL-3.0-or-later

package blackbox2

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// While disabled, NewClient fails and every factory on the nil client
// returns nil without panicking.
func TestClientDisabled(t *testing.T) {
	cfg := newTestConfig()
	cfg.Enabled = false

	client, err := NewClient(cfg)

	require.ErrorIs(t, err, ErrNotEnabled)
	require.Nil(t, client)
	assert.Nil(t, client.CreateChannelStub(ChannelConfig{}, nil))
	assert.Nil(t, client.CreateExecutorStub(1))
	assert.Nil(t, client.CreateNodeStub("n"))
	client.Close()
	client.SetStatProvider(nil)
	client.SetConfigFilename("x")
}

// GetKeyStat round-trips through the client's stat provider.
func TestGetKeyStat(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	client, procProxy := attachedClient(t, cfg, srv)

	provider := NewCacheStatProvider(time.Minute, time.Minute)
	provider.Put("topic/imu", &KeyStat{RxBytes: 123, TxPackets: 9})
	client.SetStatProvider(provider)

	type outcome struct {
		result Result
		stat   *KeyStat
	}
	ch := make(chan outcome, 1)
	require.True(t, procProxy.GetKeyStat("topic/imu", func(result Result, stat *KeyStat) {
		ch <- outcome{result, stat}
	}))

	got := recvWithin(t, ch)
	require.Equal(t, ResultOk, got.result)
	require.NotNil(t, got.stat)
	assert.True(t, got.stat.Valid)
	assert.EqualValues(t, 123, got.stat.RxBytes)
	assert.EqualValues(t, 9, got.stat.TxPackets)
}

// An unknown key resolves InvalidParameter; a client without a
// provider resolves InvalidState.
func TestGetKeyStatFailures(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	client, procProxy := attachedClient(t, cfg, srv)

	ch := make(chan Result, 1)
	require.True(t, procProxy.GetKeyStat("nope", func(result Result, _ *KeyStat) {
		ch <- result
	}))
	assert.Equal(t, ResultInvalidState, recvWithin(t, ch))

	client.SetStatProvider(StatProviderFunc(func(string) (*KeyStat, bool) {
		return nil, false
	}))
	require.True(t, procProxy.GetKeyStat("nope", func(result Result, _ *KeyStat) {
		ch <- result
	}))
	assert.Equal(t, ResultInvalidParameter, recvWithin(t, ch))
}

// Recorder control events start and stop the client's recorder and
// re-point the live channels, which then record observed traffic.
func TestRecorderControl(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	client, procProxy := attachedClient(t, cfg, srv)

	recorder := NewFileRecorder(nil)
	client.SetRecorder(recorder)
	ch := client.CreateChannelStub(ChannelConfig{
		Properties: map[string]string{"id": "c1", "type": "shm"},
	}, nil)
	require.NotNil(t, ch)
	require.Eventually(t, func() bool { return ch.InstanceID() > 0 },
		waitTimeout, waitTick)

	path := filepath.Join(t.TempDir(), "traffic.rec")
	require.True(t, procProxy.StartLocalRecorder(path))
	require.Eventually(t, recorder.IsStarted, waitTimeout, waitTick)

	ch.SendMessage(Message{Payload: []byte("observed"), SerializeType: "raw"})

	require.True(t, procProxy.StopLocalRecorder())
	require.Eventually(t, func() bool { return !recorder.IsStarted() },
		waitTimeout, waitTick)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

// Player control events start and stop the client's player.
func TestPlayerControl(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	client, procProxy := attachedClient(t, cfg, srv)

	player := &funcMessageSource{}
	client.SetPlayer(player)

	require.True(t, procProxy.StartLocalPlayer("session.rec"))
	require.Eventually(t, player.IsStarted, waitTimeout, waitTick)
	assert.Equal(t, "session.rec", player.path())

	require.True(t, procProxy.StopLocalPlayer())
	require.Eventually(t, func() bool { return !player.IsStarted() },
		waitTimeout, waitTick)
}

// An injected message reaches the channel's inject handler.
func TestInjectMessage(t *testing.T) {
	cfg := newTestConfig()
	srv := startServer(t, cfg)
	client, procProxy := attachedClient(t, cfg, srv)

	injected := make(chan Message, 1)
	chanCh := make(chan *ChannelProxy, 1)
	procProxy.OnChannelAdded.Connect(func(cp *ChannelProxy) { chanCh <- cp })
	ch := client.CreateChannelStub(ChannelConfig{
		Properties: map[string]string{"id": "c1", "type": "shm"},
	}, func(msg Message) { injected <- msg })
	require.NotNil(t, ch)
	chanProxy := recvWithin(t, chanCh)
	require.Eventually(t, func() bool { return ch.InstanceID() > 0 },
		waitTimeout, waitTick)

	result := chanProxy.InjectMessage(Message{
		Dir:           DirectionIn,
		Payload:       []byte("replayed"),
		SerializeType: "raw",
	})
	require.Equal(t, ResultOk, result)

	got := recvWithin(t, injected)
	assert.Equal(t, []byte("replayed"), got.Payload)
	assert.Equal(t, DirectionIn, got.Dir)
}

// InjectMessage validates its input before touching the wire.
func TestInjectMessageValidation(t *testing.T) {
	cfg := newTestConfig()
	tr := NewTransport(cfg)
	peer := &Peer{ID: 1, Addr: cfg.ServerAddr}
	cp := newChannelProxy(tr, peer, ChannelInfo{ID: "c"})

	assert.Equal(t, ResultInvalidParameter, cp.InjectMessage(Message{}))
	assert.Equal(t, ResultInvalidParameter, cp.InjectMessage(Message{
		Payload: []byte("x"), SerializeType: "raw",
	}))

	cp.SetMessageFields(0)
	assert.Equal(t, ResultInvalidState, cp.InjectMessage(Message{
		Dir: DirectionIn, Payload: []byte("x"), SerializeType: "raw",
	}))
}
